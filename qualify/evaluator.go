// Package qualify decides whether a member is eligible to receive the value
// of a completed cycle. The evaluator is a pure function of the snapshot it
// is handed; it performs no I/O and records nothing.
package qualify

import "sigmacore/registry"

// Policy captures the plan's eligibility thresholds. The first cycle may run
// with a relaxed recruit requirement, a documented plan variant.
type Policy struct {
	MinDirects           int
	FirstCycleMinDirects int
}

// Result breaks the eligibility decision into its observable parts so the
// ledger can record why a payout was forfeited.
type Result struct {
	IsQualified       bool
	IsActive          bool
	HasMinimumDirects bool
	HasPriorCycle     bool
}

// Evaluator applies a plan's qualification policy.
type Evaluator struct {
	policy Policy
}

// New constructs an evaluator for the given policy.
func New(policy Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Policy returns the configured thresholds.
func (e *Evaluator) Policy() Policy { return e.policy }

// Qualifies evaluates the member against the policy. personalRecruits counts
// distinct personal recruits in the sponsorship tree, which is independent of
// matrix placement. priorCycles is the number of cycles the member has
// already completed in the plan before this one.
func (e *Evaluator) Qualifies(member *registry.Member, personalRecruits, priorCycles int) Result {
	res := Result{
		IsActive:      member.Active(),
		HasPriorCycle: priorCycles > 0,
	}
	threshold := e.policy.MinDirects
	if !res.HasPriorCycle {
		threshold = e.policy.FirstCycleMinDirects
	}
	res.HasMinimumDirects = personalRecruits >= threshold
	res.IsQualified = res.IsActive && res.HasMinimumDirects
	return res
}
