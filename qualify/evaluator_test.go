package qualify

import (
	"testing"

	"sigmacore/registry"
)

func member(status registry.Status) *registry.Member {
	return &registry.Member{Status: status}
}

func TestQualifiesRequiresActiveStatus(t *testing.T) {
	eval := New(Policy{MinDirects: 2, FirstCycleMinDirects: 2})

	res := eval.Qualifies(member(registry.StatusActive), 3, 1)
	if !res.IsQualified || !res.IsActive || !res.HasMinimumDirects {
		t.Fatalf("active member with enough recruits should qualify: %+v", res)
	}

	for _, status := range []registry.Status{registry.StatusInactive, registry.StatusSuspended} {
		res := eval.Qualifies(member(status), 3, 1)
		if res.IsQualified {
			t.Fatalf("%s member should not qualify", status)
		}
		if res.IsActive {
			t.Fatalf("%s member reported active", status)
		}
		if !res.HasMinimumDirects {
			t.Fatalf("recruit check should be independent of status")
		}
	}
}

func TestQualifiesEnforcesRecruitThreshold(t *testing.T) {
	eval := New(Policy{MinDirects: 2, FirstCycleMinDirects: 2})

	res := eval.Qualifies(member(registry.StatusActive), 1, 1)
	if res.IsQualified || res.HasMinimumDirects {
		t.Fatalf("one recruit should miss a threshold of two: %+v", res)
	}

	res = eval.Qualifies(member(registry.StatusActive), 2, 1)
	if !res.IsQualified {
		t.Fatalf("threshold is inclusive: %+v", res)
	}
}

func TestFirstCycleUsesRelaxedThreshold(t *testing.T) {
	eval := New(Policy{MinDirects: 2, FirstCycleMinDirects: 0})

	res := eval.Qualifies(member(registry.StatusActive), 0, 0)
	if !res.IsQualified {
		t.Fatalf("first cycle with a zero threshold should qualify: %+v", res)
	}
	if res.HasPriorCycle {
		t.Fatalf("prior cycle flagged on first occurrence")
	}

	res = eval.Qualifies(member(registry.StatusActive), 0, 1)
	if res.IsQualified {
		t.Fatalf("second cycle must meet the full threshold: %+v", res)
	}
	if !res.HasPriorCycle {
		t.Fatalf("prior cycle not flagged")
	}
}
