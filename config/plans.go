package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is the full set of compensation terms for one matrix plan. All
// monetary values are integer cents; no plan parameter is read from ambient
// globals.
type Plan struct {
	ID                       string `yaml:"id"`
	Width                    int    `yaml:"width"`
	Depth                    int    `yaml:"depth"`
	CycleValueCents          int64  `yaml:"cycle_value_cents"`
	PayoutPercent            int    `yaml:"payout_percent"`
	MinDirects               int    `yaml:"min_directs"`
	FirstCycleMinDirects     int    `yaml:"first_cycle_min_directs"`
	AutoOverflow             bool   `yaml:"auto_overflow"`
	RollUp                   bool   `yaml:"roll_up"`
	RollUpMaxLevels          int    `yaml:"roll_up_max_levels"`
	ActivationThresholdCents int64  `yaml:"activation_threshold_cents"`
}

// PayoutAmountCents derives the value attached to one cycle event.
func (p Plan) PayoutAmountCents() int64 {
	return p.CycleValueCents * int64(p.PayoutPercent) / 100
}

type planCatalog struct {
	Plans []Plan `yaml:"plans"`
}

// DefaultPlan mirrors the standard 6-wide, 6-deep sigma plan: a 360.00 cycle
// paying out 30%, activation at 60.00 of accumulated purchases.
func DefaultPlan() Plan {
	return Plan{
		ID:                       "sigma",
		Width:                    6,
		Depth:                    6,
		CycleValueCents:          36000,
		PayoutPercent:            30,
		MinDirects:               2,
		FirstCycleMinDirects:     0,
		RollUp:                   true,
		RollUpMaxLevels:          6,
		ActivationThresholdCents: 6000,
	}
}

// LoadPlans reads the plan catalog. An empty path yields the default plan.
func LoadPlans(path string) ([]Plan, error) {
	if path == "" {
		return []Plan{DefaultPlan()}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	var catalog planCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	if len(catalog.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog %s defines no plans", path)
	}
	seen := map[string]struct{}{}
	for i := range catalog.Plans {
		plan := &catalog.Plans[i]
		if err := plan.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[plan.ID]; ok {
			return nil, fmt.Errorf("plan catalog %s: duplicate plan id %q", path, plan.ID)
		}
		seen[plan.ID] = struct{}{}
	}
	return catalog.Plans, nil
}
