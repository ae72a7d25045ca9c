package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPlansDefaultsWhenPathEmpty(t *testing.T) {
	plans, err := LoadPlans("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(plans) != 1 || plans[0].ID != "sigma" {
		t.Fatalf("plans = %+v", plans)
	}
	if plans[0].PayoutAmountCents() != 10800 {
		t.Fatalf("payout = %d, want 10800", plans[0].PayoutAmountCents())
	}
}

func TestLoadPlansFromCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	raw := `plans:
  - id: starter
    width: 3
    depth: 2
    cycle_value_cents: 9000
    payout_percent: 50
    min_directs: 1
  - id: pro
    width: 6
    depth: 6
    cycle_value_cents: 36000
    payout_percent: 30
    min_directs: 2
    roll_up: true
    roll_up_max_levels: 6
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	plans, err := LoadPlans(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("plans = %d, want 2", len(plans))
	}
	if plans[0].PayoutAmountCents() != 4500 {
		t.Fatalf("starter payout = %d, want 4500", plans[0].PayoutAmountCents())
	}
	if !plans[1].RollUp || plans[1].RollUpMaxLevels != 6 {
		t.Fatalf("pro plan = %+v", plans[1])
	}
}

func TestLoadPlansRejectsDuplicatesAndBadGeometry(t *testing.T) {
	dir := t.TempDir()

	dup := filepath.Join(dir, "dup.yaml")
	raw := `plans:
  - id: sigma
    width: 2
    depth: 2
    cycle_value_cents: 100
    payout_percent: 10
  - id: sigma
    width: 2
    depth: 2
    cycle_value_cents: 100
    payout_percent: 10
`
	if err := os.WriteFile(dup, []byte(raw), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadPlans(dup); err == nil {
		t.Fatalf("duplicate plan ids accepted")
	}

	narrow := filepath.Join(dir, "narrow.yaml")
	raw = `plans:
  - id: narrow
    width: 1
    depth: 2
    cycle_value_cents: 100
    payout_percent: 10
`
	if err := os.WriteFile(narrow, []byte(raw), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadPlans(narrow); err == nil {
		t.Fatalf("unit width accepted")
	}
}
