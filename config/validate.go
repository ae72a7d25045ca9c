package config

import (
	"fmt"
	"strings"
)

// Validate checks the service configuration for unusable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: listen address required")
	}
	if strings.TrimSpace(c.DataDir) == "" && strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: either DataDir or DatabaseURL must be set")
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	return nil
}

// Validate checks a plan's compensation terms.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("plan: id required")
	}
	if p.Width < 2 {
		return fmt.Errorf("plan %s: width must be at least 2", p.ID)
	}
	if p.Depth < 2 {
		return fmt.Errorf("plan %s: depth must be at least 2", p.ID)
	}
	if p.CycleValueCents <= 0 {
		return fmt.Errorf("plan %s: cycle value must be positive", p.ID)
	}
	if p.PayoutPercent <= 0 || p.PayoutPercent > 100 {
		return fmt.Errorf("plan %s: payout percent must be in (0, 100]", p.ID)
	}
	if p.MinDirects < 0 || p.FirstCycleMinDirects < 0 {
		return fmt.Errorf("plan %s: recruit thresholds cannot be negative", p.ID)
	}
	if p.RollUp && p.RollUpMaxLevels <= 0 {
		return fmt.Errorf("plan %s: roll-up requires a positive level bound", p.ID)
	}
	return nil
}
