package task

import (
	"fmt"
	"strings"

	"github.com/Strob0t/forgeflow/internal/domain"
)

var validStrategies = map[RoutingStrategy]bool{
	StrategyBalanced:         true,
	StrategyCostOptimized:    true,
	StrategyLatencyOptimized: true,
	StrategyQualityOptimized: true,
	StrategyLocalFirst:       true,
}

// Valid reports whether s is a known routing strategy.
func (s RoutingStrategy) Valid() bool {
	return validStrategies[s]
}

// Validate checks that the configuration is within its documented bounds.
func (c *Config) Validate() error {
	if c.MaxRounds < MinRounds || c.MaxRounds > MaxRounds {
		return fmt.Errorf("max_rounds must be in [%d,%d], got %d: %w", MinRounds, MaxRounds, c.MaxRounds, domain.ErrValidation)
	}
	if c.BudgetMultiplier < MinMultiplier || c.BudgetMultiplier > MaxMultiplier {
		return fmt.Errorf("budget_multiplier must be in [%.1f,%.1f], got %v: %w", MinMultiplier, MaxMultiplier, c.BudgetMultiplier, domain.ErrValidation)
	}
	if !c.RoutingStrategy.Valid() {
		return fmt.Errorf("invalid routing_strategy %q: %w", c.RoutingStrategy, domain.ErrValidation)
	}
	if c.CacheTTLSeconds < 0 {
		return fmt.Errorf("cache_ttl_seconds must be non-negative: %w", domain.ErrValidation)
	}
	if c.ApprovalTimeoutSeconds < 0 {
		return fmt.Errorf("approval_timeout_seconds must be non-negative: %w", domain.ErrValidation)
	}
	return nil
}

// Validate checks that a Task has a description and a valid configuration.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("description is required: %w", domain.ErrValidation)
	}
	return t.Config.Validate()
}
