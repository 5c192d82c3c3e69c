// Package task defines the Task domain entity and its run configuration.
package task

import "time"

// RoutingStrategy orders candidate providers for each model call.
type RoutingStrategy string

const (
	StrategyBalanced         RoutingStrategy = "balanced"
	StrategyCostOptimized    RoutingStrategy = "cost_optimized"
	StrategyLatencyOptimized RoutingStrategy = "latency_optimized"
	StrategyQualityOptimized RoutingStrategy = "quality_optimized"
	StrategyLocalFirst       RoutingStrategy = "local_first"
)

// Bounds for Config fields.
const (
	MinRounds        = 1
	MaxRounds        = 20
	MinMultiplier    = 0.1
	MaxMultiplier    = 5.0
	DefaultCacheTTL  = 3600
	DefaultApprovalS = 300
)

// Task is a natural-language unit of work submitted for orchestration.
// The description is copied into every Run at start and never changes for that Run.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Config      Config    `json:"config"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config holds the per-task execution settings.
type Config struct {
	MaxRounds              int             `json:"max_rounds"`
	BudgetMultiplier       float64         `json:"budget_multiplier"`
	CacheEnabled           bool            `json:"cache_enabled"`
	RoutingStrategy        RoutingStrategy `json:"routing_strategy"`
	CacheTTLSeconds        int             `json:"cache_ttl_seconds"`
	ApprovalTimeoutSeconds int             `json:"approval_timeout_seconds"`
	RequireApproval        *bool           `json:"require_approval,omitempty"`
}

// DefaultConfig returns the configuration used when a caller supplies none.
func DefaultConfig() Config {
	approve := true
	return Config{
		MaxRounds:              3,
		BudgetMultiplier:       1.0,
		CacheEnabled:           true,
		RoutingStrategy:        StrategyBalanced,
		CacheTTLSeconds:        DefaultCacheTTL,
		ApprovalTimeoutSeconds: DefaultApprovalS,
		RequireApproval:        &approve,
	}
}

// Normalize fills zero-valued fields from DefaultConfig. Explicit values,
// including out-of-range ones, are left for Validate to reject.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.MaxRounds == 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.BudgetMultiplier == 0 {
		c.BudgetMultiplier = d.BudgetMultiplier
	}
	if c.RoutingStrategy == "" {
		c.RoutingStrategy = d.RoutingStrategy
	}
	if c.CacheTTLSeconds == 0 {
		c.CacheTTLSeconds = d.CacheTTLSeconds
	}
	if c.ApprovalTimeoutSeconds == 0 {
		c.ApprovalTimeoutSeconds = d.ApprovalTimeoutSeconds
	}
	if c.RequireApproval == nil {
		c.RequireApproval = d.RequireApproval
	}
	return c
}

// ApprovalRequired reports whether the run must wait for an external decision.
func (c Config) ApprovalRequired() bool {
	return c.RequireApproval == nil || *c.RequireApproval
}

// CacheTTL returns the cache entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ApprovalTimeout returns the approval wait limit.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}
