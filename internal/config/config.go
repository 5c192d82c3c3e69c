// Package config provides hierarchical configuration loading for forgeflow.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the forgeflow service.
type Config struct {
	Server    Server     `yaml:"server"`
	Postgres  Postgres   `yaml:"postgres"`
	NATS      NATS       `yaml:"nats"`
	Logging   Logging    `yaml:"logging"`
	Breaker   Breaker    `yaml:"breaker"`
	Cache     Cache      `yaml:"cache"`
	Providers []Provider `yaml:"providers"`
	Router    Router     `yaml:"router"`
	Approval  Approval   `yaml:"approval"`
	Engine    Engine     `yaml:"engine"`
	OTEL      OTEL       `yaml:"otel"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is the sustained per-IP request rate on /api/v1; 0 disables it.
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// Postgres holds PostgreSQL connection configuration. An empty DSN disables persistence.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables the event
// relay and the shared cache tier.
type NATS struct {
	URL         string        `yaml:"url"`
	EventMaxAge time.Duration `yaml:"event_max_age"`
	RelayBuffer int           `yaml:"relay_buffer"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level        string `yaml:"level"`
	Service      string `yaml:"service"`
	Async        bool   `yaml:"async"`
	AsyncBuffer  int    `yaml:"async_buffer"`
	AsyncWorkers int    `yaml:"async_workers"`
}

// Breaker holds circuit breaker configuration, applied per provider.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds response cache backend configuration.
type Cache struct {
	Backend     string        `yaml:"backend"` // "ristretto" | "lru" | "tiered"
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	LRUEntries  int           `yaml:"lru_entries"`
	L1Expire    time.Duration `yaml:"l1_expire"`
	L2Bucket    string        `yaml:"l2_bucket"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
}

// Provider describes one language-model backend and its routing metadata.
type Provider struct {
	Name            string        `yaml:"name"`
	Kind            string        `yaml:"kind"` // "anthropic" | "litellm" | "ollama"
	Model           string        `yaml:"model"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Local           bool          `yaml:"local"`
	CostPer1KInput  float64       `yaml:"cost_per_1k_input"`
	CostPer1KOutput float64       `yaml:"cost_per_1k_output"`
	AvgLatencyMS    int           `yaml:"avg_latency_ms"`
	Quality         float64       `yaml:"quality"` // 0..1
	Timeout         time.Duration `yaml:"timeout"`
	MaxTokens       int           `yaml:"max_tokens"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
}

// Router holds provider routing and health probing configuration.
type Router struct {
	AttemptsPerProvider int           `yaml:"attempts_per_provider"`
	ProbeInterval       time.Duration `yaml:"probe_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	CostWeight          float64       `yaml:"cost_weight"`
	LatencyWeight       float64       `yaml:"latency_weight"`
	QualityWeight       float64       `yaml:"quality_weight"`
}

// Approval holds approval gate configuration.
type Approval struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// StaleWindow is how long resolved gates are remembered so late
	// decisions are reported as stale.
	StaleWindow time.Duration `yaml:"stale_window"`
}

// Engine holds orchestrator configuration.
type Engine struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"` // 0 = unbounded
	EventBuffer       int `yaml:"event_buffer"`
	MaxReviewLength   int `yaml:"max_review_length"`
	MaxTokens         int `yaml:"max_tokens"`
	// RetainFinishedRuns caps finished runs kept in memory; < 0 keeps none.
	RetainFinishedRuns int `yaml:"retain_finished_runs"`
}

// OTEL holds OpenTelemetry configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC; empty disables trace export
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       10,
			RateBurst:       20,
			IdempotencyTTL:  24 * time.Hour,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			EventMaxAge: 24 * time.Hour,
			RelayBuffer: 1024,
		},
		Logging: Logging{
			Level:        "info",
			Service:      "forgeflow",
			AsyncBuffer:  10000,
			AsyncWorkers: 4,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			Backend:     "ristretto",
			L1MaxSizeMB: 64,
			LRUEntries:  4096,
			L1Expire:    5 * time.Minute,
			L2Bucket:    "forgeflow-responses",
			L2TTL:       time.Hour,
		},
		Providers: []Provider{
			{
				Name: "anthropic", Kind: "anthropic", Model: "claude-sonnet-4-5",
				CostPer1KInput: 0.003, CostPer1KOutput: 0.015, AvgLatencyMS: 4000, Quality: 0.95,
				Timeout: 120 * time.Second, MaxTokens: 8192, RatePerSecond: 2, Burst: 4,
			},
			{
				Name: "litellm", Kind: "litellm", Model: "openai/gpt-4o-mini", BaseURL: "http://localhost:4000",
				CostPer1KInput: 0.00015, CostPer1KOutput: 0.0006, AvgLatencyMS: 2000, Quality: 0.8,
				Timeout: 90 * time.Second, MaxTokens: 8192, RatePerSecond: 5, Burst: 10,
			},
			{
				Name: "ollama", Kind: "ollama", Model: "qwen2.5-coder:7b", BaseURL: "http://localhost:11434",
				Local: true, AvgLatencyMS: 6000, Quality: 0.6,
				Timeout: 180 * time.Second, MaxTokens: 4096,
			},
		},
		Router: Router{
			AttemptsPerProvider: 1,
			ProbeInterval:       30 * time.Second,
			ProbeTimeout:        5 * time.Second,
			CostWeight:          0.4,
			LatencyWeight:       0.3,
			QualityWeight:       0.3,
		},
		Approval: Approval{
			DefaultTimeout: 5 * time.Minute,
			StaleWindow:    10 * time.Minute,
		},
		Engine: Engine{
			MaxConcurrentRuns: 16,
			EventBuffer:       256,
			MaxReviewLength:   4000,
			MaxTokens:         4096,

			RetainFinishedRuns: 1000,
		},
		OTEL: OTEL{
			ServiceName: "forgeflow",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}
