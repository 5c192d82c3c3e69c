package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "forgeflow.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("FORGEFLOW_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "FORGEFLOW_PORT")
	setString(&cfg.Server.CORSOrigin, "FORGEFLOW_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "FORGEFLOW_SHUTDOWN_TIMEOUT")
	setFloat64(&cfg.Server.RateLimit, "FORGEFLOW_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "FORGEFLOW_RATE_BURST")
	setDuration(&cfg.Server.IdempotencyTTL, "FORGEFLOW_IDEMPOTENCY_TTL")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "FORGEFLOW_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "FORGEFLOW_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "FORGEFLOW_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "FORGEFLOW_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "FORGEFLOW_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setDuration(&cfg.NATS.EventMaxAge, "FORGEFLOW_NATS_EVENT_MAX_AGE")

	setString(&cfg.Logging.Level, "FORGEFLOW_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FORGEFLOW_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "FORGEFLOW_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "FORGEFLOW_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "FORGEFLOW_BREAKER_TIMEOUT")

	// Cache
	setString(&cfg.Cache.Backend, "FORGEFLOW_CACHE_BACKEND")
	setInt64(&cfg.Cache.L1MaxSizeMB, "FORGEFLOW_CACHE_L1_SIZE_MB")
	setInt(&cfg.Cache.LRUEntries, "FORGEFLOW_CACHE_LRU_ENTRIES")
	setString(&cfg.Cache.L2Bucket, "FORGEFLOW_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "FORGEFLOW_CACHE_L2_TTL")

	// Router
	setInt(&cfg.Router.AttemptsPerProvider, "FORGEFLOW_ROUTER_ATTEMPTS")
	setDuration(&cfg.Router.ProbeInterval, "FORGEFLOW_ROUTER_PROBE_INTERVAL")
	setDuration(&cfg.Router.ProbeTimeout, "FORGEFLOW_ROUTER_PROBE_TIMEOUT")

	// Approval
	setDuration(&cfg.Approval.DefaultTimeout, "FORGEFLOW_APPROVAL_TIMEOUT")
	setDuration(&cfg.Approval.StaleWindow, "FORGEFLOW_APPROVAL_STALE_WINDOW")

	// Engine
	setInt(&cfg.Engine.MaxConcurrentRuns, "FORGEFLOW_MAX_CONCURRENT_RUNS")
	setInt(&cfg.Engine.RetainFinishedRuns, "FORGEFLOW_RETAIN_FINISHED_RUNS")
	setInt(&cfg.Engine.EventBuffer, "FORGEFLOW_EVENT_BUFFER")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "FORGEFLOW_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloat64(&cfg.OTEL.SampleRate, "FORGEFLOW_OTEL_SAMPLE_RATE")

	// Provider credentials fill in keys the YAML left empty.
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		switch p.Kind {
		case "anthropic":
			setEmpty(&p.APIKey, "ANTHROPIC_API_KEY")
		case "litellm":
			setEmpty(&p.APIKey, "LITELLM_MASTER_KEY")
			setEmpty(&p.BaseURL, "LITELLM_URL")
		case "ollama":
			setEmpty(&p.BaseURL, "OLLAMA_HOST")
		}
	}
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must be >= 0")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	switch cfg.Cache.Backend {
	case "ristretto", "lru":
	case "tiered":
		if cfg.NATS.URL == "" {
			return errors.New("cache.backend tiered requires nats.url")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of ristretto, lru, tiered", cfg.Cache.Backend)
	}
	if cfg.Router.AttemptsPerProvider < 1 {
		return errors.New("router.attempts_per_provider must be >= 1")
	}
	if cfg.Router.ProbeTimeout <= 0 {
		return errors.New("router.probe_timeout must be > 0")
	}
	if cfg.Approval.DefaultTimeout <= 0 {
		return errors.New("approval.default_timeout must be > 0")
	}
	if len(cfg.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "anthropic", "litellm", "ollama":
		default:
			return fmt.Errorf("providers[%d]: unknown kind %q", i, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("providers[%d].model is required", i)
		}
		if p.Quality < 0 || p.Quality > 1 {
			return fmt.Errorf("providers[%d].quality must be within [0,1]", i)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("providers[%d].timeout must be > 0", i)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setEmpty sets dst from key only when dst has no value yet.
func setEmpty(dst *string, key string) {
	if *dst == "" {
		setString(dst, key)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
