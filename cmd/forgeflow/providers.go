package main

import (
	"fmt"
	"log/slog"

	"github.com/Strob0t/forgeflow/internal/adapter/anthropic"
	"github.com/Strob0t/forgeflow/internal/adapter/litellm"
	"github.com/Strob0t/forgeflow/internal/adapter/ollama"
	"github.com/Strob0t/forgeflow/internal/config"
	"github.com/Strob0t/forgeflow/internal/port/llm"
	"github.com/Strob0t/forgeflow/internal/resilience"
	"github.com/Strob0t/forgeflow/internal/service"
)

// breakable is implemented by every provider adapter.
type breakable interface {
	llm.Provider
	SetBreaker(b *resilience.Breaker)
}

// buildProviders turns the configured provider table into router bindings.
// Each provider gets its own circuit breaker. A provider that cannot be
// constructed (e.g. a missing API key) is skipped with a warning.
func buildProviders(cfg *config.Config) ([]service.ProviderBinding, error) {
	bindings := make([]service.ProviderBinding, 0, len(cfg.Providers))
	for i := range cfg.Providers {
		pc := &cfg.Providers[i]
		p, err := newProvider(pc)
		if err != nil {
			slog.Warn("provider disabled", "provider", pc.Name, "kind", pc.Kind, "error", err)
			continue
		}
		p.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

		bindings = append(bindings, service.ProviderBinding{
			Provider: p,
			Spec: service.ProviderSpec{
				Name:            pc.Name,
				Model:           pc.Model,
				Local:           pc.Local,
				CostPer1KInput:  pc.CostPer1KInput,
				CostPer1KOutput: pc.CostPer1KOutput,
				AvgLatencyMS:    pc.AvgLatencyMS,
				Quality:         pc.Quality,
				Timeout:         pc.Timeout,
				MaxTokens:       pc.MaxTokens,
				RatePerSecond:   pc.RatePerSecond,
				Burst:           pc.Burst,
			},
		})
		slog.Info("provider registered", "provider", pc.Name, "kind", pc.Kind, "model", pc.Model, "local", pc.Local)
	}
	if len(bindings) == 0 {
		return nil, fmt.Errorf("no usable providers configured")
	}
	return bindings, nil
}

func newProvider(pc *config.Provider) (breakable, error) {
	switch pc.Kind {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			Name:    pc.Name,
			Model:   pc.Model,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
		})
	case "litellm":
		return litellm.NewClient(pc.Name, pc.BaseURL, pc.APIKey, pc.Model), nil
	case "ollama":
		return ollama.NewClient(pc.Name, pc.BaseURL, pc.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}
