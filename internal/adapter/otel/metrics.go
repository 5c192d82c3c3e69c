package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "forgeflow"

// Metrics holds all forgeflow metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RunsStarted      metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	RunsCancelled    metric.Int64Counter
	Rounds           metric.Int64Counter
	ProviderCalls    metric.Int64Counter
	ProviderFailures metric.Int64Counter
	ProviderLatency  metric.Float64Histogram
	Tokens           metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	Approvals        metric.Int64Counter
	EventsDropped    metric.Int64Counter
	RunDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.RunsStarted, "forgeflow.runs.started", "Number of runs started"},
		{&m.RunsCompleted, "forgeflow.runs.completed", "Number of runs completed"},
		{&m.RunsFailed, "forgeflow.runs.failed", "Number of runs failed"},
		{&m.RunsCancelled, "forgeflow.runs.cancelled", "Number of runs cancelled"},
		{&m.Rounds, "forgeflow.revision.rounds", "Number of revision rounds by outcome"},
		{&m.ProviderCalls, "forgeflow.provider.calls", "Number of provider invocations"},
		{&m.ProviderFailures, "forgeflow.provider.failures", "Number of failed provider invocations"},
		{&m.Tokens, "forgeflow.provider.tokens", "Tokens consumed by direction"},
		{&m.CacheHits, "forgeflow.cache.hits", "Response cache hits"},
		{&m.CacheMisses, "forgeflow.cache.misses", "Response cache misses"},
		{&m.Approvals, "forgeflow.approvals", "Approval gate outcomes"},
		{&m.EventsDropped, "forgeflow.events.dropped", "Events dropped for slow subscribers"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.ProviderLatency, err = meter.Float64Histogram("forgeflow.provider.latency_seconds",
		metric.WithDescription("Provider call latency in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("forgeflow.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RunStarted counts a new run.
func (m *Metrics) RunStarted(ctx context.Context, strategy string) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RunFinished counts a terminal run by status and records its duration.
func (m *Metrics) RunFinished(ctx context.Context, status, reason string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	switch status {
	case "completed":
		m.RunsCompleted.Add(ctx, 1, attrs)
	case "cancelled":
		m.RunsCancelled.Add(ctx, 1, attrs)
	default:
		m.RunsFailed.Add(ctx, 1, attrs)
	}
	m.RunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// Round counts a revision round.
func (m *Metrics) Round(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Rounds.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ProviderCall records one provider attempt. kind is empty on success.
func (m *Metrics) ProviderCall(ctx context.Context, provider, phase, kind string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("provider", provider), attribute.String("phase", phase))
	m.ProviderCalls.Add(ctx, 1, attrs)
	m.ProviderLatency.Record(ctx, latency.Seconds(), attrs)
	if kind != "" {
		m.ProviderFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("phase", phase),
			attribute.String("kind", kind),
		))
	}
}

// TokensUsed counts input and output tokens for a provider.
func (m *Metrics) TokensUsed(ctx context.Context, provider string, input, output int64) {
	if m == nil {
		return
	}
	m.Tokens.Add(ctx, input, metric.WithAttributes(attribute.String("provider", provider), attribute.String("direction", "input")))
	m.Tokens.Add(ctx, output, metric.WithAttributes(attribute.String("provider", provider), attribute.String("direction", "output")))
}

// CacheLookup counts a response cache hit or miss.
func (m *Metrics) CacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// Approval counts an approval gate outcome.
func (m *Metrics) Approval(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// EventDropped counts an event not delivered to a slow subscriber.
func (m *Metrics) EventDropped(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
