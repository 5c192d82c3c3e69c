package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	ffotel "github.com/Strob0t/forgeflow/internal/adapter/otel"
	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/domain/fault"
	"github.com/Strob0t/forgeflow/internal/domain/task"
	"github.com/Strob0t/forgeflow/internal/logger"
	"github.com/Strob0t/forgeflow/internal/port/broadcast"
	"github.com/Strob0t/forgeflow/internal/port/llm"
	"github.com/Strob0t/forgeflow/internal/resilience"
	"github.com/Strob0t/forgeflow/internal/sanitize"
)

const defaultProviderTimeout = 60 * time.Second

// ProviderSpec is the static routing metadata of one provider.
type ProviderSpec struct {
	Name            string        `json:"name"`
	Model           string        `json:"model"`
	Local           bool          `json:"local"`
	CostPer1KInput  float64       `json:"cost_per_1k_input"`
	CostPer1KOutput float64       `json:"cost_per_1k_output"`
	AvgLatencyMS    int           `json:"avg_latency_ms"`
	Quality         float64       `json:"quality"`
	Timeout         time.Duration `json:"timeout"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	RatePerSecond   float64       `json:"rate_per_second"`
	Burst           int           `json:"burst"`
}

func (s ProviderSpec) cost() float64 { return s.CostPer1KInput + s.CostPer1KOutput }

// ProviderBinding pairs routing metadata with its implementation.
type ProviderBinding struct {
	Spec     ProviderSpec
	Provider llm.Provider
}

// ProviderHandle is a routable provider. Handles are created once by
// NewRouter and never mutated afterwards.
type ProviderHandle struct {
	ProviderSpec
	provider llm.Provider
	limiter  *rate.Limiter
	index    int
}

// RouterConfig tunes routing and fallback.
type RouterConfig struct {
	AttemptsPerProvider int
	CostWeight          float64
	LatencyWeight       float64
	QualityWeight       float64
}

// Attempt is one provider invocation recorded during a call. Kind is empty
// for the successful attempt.
type Attempt struct {
	Provider string        `json:"provider"`
	Attempt  int           `json:"attempt"`
	Kind     fault.Kind    `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// InvokeResult is the outcome of Invoke. Attempts is populated on failure too.
type InvokeResult struct {
	Response *llm.Response
	Handle   *ProviderHandle
	Attempts []Attempt
}

// Router orders providers per strategy and invokes them with fallback.
// The provider table is fixed at construction; only the health map changes,
// and it is replaced wholesale by the prober.
type Router struct {
	handles []*ProviderHandle
	health  atomic.Pointer[map[string]bool]
	cfg     RouterConfig
	bus     broadcast.Broadcaster
	metrics *ffotel.Metrics
}

// NewRouter builds a router over bindings, in table order.
func NewRouter(cfg RouterConfig, bus broadcast.Broadcaster, metrics *ffotel.Metrics, bindings ...ProviderBinding) (*Router, error) {
	if len(bindings) == 0 {
		return nil, errors.New("router: at least one provider is required")
	}
	if cfg.AttemptsPerProvider <= 0 {
		cfg.AttemptsPerProvider = 1
	}
	if cfg.CostWeight == 0 && cfg.LatencyWeight == 0 && cfg.QualityWeight == 0 {
		cfg.CostWeight, cfg.LatencyWeight, cfg.QualityWeight = 0.4, 0.3, 0.3
	}

	r := &Router{cfg: cfg, bus: bus, metrics: metrics}
	seen := make(map[string]bool, len(bindings))
	for i, b := range bindings {
		if b.Provider == nil {
			return nil, fmt.Errorf("router: provider %q has no implementation", b.Spec.Name)
		}
		if b.Spec.Name == "" {
			b.Spec.Name = b.Provider.Name()
		}
		if seen[b.Spec.Name] {
			return nil, fmt.Errorf("router: duplicate provider name %q", b.Spec.Name)
		}
		seen[b.Spec.Name] = true
		if b.Spec.Timeout <= 0 {
			b.Spec.Timeout = defaultProviderTimeout
		}
		h := &ProviderHandle{ProviderSpec: b.Spec, provider: b.Provider, index: i}
		if b.Spec.RatePerSecond > 0 {
			burst := b.Spec.Burst
			if burst <= 0 {
				burst = 1
			}
			h.limiter = rate.NewLimiter(rate.Limit(b.Spec.RatePerSecond), burst)
		}
		r.handles = append(r.handles, h)
	}
	empty := map[string]bool{}
	r.health.Store(&empty)
	return r, nil
}

// Healthy reports the last probed health of a provider. Providers never
// probed are considered healthy.
func (r *Router) Healthy(name string) bool {
	healthy, ok := (*r.health.Load())[name]
	return !ok || healthy
}

// SetHealth replaces the health map. The map must not be modified afterwards.
func (r *Router) SetHealth(h map[string]bool) {
	r.health.Store(&h)
}

// ProviderStatus is the externally visible state of one provider.
type ProviderStatus struct {
	ProviderSpec
	Healthy bool `json:"healthy"`
}

// Providers returns the table with current health, in table order.
func (r *Router) Providers() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, ProviderStatus{ProviderSpec: h.ProviderSpec, Healthy: r.Healthy(h.Name)})
	}
	return out
}

func (r *Router) pingTargets() []*ProviderHandle { return r.handles }

// Route returns the candidates for req in strategy order, skipping unhealthy
// providers. When every provider is unhealthy all of them are returned so a
// stale probe cannot stall a run. The second result lists skipped providers.
func (r *Router) Route(req llm.Request, strategy task.RoutingStrategy) ([]*ProviderHandle, []string, error) {
	ordered, err := r.order(strategy)
	if err != nil {
		return nil, nil, err
	}

	candidates := make([]*ProviderHandle, 0, len(ordered))
	var skipped []string
	for _, h := range ordered {
		if r.Healthy(h.Name) {
			candidates = append(candidates, h)
		} else {
			skipped = append(skipped, h.Name)
		}
	}
	if len(candidates) == 0 {
		slog.Warn("all providers unhealthy, routing to full table", "phase", req.Phase, "strategy", strategy)
		return ordered, nil, nil
	}
	return candidates, skipped, nil
}

func (r *Router) order(strategy task.RoutingStrategy) ([]*ProviderHandle, error) {
	hs := append([]*ProviderHandle(nil), r.handles...)

	switch strategy {
	case task.StrategyCostOptimized:
		sort.SliceStable(hs, func(i, j int) bool { return hs[i].cost() < hs[j].cost() })
	case task.StrategyLatencyOptimized:
		sort.SliceStable(hs, func(i, j int) bool { return hs[i].AvgLatencyMS < hs[j].AvgLatencyMS })
	case task.StrategyQualityOptimized:
		sort.SliceStable(hs, func(i, j int) bool { return hs[i].Quality > hs[j].Quality })
	case task.StrategyBalanced, "":
		r.sortBalanced(hs)
	case task.StrategyLocalFirst:
		r.sortBalanced(hs)
		sort.SliceStable(hs, func(i, j int) bool { return hs[i].Local && !hs[j].Local })
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", strategy)
	}
	return hs, nil
}

// sortBalanced orders by a weighted score of quality against cost and
// latency, each normalized to [0,1] across the table.
func (r *Router) sortBalanced(hs []*ProviderHandle) {
	var maxCost, maxLatency float64
	for _, h := range r.handles {
		maxCost = max(maxCost, h.cost())
		maxLatency = max(maxLatency, float64(h.AvgLatencyMS))
	}
	norm := func(v, m float64) float64 {
		if m == 0 {
			return 0
		}
		return v / m
	}
	score := func(h *ProviderHandle) float64 {
		return r.cfg.QualityWeight*h.Quality -
			r.cfg.CostWeight*norm(h.cost(), maxCost) -
			r.cfg.LatencyWeight*norm(float64(h.AvgLatencyMS), maxLatency)
	}
	sort.SliceStable(hs, func(i, j int) bool { return score(hs[i]) > score(hs[j]) })
}

// Invoke tries candidates in order. Each provider gets the configured number
// of attempts, each bounded by the provider timeout. Exhausting every
// candidate returns an AllProvidersExhausted fault wrapping the last
// sanitized error.
func (r *Router) Invoke(ctx context.Context, candidates []*ProviderHandle, req llm.Request) (*InvokeResult, error) {
	res := &InvokeResult{}
	var lastErr error

	for _, h := range candidates {
		for attempt := 1; attempt <= r.cfg.AttemptsPerProvider; attempt++ {
			if err := ctx.Err(); err != nil {
				return res, fault.New(fault.KindCancelled, string(req.Phase), err)
			}

			resp, latency, err := r.invokeOnce(ctx, h, req, attempt)
			r.metrics.ProviderCall(ctx, h.Name, string(req.Phase), string(fault.KindOf(err)), latency)
			if err == nil {
				res.Attempts = append(res.Attempts, Attempt{Provider: h.Name, Attempt: attempt, Latency: latency})
				res.Response = resp
				res.Handle = h
				r.metrics.TokensUsed(ctx, h.Name, resp.Usage.InputTokens, resp.Usage.OutputTokens)
				return res, nil
			}
			if ctx.Err() != nil {
				return res, fault.New(fault.KindCancelled, string(req.Phase), ctx.Err())
			}

			lastErr = err
			res.Attempts = append(res.Attempts, Attempt{
				Provider: h.Name,
				Attempt:  attempt,
				Kind:     fault.KindOf(err),
				Error:    sanitize.Error(err),
				Latency:  latency,
			})
			logger.FromContext(ctx).Warn("provider attempt failed",
				"provider", h.Name,
				"phase", req.Phase,
				"attempt", attempt,
				"kind", fault.KindOf(err),
				"error", sanitize.Error(err),
			)
			if errors.Is(err, resilience.ErrCircuitOpen) {
				break
			}
		}
	}

	detail := "no candidates"
	if lastErr != nil {
		detail = sanitize.Error(lastErr)
	}
	return res, &fault.Error{
		Kind: fault.KindAllProvidersExhausted,
		Op:   string(req.Phase),
		Err:  fmt.Errorf("%d attempts failed, last: %s", len(res.Attempts), detail),
	}
}

func (r *Router) invokeOnce(ctx context.Context, h *ProviderHandle, req llm.Request, attempt int) (*llm.Response, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	callCtx, span := ffotel.StartProviderSpan(callCtx, h.Name, h.Model, attempt)

	start := time.Now()
	resp, err := r.call(callCtx, h, req)
	latency := time.Since(start)
	if err != nil {
		err = classifyProviderError(ctx, callCtx, h.Name, string(req.Phase), err)
	}
	ffotel.EndSpan(span, err)
	return resp, latency, err
}

func (r *Router) call(ctx context.Context, h *ProviderHandle, req llm.Request) (*llm.Response, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if h.MaxTokens > 0 && (req.MaxTokens <= 0 || req.MaxTokens > h.MaxTokens) {
		req.MaxTokens = h.MaxTokens
	}
	resp, err := h.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, errors.New("empty response")
	}
	if resp.Provider == "" {
		resp.Provider = h.Name
	}
	return resp, nil
}

// classifyProviderError maps a raw provider failure to ProviderTimeout when
// the per-call deadline fired, and to ProviderError otherwise.
func classifyProviderError(parent, callCtx context.Context, provider, op string, err error) error {
	kind := fault.KindProviderError
	if parent.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
		kind = fault.KindProviderTimeout
	}
	return &fault.Error{Kind: kind, Op: op, Provider: provider, Err: err}
}

// Call routes req under strategy, invokes the candidates and publishes a
// provider_selected event for the successful provider.
func (r *Router) Call(ctx context.Context, req llm.Request, strategy task.RoutingStrategy) (*InvokeResult, error) {
	candidates, skipped, err := r.Route(req, strategy)
	if err != nil {
		return nil, fault.New(fault.KindInternal, string(req.Phase), err)
	}
	res, err := r.Invoke(ctx, candidates, req)
	if err != nil {
		return res, err
	}

	if r.bus != nil {
		runID, taskID := logger.RunID(ctx), logger.TaskID(ctx)
		ev := event.New(event.TypeProviderSelected, taskID, runID, event.ProviderSelectedPayload{
			Phase:     string(req.Phase),
			Provider:  res.Handle.Name,
			Model:     res.Response.Model,
			Strategy:  string(strategy),
			Attempts:  len(res.Attempts),
			Skipped:   skipped,
			LatencyMS: res.Response.Latency.Milliseconds(),
		})
		r.bus.Publish(ctx, ev, ev.Channels()...)
	}
	return res, nil
}
