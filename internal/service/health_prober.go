package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/forgeflow/internal/sanitize"
)

// HealthProber periodically pings every provider of a Router and swaps in a
// fresh health map. It is the only writer of the router's health state.
type HealthProber struct {
	router   *Router
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	lastProbe time.Time
}

// NewHealthProber creates a prober. interval <= 0 disables periodic probing
// (manual Probe only).
func NewHealthProber(router *Router, interval, timeout time.Duration) *HealthProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthProber{router: router, interval: interval, timeout: timeout}
}

// Start performs a synchronous first probe, then probes on the configured
// interval until ctx is cancelled.
func (p *HealthProber) Start(ctx context.Context) {
	p.Probe(ctx)

	if p.interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Probe pings all providers in parallel and replaces the router's health map.
func (p *HealthProber) Probe(ctx context.Context) map[string]bool {
	targets := p.router.pingTargets()
	results := make([]bool, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range targets {
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()
			err := h.provider.Ping(pingCtx)
			results[i] = err == nil
			if err != nil {
				slog.Warn("provider health probe failed", "provider", h.Name, "error", sanitize.Error(err))
			}
			// Probe failures are recorded, not propagated, so one dead
			// provider does not cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	health := make(map[string]bool, len(targets))
	for i, h := range targets {
		health[h.Name] = results[i]
	}
	p.router.SetHealth(health)

	p.mu.Lock()
	p.lastProbe = time.Now()
	p.mu.Unlock()
	return health
}

// LastProbe returns when the last probe completed.
func (p *HealthProber) LastProbe() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastProbe
}
