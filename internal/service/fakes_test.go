package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/forgeflow/internal/adapter/eventbus"
	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/port/broadcast"
	"github.com/Strob0t/forgeflow/internal/port/llm"
)

// fakeProvider answers requests through respond. n is the 1-based count of
// calls made so far for the request's phase.
type fakeProvider struct {
	name    string
	respond func(req llm.Request, n int) (string, error)
	pingErr error

	mu    sync.Mutex
	calls map[llm.Phase]int
	total int
}

func newFakeProvider(name string, respond func(req llm.Request, n int) (string, error)) *fakeProvider {
	return &fakeProvider{name: name, respond: respond, calls: make(map[llm.Phase]int)}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls[req.Phase]++
	p.total++
	n := p.calls[req.Phase]
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := p.respond(req, n)
	if err != nil {
		return nil, err
	}
	return &llm.Response{
		Text:     text,
		Provider: p.name,
		Model:    p.name + "-model",
		Usage:    llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (p *fakeProvider) Ping(context.Context) error { return p.pingErr }

func (p *fakeProvider) phaseCalls(phase llm.Phase) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[phase]
}

func (p *fakeProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

var errBoom = errors.New("boom")

const (
	analysisS = `{"summary": "add two numbers", "requirements": ["sum"], "complexity": "S"}`
	planJSON  = `{"summary": "write add", "steps": ["implement add", "test add"], "files": ["add.go"]}`
	codeText  = "```go\nfunc Add(a, b int) int { return a + b }\n```"
	testsText = "```go\nfunc TestAdd(t *testing.T) {}\n```"
)

// pipeline returns a responder that serves fixed answers for the pre-loop
// phases and delegates reviews to review.
func pipeline(review func(n int) string) func(req llm.Request, n int) (string, error) {
	return func(req llm.Request, n int) (string, error) {
		switch req.Phase {
		case llm.PhaseAnalyze:
			return analysisS, nil
		case llm.PhasePlan:
			return planJSON, nil
		case llm.PhaseWriteCode:
			return codeText, nil
		case llm.PhaseWriteTests:
			return testsText, nil
		case llm.PhaseReview:
			return review(n), nil
		}
		return "", errBoom
	}
}

func acceptingReview(int) string { return "Looks good. No changes needed." }

func newTestRouter(t *testing.T, bus broadcast.Broadcaster, bindings ...ProviderBinding) *Router {
	t.Helper()
	r, err := NewRouter(RouterConfig{AttemptsPerProvider: 1}, bus, nil, bindings...)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func binding(p *fakeProvider, spec ProviderSpec) ProviderBinding {
	spec.Name = p.name
	return ProviderBinding{Spec: spec, Provider: p}
}

// mapCache is an in-memory cache backend with optional failure injection.
type mapCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// recorder collects every event published on the bus.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
	done   chan struct{}
}

func record(t *testing.T, bus *eventbus.Bus) *recorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx, event.GlobalChannel, 1024)
	rec := &recorder{done: make(chan struct{})}
	go func() {
		defer close(rec.done)
		for ev := range sub.Events() {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		bus.Unsubscribe(sub)
		<-rec.done
	})
	return rec
}

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// first returns the first recorded event of typ for runID.
func (r *recorder) first(typ event.Type, runID string) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ && ev.RunID == runID {
			return ev, true
		}
	}
	return event.Event{}, false
}

func (r *recorder) count(typ event.Type) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func joinTypes(ts []event.Type) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
