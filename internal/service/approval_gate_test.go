package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/forgeflow/internal/domain"
	"github.com/Strob0t/forgeflow/internal/domain/fault"
	"github.com/Strob0t/forgeflow/internal/domain/plan"
)

func requestAsync(ctx context.Context, g *ApprovalGate, runID string, timeout time.Duration) <-chan ApprovalResult {
	ch := make(chan ApprovalResult, 1)
	go func() {
		res, _ := g.Request(ctx, runID, &plan.Plan{Summary: "s"}, timeout)
		ch <- res
	}()
	return ch
}

func waitPending(t *testing.T, g *ApprovalGate, runID string) {
	t.Helper()
	waitFor(t, time.Second, func() bool {
		_, ok := g.Pending(runID)
		return ok
	})
}

func TestApprovalGateApprove(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	ch := requestAsync(context.Background(), g, "r1", time.Minute)
	waitPending(t, g, "r1")

	if err := g.Resolve("r1", true, "ship it"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	res := <-ch
	if res.Decision != DecisionApproved || res.Feedback != "ship it" {
		t.Fatalf("unexpected result %+v", res)
	}
	if g.PendingCount() != 0 {
		t.Fatal("expected no pending approvals")
	}
}

func TestApprovalGateReject(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	ch := requestAsync(context.Background(), g, "r1", time.Minute)
	waitPending(t, g, "r1")

	if err := g.Resolve("r1", false, "too risky"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res := <-ch; res.Decision != DecisionRejected || res.Feedback != "too risky" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestApprovalGateTimeout(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	start := time.Now()
	res, err := g.Request(context.Background(), "r1", &plan.Plan{}, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.Decision != DecisionTimedOut || res.Cancelled {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("returned before the timeout")
	}

	err = g.Resolve("r1", true, "")
	if !errors.Is(err, fault.ErrStaleApproval) {
		t.Fatalf("expected stale approval after timeout, got %v", err)
	}
}

func TestApprovalGateCancel(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := requestAsync(ctx, g, "r1", time.Minute)
	waitPending(t, g, "r1")

	cancel()
	select {
	case res := <-ch:
		if !res.Cancelled {
			t.Fatalf("expected cancelled result, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock the wait")
	}
}

func TestApprovalGateStaleDecisions(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	if err := g.Resolve("unknown", true, ""); !errors.Is(err, fault.ErrStaleApproval) {
		t.Fatalf("expected stale approval for unknown run, got %v", err)
	}

	ch := requestAsync(context.Background(), g, "r1", time.Minute)
	waitPending(t, g, "r1")
	if err := g.Resolve("r1", true, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	<-ch
	if err := g.Resolve("r1", false, ""); !errors.Is(err, fault.ErrStaleApproval) {
		t.Fatalf("expected second decision to be stale, got %v", err)
	}
}

func TestApprovalGateDuplicateRequest(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requestAsync(ctx, g, "r1", time.Minute)
	waitPending(t, g, "r1")

	_, err := g.Request(context.Background(), "r1", &plan.Plan{}, time.Minute)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestApprovalGateRunsIndependently(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	a := requestAsync(context.Background(), g, "a", time.Minute)
	b := requestAsync(context.Background(), g, "b", time.Minute)
	waitPending(t, g, "a")
	waitPending(t, g, "b")

	if err := g.Resolve("b", true, ""); err != nil {
		t.Fatalf("Resolve b: %v", err)
	}
	if res := <-b; res.Decision != DecisionApproved {
		t.Fatalf("unexpected result for b %+v", res)
	}
	if _, ok := g.Pending("a"); !ok {
		t.Fatal("expected a to still be pending")
	}
	if err := g.Resolve("a", false, ""); err != nil {
		t.Fatalf("Resolve a: %v", err)
	}
	<-a
}

func TestApprovalGateDecisionBeforeWait(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	pa, err := g.Register("r1", &plan.Plan{Summary: "s"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := g.Resolve("r1", true, "early"); err != nil {
		t.Fatalf("Resolve before Wait: %v", err)
	}
	if res := pa.Wait(context.Background(), time.Second); res.Decision != DecisionApproved || res.Feedback != "early" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestApprovalGatePrunesAfterTimeouts(t *testing.T) {
	g := NewApprovalGate(time.Minute, time.Minute, nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	if _, err := g.Request(context.Background(), "r1", &plan.Plan{}, 5*time.Millisecond); err != nil {
		t.Fatalf("Request r1: %v", err)
	}
	now = now.Add(2 * time.Minute)
	pa, err := g.Register("r2", &plan.Plan{})
	if err != nil {
		t.Fatalf("Register r2: %v", err)
	}
	now = now.Add(2 * time.Minute)
	pa.Wait(context.Background(), 5*time.Millisecond)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.resolved["r1"]; ok {
		t.Fatal("expected r1 to be pruned")
	}
	if _, ok := g.resolved["r2"]; !ok {
		t.Fatal("expected r2 to be remembered")
	}
}
