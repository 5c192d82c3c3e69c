package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ffotel "github.com/Strob0t/forgeflow/internal/adapter/otel"
	"github.com/Strob0t/forgeflow/internal/domain"
	"github.com/Strob0t/forgeflow/internal/domain/fault"
	"github.com/Strob0t/forgeflow/internal/domain/plan"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimedOut Decision = "timed_out"
)

// ApprovalResult is returned by ApprovalGate.Request.
type ApprovalResult struct {
	Decision Decision
	Feedback string
	// Cancelled is set when the wait ended because the run was cancelled.
	Cancelled bool
}

type approvalDecision struct {
	approved bool
	feedback string
}

type pendingApproval struct {
	plan     *plan.Plan
	ch       chan approvalDecision
	resolved bool
}

// ApprovalGate suspends a run until an external decision or a timeout.
// Each run has at most one pending request; waiting never blocks other runs.
type ApprovalGate struct {
	mu             sync.Mutex
	pending        map[string]*pendingApproval
	resolved       map[string]time.Time
	defaultTimeout time.Duration
	staleWindow    time.Duration
	now            func() time.Time
	metrics        *ffotel.Metrics
}

// NewApprovalGate creates a gate. Resolved runs are remembered for
// staleWindow so late decisions are reported as stale.
func NewApprovalGate(defaultTimeout, staleWindow time.Duration, metrics *ffotel.Metrics) *ApprovalGate {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	if staleWindow <= 0 {
		staleWindow = 10 * time.Minute
	}
	return &ApprovalGate{
		pending:        make(map[string]*pendingApproval),
		resolved:       make(map[string]time.Time),
		defaultTimeout: defaultTimeout,
		staleWindow:    staleWindow,
		now:            time.Now,
		metrics:        metrics,
	}
}

// PendingApproval is a registered approval request. Decisions delivered
// between Register and Wait are kept until Wait collects them.
type PendingApproval struct {
	g     *ApprovalGate
	runID string
	entry *pendingApproval
}

// Register records a pending approval for runID so Resolve accepts
// decisions from now on. Only one request per run may be pending.
func (g *ApprovalGate) Register(runID string, p *plan.Plan) (*PendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	if _, ok := g.pending[runID]; ok {
		return nil, fmt.Errorf("approval for run %s already pending: %w", runID, domain.ErrConflict)
	}
	entry := &pendingApproval{plan: p, ch: make(chan approvalDecision, 1)}
	g.pending[runID] = entry
	delete(g.resolved, runID)
	return &PendingApproval{g: g, runID: runID, entry: entry}, nil
}

// Wait blocks until Resolve, the timeout, or ctx cancellation.
// Cancellation resolves to TimedOut with Cancelled set.
func (pa *PendingApproval) Wait(ctx context.Context, timeout time.Duration) ApprovalResult {
	g := pa.g
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	slog.Info("approval requested", "run_id", pa.runID, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res ApprovalResult
	select {
	case d := <-pa.entry.ch:
		res = decisionResult(d)
	case <-timer.C:
		res = g.expire(pa.runID, pa.entry, ApprovalResult{Decision: DecisionTimedOut})
	case <-ctx.Done():
		res = g.expire(pa.runID, pa.entry, ApprovalResult{Decision: DecisionTimedOut, Cancelled: true})
	}

	g.metrics.Approval(ctx, string(res.Decision))
	slog.Info("approval resolved", "run_id", pa.runID, "decision", res.Decision, "cancelled", res.Cancelled)
	return res
}

// Request registers a pending approval for runID and waits for it.
func (g *ApprovalGate) Request(ctx context.Context, runID string, p *plan.Plan, timeout time.Duration) (ApprovalResult, error) {
	pa, err := g.Register(runID, p)
	if err != nil {
		return ApprovalResult{}, err
	}
	return pa.Wait(ctx, timeout), nil
}

// expire resolves entry as timed out unless a decision won the race, in
// which case that decision is returned.
func (g *ApprovalGate) expire(runID string, entry *pendingApproval, timedOut ApprovalResult) ApprovalResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	if entry.resolved {
		return decisionResult(<-entry.ch)
	}
	entry.resolved = true
	delete(g.pending, runID)
	g.resolved[runID] = g.now()
	return timedOut
}

func decisionResult(d approvalDecision) ApprovalResult {
	if d.approved {
		return ApprovalResult{Decision: DecisionApproved, Feedback: d.feedback}
	}
	return ApprovalResult{Decision: DecisionRejected, Feedback: d.feedback}
}

// Resolve delivers a decision for runID. A run with no pending request, or
// whose request already resolved, yields a StaleApproval fault and has no effect.
func (g *ApprovalGate) Resolve(runID string, approved bool, feedback string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	entry, ok := g.pending[runID]
	if !ok || entry.resolved {
		reason := "no pending approval"
		if _, wasResolved := g.resolved[runID]; wasResolved {
			reason = "approval already resolved"
		}
		return fault.Newf(fault.KindStaleApproval, "approve", "run %s: %s", runID, reason)
	}

	entry.resolved = true
	entry.ch <- approvalDecision{approved: approved, feedback: feedback}
	delete(g.pending, runID)
	g.resolved[runID] = g.now()
	return nil
}

// Pending returns the plan awaiting approval for runID.
func (g *ApprovalGate) Pending(runID string) (*plan.Plan, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.pending[runID]
	if !ok {
		return nil, false
	}
	return entry.plan, true
}

// PendingCount returns the number of runs currently waiting.
func (g *ApprovalGate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *ApprovalGate) pruneLocked() {
	cutoff := g.now().Add(-g.staleWindow)
	for id, at := range g.resolved {
		if at.Before(cutoff) {
			delete(g.resolved, id)
		}
	}
}
