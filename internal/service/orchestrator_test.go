package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/forgeflow/internal/adapter/eventbus"
	"github.com/Strob0t/forgeflow/internal/adapter/memory"
	"github.com/Strob0t/forgeflow/internal/domain"
	"github.com/Strob0t/forgeflow/internal/domain/budget"
	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/domain/fault"
	"github.com/Strob0t/forgeflow/internal/domain/run"
	"github.com/Strob0t/forgeflow/internal/domain/task"
	"github.com/Strob0t/forgeflow/internal/port/database"
	"github.com/Strob0t/forgeflow/internal/port/llm"
)

// memStore is an in-memory database.Store with failure injection.
type memStore struct {
	mu      sync.Mutex
	tasks   map[string]task.Task
	runs    map[string]run.Run
	rounds  map[string][]run.Round
	metrics []database.Metric
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:  make(map[string]task.Task),
		runs:   make(map[string]run.Run),
		rounds: make(map[string][]run.Round),
	}
}

func (s *memStore) SaveTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) SaveRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *r
	cp.Rounds = nil
	s.runs[r.ID] = cp
	return nil
}

func (s *memStore) AppendRound(_ context.Context, runID string, round run.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[runID] = append(s.rounds[runID], round)
	return nil
}

func (s *memStore) RecordMetric(_ context.Context, m database.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	r.Rounds = append([]run.Round(nil), s.rounds[id]...)
	return &r, nil
}

func (s *memStore) ListRuns(_ context.Context, _ int) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]run.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, nil
}

type orchestratorFixture struct {
	o     *Orchestrator
	bus   *eventbus.Bus
	rec   *recorder
	store *memStore
	mem   *memory.Store
	gate  *ApprovalGate
}

func newFixture(t *testing.T, providers ...*fakeProvider) *orchestratorFixture {
	t.Helper()
	return newFixtureRetaining(t, 0, providers...)
}

func newFixtureRetaining(t *testing.T, retain int, providers ...*fakeProvider) *orchestratorFixture {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	rec := record(t, bus)

	bindings := make([]ProviderBinding, len(providers))
	for i, p := range providers {
		bindings[i] = binding(p, ProviderSpec{})
	}
	router := newTestRouter(t, bus, bindings...)
	caller := NewPhaseCaller(router, NewResponseCache(newMapCache(), nil), 0)
	mem := memory.New(0)
	store := newMemStore()
	gate := NewApprovalGate(time.Minute, time.Minute, nil)

	o := NewOrchestrator(OrchestratorDeps{
		Caller: caller,
		Loop:   NewRevisionLoop(caller, bus, mem, nil, 0),
		Gate:   gate,
		Bus:    bus,
		Store:  store,
		Memory: mem,

		RetainFinished: retain,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return &orchestratorFixture{o: o, bus: bus, rec: rec, store: store, mem: mem, gate: gate}
}

func noApproval() task.Config {
	off := false
	return task.Config{RequireApproval: &off}
}

func (f *orchestratorFixture) wait(t *testing.T, runID string) run.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := f.o.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("run %s did not finish: %v", runID, err)
	}
	return snap
}

func (f *orchestratorFixture) waitStatus(t *testing.T, runID string, status run.Status) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		snap, err := f.o.GetRunStatus(context.Background(), runID)
		return err == nil && snap.Status == status
	})
}

func TestOrchestratorApprovedRunCompletesInOneRound(t *testing.T) {
	p := newFakeProvider("a", pipeline(acceptingReview))
	f := newFixture(t, p)

	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", task.Config{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	f.waitStatus(t, runID, run.StatusAwaitingApproval)

	snap, _ := f.o.GetRunStatus(context.Background(), runID)
	if snap.Plan == nil || snap.Plan.Summary != "write add" {
		t.Fatalf("expected plan before approval, got %+v", snap.Plan)
	}
	if snap.Budget == nil || snap.Budget.Level != budget.LevelS || snap.Budget.RoundBudget != 2 {
		t.Fatalf("unexpected budget %+v", snap.Budget)
	}

	if err := f.o.Approve(context.Background(), runID, true, "looks fine"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	snap = f.wait(t, runID)

	if snap.Status != run.StatusCompleted || snap.Reason != run.ReasonAccepted {
		t.Fatalf("expected completed/accepted, got %s/%s", snap.Status, snap.Reason)
	}
	if len(snap.Rounds) != 1 {
		t.Fatalf("expected exactly 1 round, got %d", len(snap.Rounds))
	}
	if snap.Feedback != "looks fine" || snap.CompletedAt == nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Usage.Calls != 5 {
		t.Fatalf("expected 5 model calls, got %d", snap.Usage.Calls)
	}

	waitFor(t, time.Second, func() bool { return f.rec.count(event.TypeCompletion) == 1 })
	want := []event.Type{
		event.TypeAnalysisStart,
		event.TypePlanReady,
		event.TypeApprovalRequired,
		event.TypeApproved,
		event.TypeCompletion,
	}
	got := lifecycle(f.rec.types())
	if joinTypes(got) != joinTypes(want) {
		t.Fatalf("unexpected lifecycle events %s", joinTypes(got))
	}

	stored, err := f.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("stored run: %v", err)
	}
	if stored.Status != run.StatusCompleted || len(stored.Rounds) != 1 {
		t.Fatalf("unexpected stored run %s with %d rounds", stored.Status, len(stored.Rounds))
	}
	if msgs, _ := f.mem.ListMessages(context.Background(), runID); len(msgs) != 0 {
		t.Fatal("expected run memory to be cleared")
	}
}

// lifecycle filters out progress and provider events.
func lifecycle(ts []event.Type) []event.Type {
	var out []event.Type
	for _, t := range ts {
		if t == event.TypeProgress || t == event.TypeProviderSelected {
			continue
		}
		out = append(out, t)
	}
	return out
}

func TestOrchestratorDuplicateReviewFails(t *testing.T) {
	p := newFakeProvider("a", pipeline(func(int) string { return "Handle negative inputs." }))
	f := newFixture(t, p)

	runID, err := f.o.StartRun(context.Background(), "t1", "Write a function that adds two numbers", noApproval())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	snap := f.wait(t, runID)

	if snap.Status != run.StatusFailed || snap.Reason != run.ReasonDuplicateReview {
		t.Fatalf("expected failed/duplicate_review_detected, got %s/%s", snap.Status, snap.Reason)
	}
	if len(snap.Rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %d", len(snap.Rounds))
	}
	if snap.ErrorKind != string(fault.KindDuplicateReview) {
		t.Fatalf("unexpected error kind %q", snap.ErrorKind)
	}
	waitFor(t, time.Second, func() bool { return f.rec.count(event.TypeFailure) == 1 })
	if f.rec.count(event.TypeApprovalRequired) != 0 {
		t.Fatal("expected no approval request when approval is disabled")
	}
}

func TestOrchestratorBudgetExceeded(t *testing.T) {
	n := 0
	var mu sync.Mutex
	p := newFakeProvider("a", pipeline(func(int) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "Fix issue " + string(rune('A'+n)) + "."
	}))
	f := newFixture(t, p)

	cfg := noApproval()
	cfg.MaxRounds = 1
	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", cfg)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	snap := f.wait(t, runID)

	if snap.Status != run.StatusFailed || snap.Reason != run.ReasonBudgetExceeded {
		t.Fatalf("expected budget exceeded, got %s/%s", snap.Status, snap.Reason)
	}
	if len(snap.Rounds) != 2 {
		t.Fatalf("expected max_rounds+1 rounds, got %d", len(snap.Rounds))
	}
}

func TestOrchestratorApprovalTimeout(t *testing.T) {
	p := newFakeProvider("a", pipeline(acceptingReview))
	f := newFixture(t, p)

	cfg := task.Config{ApprovalTimeoutSeconds: 1}
	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", cfg)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	snap := f.wait(t, runID)

	if snap.Status != run.StatusFailed || snap.Reason != run.ReasonApprovalTimedOut {
		t.Fatalf("expected approval timeout, got %s/%s", snap.Status, snap.Reason)
	}
	if len(snap.Rounds) != 0 || p.phaseCalls(llm.PhaseWriteCode) != 0 {
		t.Fatal("expected no execution after timeout")
	}
	waitFor(t, time.Second, func() bool { return f.rec.count(event.TypeApprovalRequired) == 1 })
	requested, _ := f.rec.first(event.TypeApprovalRequired, runID)
	if snap.CompletedAt == nil {
		t.Fatal("expected completion time")
	}
	if elapsed := snap.CompletedAt.Sub(requested.Timestamp); elapsed < 900*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("expected failure about 1s after the approval request, got %s", elapsed)
	}
	if err := f.o.Approve(context.Background(), runID, true, ""); !errors.Is(err, fault.ErrStaleApproval) {
		t.Fatalf("expected stale approval after timeout, got %v", err)
	}
}

func TestOrchestratorRejectedPlan(t *testing.T) {
	p := newFakeProvider("a", pipeline(acceptingReview))
	f := newFixture(t, p)

	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", task.Config{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	f.waitStatus(t, runID, run.StatusAwaitingApproval)
	if err := f.o.Approve(context.Background(), runID, false, "use generics"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	snap := f.wait(t, runID)

	if snap.Status != run.StatusFailed || snap.Reason != run.ReasonApprovalRejected {
		t.Fatalf("expected rejection, got %s/%s", snap.Status, snap.Reason)
	}
	if snap.Feedback != "use generics" {
		t.Fatalf("expected feedback recorded, got %q", snap.Feedback)
	}
	waitFor(t, time.Second, func() bool { return f.rec.count(event.TypeRejected) == 1 })
}

func TestOrchestratorCancelWhileAwaitingApproval(t *testing.T) {
	p := newFakeProvider("a", pipeline(acceptingReview))
	f := newFixture(t, p)

	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", task.Config{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	f.waitStatus(t, runID, run.StatusAwaitingApproval)

	if err := f.o.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	snap := f.wait(t, runID)
	if snap.Status != run.StatusCancelled || snap.Reason != run.ReasonCancelled {
		t.Fatalf("expected cancelled, got %s/%s", snap.Status, snap.Reason)
	}
	if err := f.o.CancelRun(context.Background(), runID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict cancelling a finished run, got %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.rec.count(event.TypeCancelled) == 1 })
}

func TestOrchestratorAllProvidersExhausted(t *testing.T) {
	f := newFixture(t,
		newFakeProvider("a", failResponder(errBoom)),
		newFakeProvider("b", failResponder(&llm.StatusError{Provider: "b", StatusCode: 503, Body: "api_key=sk-secretsecretsecret"})),
	)

	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", noApproval())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	snap := f.wait(t, runID)

	if snap.Status != run.StatusFailed || snap.Reason != run.ReasonAllProvidersExhausted {
		t.Fatalf("expected exhausted, got %s/%s", snap.Status, snap.Reason)
	}
	if snap.ErrorKind != string(fault.KindAllProvidersExhausted) {
		t.Fatalf("unexpected error kind %q", snap.ErrorKind)
	}
}

func TestOrchestratorMalformedPlan(t *testing.T) {
	p := newFakeProvider("a", func(req llm.Request, n int) (string, error) {
		if req.Phase == llm.PhasePlan {
			return "I would start by thinking about it.", nil
		}
		return pipeline(acceptingReview)(req, n)
	})
	f := newFixture(t, p)

	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", noApproval())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	snap := f.wait(t, runID)

	if snap.Status != run.StatusFailed || snap.Reason != run.ReasonMalformedModelOutput {
		t.Fatalf("expected malformed output failure, got %s/%s", snap.Status, snap.Reason)
	}
	if p.phaseCalls(llm.PhasePlan) != 2 {
		t.Fatalf("expected one re-prompt, got %d plan calls", p.phaseCalls(llm.PhasePlan))
	}
}

func TestOrchestratorUnparsedComplexityWarns(t *testing.T) {
	p := newFakeProvider("a", func(req llm.Request, n int) (string, error) {
		if req.Phase == llm.PhaseAnalyze {
			return "This is a small task.", nil
		}
		return pipeline(acceptingReview)(req, n)
	})
	f := newFixture(t, p)

	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", noApproval())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	snap := f.wait(t, runID)
	if snap.Complexity != budget.FallbackLevel || len(snap.Warnings) == 0 {
		t.Fatalf("expected fallback level with a warning, got %s %v", snap.Complexity, snap.Warnings)
	}
}

func TestOrchestratorPersistenceFailureIsNonFatal(t *testing.T) {
	p := newFakeProvider("a", pipeline(acceptingReview))
	f := newFixture(t, p)
	f.store.saveErr = errors.New("connection refused")

	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", noApproval())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	snap := f.wait(t, runID)
	if snap.Status != run.StatusCompleted {
		t.Fatalf("expected completion despite store failures, got %s", snap.Status)
	}
	if len(snap.Warnings) == 0 {
		t.Fatal("expected persistence warnings")
	}
	waitFor(t, time.Second, func() bool { return f.rec.count(event.TypePersistenceFailure) > 0 })
}

func TestOrchestratorValidation(t *testing.T) {
	f := newFixture(t, newFakeProvider("a", pipeline(acceptingReview)))

	if _, err := f.o.StartRun(context.Background(), "", "   ", task.Config{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty description, got %v", err)
	}
	cfg := task.Config{MaxRounds: 21}
	if _, err := f.o.StartRun(context.Background(), "", "valid", cfg); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for max_rounds, got %v", err)
	}
	if len(f.o.ListRuns(0)) != 0 {
		t.Fatal("rejected runs must not be registered")
	}
}

func TestOrchestratorUnknownRun(t *testing.T) {
	f := newFixture(t, newFakeProvider("a", pipeline(acceptingReview)))
	ctx := context.Background()

	if err := f.o.Approve(ctx, "missing", true, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.o.CancelRun(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.o.GetRunStatus(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrchestratorConcurrentRunsAreIndependent(t *testing.T) {
	f := newFixture(t, newFakeProvider("a", pipeline(acceptingReview)))

	waiting, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", task.Config{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	f.waitStatus(t, waiting, run.StatusAwaitingApproval)

	auto, err := f.o.StartRun(context.Background(), "", "Write a function that subtracts two numbers", noApproval())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if snap := f.wait(t, auto); snap.Status != run.StatusCompleted {
		t.Fatalf("expected auto-approved run to complete, got %s", snap.Status)
	}

	snap, _ := f.o.GetRunStatus(context.Background(), waiting)
	if snap.Status != run.StatusAwaitingApproval {
		t.Fatalf("expected first run to still wait, got %s", snap.Status)
	}
	if len(f.o.ListRuns(0)) != 2 {
		t.Fatal("expected both runs listed")
	}
	if err := f.o.Approve(context.Background(), waiting, true, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if snap := f.wait(t, waiting); snap.Status != run.StatusCompleted {
		t.Fatalf("expected second run to complete, got %s", snap.Status)
	}
}

func TestOrchestratorShutdownRejectsNewRuns(t *testing.T) {
	f := newFixture(t, newFakeProvider("a", pipeline(acceptingReview)))
	runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", task.Config{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	f.waitStatus(t, runID, run.StatusAwaitingApproval)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.o.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded with a waiting run, got %v", err)
	}
	snap, _ := f.o.GetRunStatus(context.Background(), runID)
	if snap.Status != run.StatusCancelled {
		t.Fatalf("expected the waiting run to be cancelled, got %s", snap.Status)
	}
	if _, err := f.o.StartRun(context.Background(), "", "late", task.Config{}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestOrchestratorEvictsFinishedRuns(t *testing.T) {
	f := newFixtureRetaining(t, 1, newFakeProvider("a", pipeline(acceptingReview)))
	ctx := context.Background()

	first, err := f.o.StartRun(ctx, "", "Write a function that adds two numbers", noApproval())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	f.wait(t, first)
	waitFor(t, time.Second, func() bool {
		_, live := f.o.lookup(first)
		return !live
	})
	second, err := f.o.StartRun(ctx, "", "Write a function that subtracts two numbers", noApproval())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	f.wait(t, second)

	waitFor(t, time.Second, func() bool {
		f.o.mu.RLock()
		defer f.o.mu.RUnlock()
		return len(f.o.runs) == 0
	})
	if _, ok := f.o.finished.Get(first); ok {
		t.Fatal("expected the older finished run to be evicted from memory")
	}
	if len(f.o.ListRuns(0)) != 1 {
		t.Fatal("expected only the retained run listed")
	}

	snap, err := f.o.GetRunStatus(ctx, first)
	if err != nil {
		t.Fatalf("GetRunStatus from store: %v", err)
	}
	if snap.Status != run.StatusCompleted || len(snap.Rounds) != 1 {
		t.Fatalf("unexpected stored snapshot %s with %d rounds", snap.Status, len(snap.Rounds))
	}
	if snap, err := f.o.Wait(ctx, first); err != nil || snap.Status != run.StatusCompleted {
		t.Fatalf("Wait on evicted run: %v %s", err, snap.Status)
	}
	if err := f.o.CancelRun(ctx, first); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict cancelling an evicted run, got %v", err)
	}
	if err := f.o.Approve(ctx, first, true, ""); !errors.Is(err, fault.ErrStaleApproval) {
		t.Fatalf("expected stale approval for an evicted run, got %v", err)
	}
}

func TestOrchestratorApproveOnApprovalRequiredEvent(t *testing.T) {
	f := newFixture(t, newFakeProvider("a", pipeline(acceptingReview)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.bus.Subscribe(ctx, event.GlobalChannel, 256)

	for i := 0; i < 20; i++ {
		runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", task.Config{})
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		approved := false
		for !approved {
			select {
			case ev := <-sub.Events():
				if ev.Type != event.TypeApprovalRequired || ev.RunID != runID {
					continue
				}
				if err := f.o.Approve(context.Background(), runID, true, ""); err != nil {
					t.Fatalf("approve on approval_required: %v", err)
				}
				approved = true
			case <-time.After(5 * time.Second):
				t.Fatal("approval_required not observed")
			}
		}
		if snap := f.wait(t, runID); snap.Status != run.StatusCompleted {
			t.Fatalf("expected completion, got %s", snap.Status)
		}
	}
}

func TestOrchestratorCachesWritePhasesAcrossRuns(t *testing.T) {
	p := newFakeProvider("a", pipeline(acceptingReview))
	f := newFixture(t, p)

	for i := 0; i < 2; i++ {
		runID, err := f.o.StartRun(context.Background(), "", "Write a function that adds two numbers", noApproval())
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		if snap := f.wait(t, runID); snap.Status != run.StatusCompleted {
			t.Fatalf("expected completion, got %s", snap.Status)
		}
	}
	if n := p.phaseCalls(llm.PhaseWriteCode); n != 1 {
		t.Fatalf("expected cached code on the second run, got %d calls", n)
	}
	if n := p.phaseCalls(llm.PhaseWriteTests); n != 1 {
		t.Fatalf("expected cached tests on the second run, got %d calls", n)
	}
	if n := p.phaseCalls(llm.PhaseReview); n != 2 {
		t.Fatalf("expected every review to reach the provider, got %d calls", n)
	}
}
