package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	ffotel "github.com/Strob0t/forgeflow/internal/adapter/otel"
	"github.com/Strob0t/forgeflow/internal/domain"
	"github.com/Strob0t/forgeflow/internal/domain/budget"
	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/domain/fault"
	"github.com/Strob0t/forgeflow/internal/domain/plan"
	"github.com/Strob0t/forgeflow/internal/domain/run"
	"github.com/Strob0t/forgeflow/internal/domain/task"
	"github.com/Strob0t/forgeflow/internal/logger"
	"github.com/Strob0t/forgeflow/internal/port/broadcast"
	"github.com/Strob0t/forgeflow/internal/port/database"
	"github.com/Strob0t/forgeflow/internal/port/llm"
	memport "github.com/Strob0t/forgeflow/internal/port/memory"
	"github.com/Strob0t/forgeflow/internal/sanitize"
)

// ErrShuttingDown is returned by StartRun once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// DefaultRetainFinished is the number of finished runs kept in memory when
// OrchestratorDeps.RetainFinished is zero.
const DefaultRetainFinished = 1000

// OrchestratorDeps are the collaborators of the orchestrator. Store, Memory
// and Metrics are optional.
type OrchestratorDeps struct {
	Caller  *PhaseCaller
	Loop    *RevisionLoop
	Gate    *ApprovalGate
	Bus     broadcast.Broadcaster
	Store   database.Store
	Memory  memport.Memory
	Metrics *ffotel.Metrics
	// MaxConcurrentRuns bounds executing runs; 0 means unbounded.
	MaxConcurrentRuns int
	// RetainFinished caps the finished runs kept in memory, least recently
	// finished evicted first. Older runs are served from Store. Negative
	// keeps none.
	RetainFinished int
}

type runState struct {
	mu     sync.Mutex
	run    *run.Run
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns every run and drives it through analysis, planning,
// approval and the revision loop. Runs execute independently; nothing
// serializes them except the optional concurrency bound.
type Orchestrator struct {
	deps OrchestratorDeps
	sem  *semaphore.Weighted

	mu       sync.RWMutex
	runs     map[string]*runState
	finished *lru.Cache[string, run.Snapshot]
	closed   bool
	wg       sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
	now        func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deps:       deps,
		runs:       make(map[string]*runState),
		baseCtx:    base,
		baseCancel: cancel,
		now:        time.Now,
	}
	if deps.MaxConcurrentRuns > 0 {
		o.sem = semaphore.NewWeighted(int64(deps.MaxConcurrentRuns))
	}
	retain := deps.RetainFinished
	if retain == 0 {
		retain = DefaultRetainFinished
	}
	if retain > 0 {
		o.finished, _ = lru.New[string, run.Snapshot](retain)
	}
	return o
}

// StartRun validates the request, registers a new run and starts it in the
// background. It returns as soon as the run is registered.
func (o *Orchestrator) StartRun(ctx context.Context, taskID, description string, cfg task.Config) (string, error) {
	description = strings.TrimSpace(description)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	t := &task.Task{ID: taskID, Description: description, Config: cfg.Normalize(), CreatedAt: o.now().UTC()}
	if err := t.Validate(); err != nil {
		return "", err
	}

	now := o.now().UTC()
	r := &run.Run{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		Description: t.Description,
		Config:      t.Config,
		Status:      run.StatusPending,
		Phase:       run.PhasePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	runCtx, cancel := context.WithCancel(logger.WithRun(o.baseCtx, r.ID, r.TaskID))
	rs := &runState{run: r, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	o.runs[r.ID] = rs
	o.wg.Add(1)
	o.mu.Unlock()

	if o.deps.Store != nil {
		o.persist(runCtx, rs, "save_task", func(ctx context.Context) error { return o.deps.Store.SaveTask(ctx, t) })
		o.persist(runCtx, rs, "save_run", func(ctx context.Context) error { return o.deps.Store.SaveRun(ctx, r) })
	}
	o.deps.Metrics.RunStarted(ctx, string(t.Config.RoutingStrategy))
	slog.Info("run started", "run_id", r.ID, "task_id", r.TaskID, "strategy", t.Config.RoutingStrategy)

	go o.execute(runCtx, rs)
	return r.ID, nil
}

func (o *Orchestrator) execute(ctx context.Context, rs *runState) {
	defer o.wg.Done()
	defer o.retire(rs)
	defer close(rs.done)
	defer rs.cancel()

	id, taskID, cfg, description := rs.identity()
	ctx, span := ffotel.StartRunSpan(ctx, id, taskID, string(cfg.RoutingStrategy))
	defer span.End()

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.fail(ctx, rs, fault.New(fault.KindCancelled, "schedule", err))
			return
		}
		defer o.sem.Release(1)
	}

	// Analyzing
	o.transition(rs, run.StatusRunning, run.PhaseAnalyzing, func(r *run.Run) {
		started := o.now().UTC()
		r.StartedAt = &started
	})
	o.publish(ctx, rs, event.TypeAnalysisStart, map[string]string{"description": description})

	// The raw description is kept on the run; prompts get the sanitized form.
	description = sanitizePromptInput(description)
	analysis, err := o.analyze(ctx, rs, description, cfg)
	if err != nil {
		o.fail(ctx, rs, err)
		return
	}

	alloc := budget.Plan(analysis.Complexity, cfg.BudgetMultiplier)
	roundBudget := alloc.CapRounds(cfg.MaxRounds)
	o.transition(rs, "", "", func(r *run.Run) {
		r.Complexity = alloc.Level
		r.Budget = &alloc
		if !analysis.ComplexityParsed {
			r.Warnings = append(r.Warnings, fmt.Sprintf("complexity label not found in analysis; assumed %s", budget.FallbackLevel))
		}
	})

	p, err := o.plan(ctx, rs, description, analysis, cfg)
	if err != nil {
		o.fail(ctx, rs, err)
		return
	}

	// PlanReady
	o.transition(rs, "", run.PhasePlanReady, func(r *run.Run) { r.Plan = p })
	o.publish(ctx, rs, event.TypePlanReady, event.PlanReadyPayload{
		Plan:        p,
		Complexity:  string(alloc.Level),
		Investment:  alloc.Investment,
		RoundBudget: roundBudget,
	})

	approvalFeedback, ok := o.awaitApproval(ctx, rs, p, cfg)
	if !ok {
		return
	}

	// Executing
	o.transition(rs, run.StatusRunning, run.PhaseExecuting, nil)
	outcome, err := o.deps.Loop.Run(ctx, RevisionInput{
		RunID:            id,
		TaskID:           taskID,
		Description:      description,
		Plan:             p.Render(),
		ApprovalFeedback: sanitizePromptInput(approvalFeedback),
		RoundBudget:      roundBudget,
		Strategy:         cfg.RoutingStrategy,
		CacheTTL:         cacheTTL(cfg),
	}, &runSink{o: o, rs: rs})
	if err != nil {
		o.fail(ctx, rs, err)
		return
	}

	switch outcome.Outcome {
	case run.OutcomeAccepted:
		o.finish(ctx, rs, run.StatusCompleted, outcome.Reason, "", "", event.TypeCompletion)
	default:
		kind := fault.KindBudgetExceeded
		if outcome.Reason == run.ReasonDuplicateReview {
			kind = fault.KindDuplicateReview
		}
		o.finish(ctx, rs, run.StatusFailed, outcome.Reason, kind, "", event.TypeFailure)
	}
}

// awaitApproval blocks on the gate when the run requires approval. It
// returns false when the run has been finished (rejected, timed out or cancelled).
func (o *Orchestrator) awaitApproval(ctx context.Context, rs *runState, p *plan.Plan, cfg task.Config) (string, bool) {
	if !cfg.ApprovalRequired() {
		o.transition(rs, "", run.PhaseApproved, nil)
		o.publish(ctx, rs, event.TypeApproved, event.ApprovedPayload{Auto: true})
		return "", true
	}

	// Register before announcing so a client reacting to approval_required
	// always finds the pending request.
	pending, err := o.deps.Gate.Register(rs.id(), p)
	if err != nil {
		o.fail(ctx, rs, err)
		return "", false
	}
	o.transition(rs, run.StatusAwaitingApproval, run.PhaseAwaitingApproval, nil)
	o.publish(ctx, rs, event.TypeApprovalRequired, event.ApprovalRequiredPayload{
		Plan:           p,
		TimeoutSeconds: cfg.ApprovalTimeoutSeconds,
	})

	res := pending.Wait(ctx, cfg.ApprovalTimeout())

	switch {
	case res.Decision == DecisionApproved:
		o.transition(rs, run.StatusRunning, run.PhaseApproved, func(r *run.Run) { r.Feedback = res.Feedback })
		o.publish(ctx, rs, event.TypeApproved, event.ApprovedPayload{Feedback: res.Feedback})
		return res.Feedback, true
	case res.Cancelled:
		o.finish(ctx, rs, run.StatusCancelled, run.ReasonCancelled, fault.KindCancelled, "", event.TypeCancelled)
	case res.Decision == DecisionRejected:
		o.transition(rs, "", "", func(r *run.Run) { r.Feedback = res.Feedback })
		o.finish(ctx, rs, run.StatusFailed, run.ReasonApprovalRejected, "", res.Feedback, event.TypeRejected)
	default:
		o.finish(ctx, rs, run.StatusFailed, run.ReasonApprovalTimedOut, fault.KindApprovalTimedOut, "", event.TypeRejected)
	}
	return "", false
}

func (o *Orchestrator) analyze(ctx context.Context, rs *runState, description string, cfg task.Config) (*plan.Analysis, error) {
	ctx, span := ffotel.StartPhaseSpan(ctx, string(llm.PhaseAnalyze), 0)
	prompt, err := renderPrompt(llm.PhaseAnalyze, analyzeData{Description: description})
	if err != nil {
		ffotel.EndSpan(span, err)
		return nil, fault.New(fault.KindInternal, "analyze", err)
	}

	var analysis *plan.Analysis
	resp, err := o.deps.Caller.CallParsed(ctx, PhaseRequest{
		Phase:    llm.PhaseAnalyze,
		Prompt:   prompt,
		Strategy: cfg.RoutingStrategy,
		CacheTTL: cacheTTL(cfg),
	}, func(text string) error {
		a, err := plan.ParseAnalysis(text)
		if err == nil {
			analysis = a
		}
		return err
	})
	o.recordUsage(rs, resp)
	ffotel.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	o.remember(ctx, llm.PhaseAnalyze, analysis.Summary)
	logger.FromContext(ctx).Info("analysis complete",
		"complexity", analysis.Complexity,
		"complexity_parsed", analysis.ComplexityParsed,
		"cached", resp.Cached,
	)
	return analysis, nil
}

func (o *Orchestrator) plan(ctx context.Context, rs *runState, description string, analysis *plan.Analysis, cfg task.Config) (*plan.Plan, error) {
	ctx, span := ffotel.StartPhaseSpan(ctx, string(llm.PhasePlan), 0)
	prompt, err := renderPrompt(llm.PhasePlan, planData{Description: description, Analysis: analysis})
	if err != nil {
		ffotel.EndSpan(span, err)
		return nil, fault.New(fault.KindInternal, "plan", err)
	}

	var p *plan.Plan
	resp, err := o.deps.Caller.CallParsed(ctx, PhaseRequest{
		Phase:    llm.PhasePlan,
		Prompt:   prompt,
		Strategy: cfg.RoutingStrategy,
		CacheTTL: cacheTTL(cfg),
	}, func(text string) error {
		parsed, err := plan.ParsePlan(text)
		if err == nil {
			p = parsed
		}
		return err
	})
	o.recordUsage(rs, resp)
	ffotel.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	o.remember(ctx, llm.PhasePlan, p.Render())
	return p, nil
}

func cacheTTL(cfg task.Config) time.Duration {
	if !cfg.CacheEnabled {
		return 0
	}
	return cfg.CacheTTL()
}

// fail finishes the run from an error. Cancellation becomes a cancelled
// run; everything else a failed run with a classified, sanitized reason.
func (o *Orchestrator) fail(ctx context.Context, rs *runState, err error) {
	kind := fault.KindOf(err)
	if kind == fault.KindCancelled || errors.Is(ctx.Err(), context.Canceled) {
		o.finish(ctx, rs, run.StatusCancelled, run.ReasonCancelled, fault.KindCancelled, "", event.TypeCancelled)
		return
	}

	reason := run.ReasonInternal
	switch {
	case kind == fault.KindAllProvidersExhausted:
		reason = run.ReasonAllProvidersExhausted
	case errors.Is(err, fault.ErrMalformedModelOutput):
		reason = run.ReasonMalformedModelOutput
	}

	logger.FromContext(ctx).Error("run failed", "kind", kind, "reason", reason, "error", sanitize.Error(err))
	o.finish(ctx, rs, run.StatusFailed, reason, kind, sanitize.Error(err), event.TypeFailure)
}

// finish moves the run to a terminal status, persists it, records metrics,
// clears its memory and publishes the terminal event.
func (o *Orchestrator) finish(ctx context.Context, rs *runState, status run.Status, reason run.Reason, kind fault.Kind, detail string, typ event.Type) {
	var (
		rounds   int
		duration time.Duration
		usage    run.Usage
	)
	o.transition(rs, status, run.Phase(status), func(r *run.Run) {
		now := o.now().UTC()
		r.Reason = reason
		r.ErrorKind = string(kind)
		r.ReasonDetail = detail
		r.CompletedAt = &now
		rounds = len(r.Rounds)
		usage = r.Usage
		if r.StartedAt != nil {
			duration = now.Sub(*r.StartedAt)
		}
	})

	bg := context.WithoutCancel(ctx)
	if o.deps.Store != nil {
		snap := rs.snapshot()
		o.persist(bg, rs, "save_run", func(ctx context.Context) error { return o.deps.Store.SaveRun(ctx, &snap.Run) })
		for name, v := range map[string]float64{
			"run.duration_seconds": duration.Seconds(),
			"run.rounds":           float64(rounds),
			"run.input_tokens":     float64(usage.InputTokens),
			"run.output_tokens":    float64(usage.OutputTokens),
		} {
			m := database.Metric{RunID: rs.id(), Name: name, Value: v, Labels: map[string]string{"status": string(status)}}
			o.persist(bg, rs, "record_metric", func(ctx context.Context) error { return o.deps.Store.RecordMetric(ctx, m) })
		}
	}
	if o.deps.Memory != nil {
		if err := o.deps.Memory.ClearMemory(bg, rs.id()); err != nil {
			logger.FromContext(ctx).Warn("clear run memory failed", "error", err)
		}
	}
	o.deps.Metrics.RunFinished(bg, string(status), string(reason), duration)

	o.publish(bg, rs, typ, event.TerminalPayload{
		Status: string(status),
		Reason: string(reason),
		Kind:   string(kind),
		Detail: detail,
		Rounds: rounds,
	})
	logger.FromContext(ctx).Info("run finished", "status", status, "reason", reason, "rounds", rounds, "duration", duration)
}

// transition applies a state change under the run lock. Empty status or
// phase leave the current value untouched.
func (o *Orchestrator) transition(rs *runState, status run.Status, phase run.Phase, mutate func(r *run.Run)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if status != "" {
		rs.run.Status = status
	}
	if phase != "" {
		rs.run.Phase = phase
	}
	if mutate != nil {
		mutate(rs.run)
	}
	rs.run.UpdatedAt = o.now().UTC()
}

func (o *Orchestrator) recordUsage(rs *runState, resp *PhaseResponse) {
	if resp == nil {
		return
	}
	o.transition(rs, "", "", func(r *run.Run) {
		if resp.Cached {
			r.Usage.CacheHits++
			return
		}
		r.Usage.Calls += resp.Calls
		r.Usage.InputTokens += resp.Usage.InputTokens
		r.Usage.OutputTokens += resp.Usage.OutputTokens
	})
}

func (o *Orchestrator) remember(ctx context.Context, phase llm.Phase, content string) {
	if o.deps.Memory == nil || content == "" {
		return
	}
	err := o.deps.Memory.Append(ctx, logger.RunID(ctx), memport.Message{
		Role:    "assistant",
		Phase:   string(phase),
		Content: content,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("append run memory failed", "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, rs *runState, typ event.Type, payload any) {
	if o.deps.Bus == nil {
		return
	}
	id, taskID, _, _ := rs.identity()
	ev := event.New(typ, taskID, id, payload)
	o.deps.Bus.Publish(ctx, ev, ev.Channels()...)
}

// persist runs a store call. Failures never stop the run: they are logged,
// recorded as a warning and published as persistence_failure events.
func (o *Orchestrator) persist(ctx context.Context, rs *runState, op string, fn func(ctx context.Context) error) {
	err := fn(ctx)
	if err == nil {
		return
	}
	detail := sanitize.Error(err)
	logger.FromContext(ctx).Warn("persistence failure", "op", op, "kind", fault.KindPersistenceFailure, "error", detail)
	o.transition(rs, "", "", func(r *run.Run) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %s", fault.KindPersistenceFailure, op))
	})
	o.publish(ctx, rs, event.TypePersistenceFailure, event.PersistenceFailurePayload{Op: op, Detail: detail})
}

// runSink adapts a run to the revision loop's output.
type runSink struct {
	o  *Orchestrator
	rs *runState
}

func (s *runSink) AppendRound(ctx context.Context, round run.Round) {
	s.o.transition(s.rs, "", "", func(r *run.Run) {
		r.Rounds = append(r.Rounds, round)
		r.Revision = round.Index
		r.LastReviewHash = round.ReviewHash
	})
	if s.o.deps.Store != nil {
		bg := context.WithoutCancel(ctx)
		s.o.persist(bg, s.rs, "append_round", func(ctx context.Context) error {
			return s.o.deps.Store.AppendRound(ctx, s.rs.id(), round)
		})
		snap := s.rs.snapshot()
		s.o.persist(bg, s.rs, "save_run", func(ctx context.Context) error { return s.o.deps.Store.SaveRun(ctx, &snap.Run) })
	}
}

func (s *runSink) RecordUsage(resp *PhaseResponse) { s.o.recordUsage(s.rs, resp) }

func (rs *runState) id() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.ID
}

func (rs *runState) identity() (id, taskID string, cfg task.Config, description string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.ID, rs.run.TaskID, rs.run.Config, rs.run.Description
}

func (rs *runState) snapshot() run.Snapshot {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.Snapshot()
}

// retire moves a finished run out of the live table. Its final snapshot
// stays readable from the retention cache and the store.
func (o *Orchestrator) retire(rs *runState) {
	snap := rs.snapshot()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished != nil {
		o.finished.Add(snap.ID, snap)
	}
	delete(o.runs, snap.ID)
}

func (o *Orchestrator) lookup(runID string) (*runState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rs, ok := o.runs[runID]
	return rs, ok
}

// finishedRun returns the final snapshot of a run that is no longer live.
func (o *Orchestrator) finishedRun(ctx context.Context, runID string) (run.Snapshot, error) {
	if o.finished != nil {
		if snap, ok := o.finished.Get(runID); ok {
			return snap, nil
		}
	}
	if o.deps.Store != nil {
		r, err := o.deps.Store.GetRun(ctx, runID)
		if err != nil {
			return run.Snapshot{}, err
		}
		return r.Snapshot(), nil
	}
	return run.Snapshot{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
}

// Approve delivers an approval decision for a run waiting at the gate.
// Decisions for finished runs are stale.
func (o *Orchestrator) Approve(ctx context.Context, runID string, approved bool, feedback string) error {
	if _, ok := o.lookup(runID); !ok {
		if _, err := o.finishedRun(ctx, runID); err != nil {
			return err
		}
	}
	return o.deps.Gate.Resolve(runID, approved, strings.TrimSpace(feedback))
}

// GetRunStatus returns a snapshot of the run. Finished runs no longer held
// in memory are loaded from the store when one is configured.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID string) (run.Snapshot, error) {
	if rs, ok := o.lookup(runID); ok {
		return rs.snapshot(), nil
	}
	return o.finishedRun(ctx, runID)
}

// CancelRun cancels a run in progress. A pending approval wait unblocks
// immediately. Cancelling a finished run is a conflict.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	rs, ok := o.lookup(runID)
	if !ok {
		if _, err := o.finishedRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("run %s already finished: %w", runID, domain.ErrConflict)
	}
	if rs.snapshot().Status.IsTerminal() {
		return fmt.Errorf("run %s already finished: %w", runID, domain.ErrConflict)
	}
	rs.cancel()
	slog.Info("run cancellation requested", "run_id", runID)
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (run.Snapshot, error) {
	rs, ok := o.lookup(runID)
	if !ok {
		return o.finishedRun(ctx, runID)
	}
	select {
	case <-rs.done:
		return rs.snapshot(), nil
	case <-ctx.Done():
		return rs.snapshot(), ctx.Err()
	}
}

// ListRuns returns snapshots of live and retained finished runs, newest
// first. limit <= 0 returns all of them.
func (o *Orchestrator) ListRuns(limit int) []run.Snapshot {
	o.mu.RLock()
	states := make([]*runState, 0, len(o.runs))
	for _, rs := range o.runs {
		states = append(states, rs)
	}
	var out []run.Snapshot
	if o.finished != nil {
		out = o.finished.Values()
	}
	o.mu.RUnlock()

	for _, rs := range states {
		out = append(out, rs.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Shutdown stops accepting runs and waits for in-flight runs. When ctx
// expires first, remaining runs are cancelled and awaited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.baseCancel()
		return nil
	case <-ctx.Done():
		o.baseCancel()
		<-done
		return ctx.Err()
	}
}
