package service

import (
	"context"
	"strings"
	"time"

	ffotel "github.com/Strob0t/forgeflow/internal/adapter/otel"
	"github.com/Strob0t/forgeflow/internal/domain/event"
	"github.com/Strob0t/forgeflow/internal/domain/fault"
	"github.com/Strob0t/forgeflow/internal/domain/plan"
	"github.com/Strob0t/forgeflow/internal/domain/review"
	"github.com/Strob0t/forgeflow/internal/domain/run"
	"github.com/Strob0t/forgeflow/internal/domain/task"
	"github.com/Strob0t/forgeflow/internal/logger"
	"github.com/Strob0t/forgeflow/internal/port/broadcast"
	"github.com/Strob0t/forgeflow/internal/port/llm"
	memport "github.com/Strob0t/forgeflow/internal/port/memory"
)

// RoundSink receives the loop's output. AppendRound is called once per
// completed round, never with a partial round.
type RoundSink interface {
	AppendRound(ctx context.Context, round run.Round)
	RecordUsage(resp *PhaseResponse)
}

// RevisionInput is everything the loop needs from the orchestrator.
type RevisionInput struct {
	RunID            string
	TaskID           string
	Description      string
	Plan             string
	ApprovalFeedback string
	RoundBudget      int
	Strategy         task.RoutingStrategy
	// CacheTTL > 0 routes Write calls through the response cache. Reviews
	// always reach a provider so an unchanged draft is judged afresh.
	CacheTTL time.Duration
}

// RevisionOutcome is the terminal state of the loop.
type RevisionOutcome struct {
	Outcome        run.Outcome
	Reason         run.Reason
	Rounds         int
	LastReviewHash string
}

// RevisionLoop drives write code, write tests and review until the review
// accepts the result or a loop-breaking rule aborts it.
type RevisionLoop struct {
	caller       *PhaseCaller
	bus          broadcast.Broadcaster
	memory       memport.Memory
	metrics      *ffotel.Metrics
	maxReviewLen int
	now          func() time.Time
}

// NewRevisionLoop creates a loop. memory may be nil.
func NewRevisionLoop(caller *PhaseCaller, bus broadcast.Broadcaster, memory memport.Memory, metrics *ffotel.Metrics, maxReviewLen int) *RevisionLoop {
	if maxReviewLen <= 0 {
		maxReviewLen = review.MaxLength
	}
	return &RevisionLoop{
		caller:       caller,
		bus:          bus,
		memory:       memory,
		metrics:      metrics,
		maxReviewLen: maxReviewLen,
		now:          time.Now,
	}
}

// Run executes rounds until a terminal outcome. After every review the
// rules apply in order: acceptance, duplicate review, round budget, then
// revise. Cancellation discards the round in progress.
func (l *RevisionLoop) Run(ctx context.Context, in RevisionInput, sink RoundSink) (*RevisionOutcome, error) {
	var (
		prevHash   string
		prevCode   string
		prevReview string
	)
	log := logger.FromContext(ctx)

	for revision := 1; ; revision++ {
		l.progress(ctx, in, event.ProgressPayload{Round: revision, State: string(llm.PhaseWriteCode)})

		codePrompt, err := renderPrompt(llm.PhaseWriteCode, writeCodeData{
			Description:      in.Description,
			Plan:             in.Plan,
			ApprovalFeedback: in.ApprovalFeedback,
			PreviousCode:     prevCode,
			PreviousRound:    revision - 1,
			ReviewFeedback:   prevReview,
			History:          l.reviewHistory(ctx, in.RunID),
		})
		if err != nil {
			return nil, fault.New(fault.KindInternal, "write_code", err)
		}
		code, err := l.write(ctx, in, llm.PhaseWriteCode, revision, codePrompt, sink)
		if err != nil {
			return nil, err
		}

		l.progress(ctx, in, event.ProgressPayload{Round: revision, State: string(llm.PhaseWriteTests)})
		testsPrompt, err := renderPrompt(llm.PhaseWriteTests, writeTestsData{Description: in.Description, Code: code})
		if err != nil {
			return nil, fault.New(fault.KindInternal, "write_tests", err)
		}
		tests, err := l.write(ctx, in, llm.PhaseWriteTests, revision, testsPrompt, sink)
		if err != nil {
			return nil, err
		}

		l.progress(ctx, in, event.ProgressPayload{Round: revision, State: string(llm.PhaseReview)})
		reviewText, err := l.review(ctx, in, revision, code, tests, sink)
		if err != nil {
			return nil, err
		}

		verdict := review.Classify(reviewText)
		hash := review.Hash(reviewText)
		round := run.Round{
			Index:      revision,
			Code:       code,
			Tests:      tests,
			Review:     review.Truncate(reviewText, l.maxReviewLen),
			ReviewHash: hash,
			Verdict:    string(verdict),
			CreatedAt:  l.now().UTC(),
		}

		switch {
		case verdict == review.VerdictAccepted:
			round.Outcome, round.Reason = run.OutcomeAccepted, run.ReasonAccepted
		case prevHash != "" && hash == prevHash:
			round.Outcome, round.Reason = run.OutcomeAborted, run.ReasonDuplicateReview
		case revision > in.RoundBudget:
			round.Outcome, round.Reason = run.OutcomeAborted, run.ReasonBudgetExceeded
		default:
			round.Outcome = run.OutcomeRevising
		}

		if err := ctx.Err(); err != nil {
			return nil, fault.New(fault.KindCancelled, "review", err)
		}
		sink.AppendRound(ctx, round)
		l.metrics.Round(ctx, string(round.Outcome))
		l.progress(ctx, in, event.ProgressPayload{
			Round:      revision,
			State:      string(round.Outcome),
			Verdict:    string(verdict),
			Review:     round.Review,
			ReviewHash: hash,
		})
		l.remember(ctx, in.RunID, round.Review)

		log.Info("revision round finished",
			"round", revision,
			"outcome", round.Outcome,
			"reason", round.Reason,
			"budget", in.RoundBudget,
		)

		if round.Outcome != run.OutcomeRevising {
			return &RevisionOutcome{
				Outcome:        round.Outcome,
				Reason:         round.Reason,
				Rounds:         revision,
				LastReviewHash: hash,
			}, nil
		}

		prevHash = hash
		prevCode = code
		prevReview = round.Review
	}
}

func (l *RevisionLoop) write(ctx context.Context, in RevisionInput, phase llm.Phase, revision int, prompt string, sink RoundSink) (string, error) {
	ctx, span := ffotel.StartPhaseSpan(ctx, string(phase), revision)
	resp, err := l.caller.CallParsed(ctx, PhaseRequest{Phase: phase, Prompt: prompt, Strategy: in.Strategy, CacheTTL: in.CacheTTL}, func(text string) error {
		_, err := plan.ExtractCode(string(phase), text)
		return err
	})
	if resp != nil {
		sink.RecordUsage(resp)
	}
	ffotel.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	code, _ := plan.ExtractCode(string(phase), resp.Text)
	return code, nil
}

func (l *RevisionLoop) review(ctx context.Context, in RevisionInput, revision int, code, tests string, sink RoundSink) (string, error) {
	prompt, err := renderPrompt(llm.PhaseReview, reviewData{
		Description: in.Description,
		Plan:        in.Plan,
		Code:        code,
		Tests:       tests,
	})
	if err != nil {
		return "", fault.New(fault.KindInternal, "review", err)
	}

	ctx, span := ffotel.StartPhaseSpan(ctx, string(llm.PhaseReview), revision)
	resp, err := l.caller.Call(ctx, PhaseRequest{Phase: llm.PhaseReview, Prompt: prompt, Strategy: in.Strategy})
	if resp != nil {
		sink.RecordUsage(resp)
	}
	ffotel.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// reviewHistory renders the reviews before the most recent one.
func (l *RevisionLoop) reviewHistory(ctx context.Context, runID string) string {
	if l.memory == nil {
		return ""
	}
	msgs, err := l.memory.ListMessages(ctx, runID)
	if err != nil {
		logger.FromContext(ctx).Warn("list run memory failed", "error", err)
		return ""
	}
	var reviews []string
	for _, m := range msgs {
		if m.Phase == string(llm.PhaseReview) {
			reviews = append(reviews, m.Content)
		}
	}
	if len(reviews) < 2 {
		return ""
	}
	earlier := reviews[:len(reviews)-1]
	var b strings.Builder
	for i, r := range earlier {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(r)
	}
	return b.String()
}

func (l *RevisionLoop) remember(ctx context.Context, runID, text string) {
	if l.memory == nil {
		return
	}
	err := l.memory.Append(ctx, runID, memport.Message{
		Role:    "reviewer",
		Phase:   string(llm.PhaseReview),
		Content: text,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("append run memory failed", "error", err)
	}
}

func (l *RevisionLoop) progress(ctx context.Context, in RevisionInput, p event.ProgressPayload) {
	if l.bus == nil {
		return
	}
	ev := event.New(event.TypeProgress, in.TaskID, in.RunID, p)
	l.bus.Publish(ctx, ev, ev.Channels()...)
}
