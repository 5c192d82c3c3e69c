// Package run defines the Run domain entity: one execution attempt of a Task
// through the orchestration pipeline, and its revision rounds.
package run

import (
	"time"

	"github.com/Strob0t/forgeflow/internal/domain/budget"
	"github.com/Strob0t/forgeflow/internal/domain/plan"
	"github.com/Strob0t/forgeflow/internal/domain/task"
)

// Status represents the externally visible state of a run.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase is the orchestrator state machine position.
type Phase string

const (
	PhasePending          Phase = "pending"
	PhaseAnalyzing        Phase = "analyzing"
	PhasePlanReady        Phase = "plan_ready"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseApproved         Phase = "approved"
	PhaseExecuting        Phase = "executing"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
	PhaseCancelled        Phase = "cancelled"
)

// Reason explains why a run reached its terminal status.
type Reason string

const (
	ReasonAccepted              Reason = "accepted"
	ReasonBudgetExceeded        Reason = "budget_exceeded"
	ReasonDuplicateReview       Reason = "duplicate_review_detected"
	ReasonApprovalRejected      Reason = "approval_rejected"
	ReasonApprovalTimedOut      Reason = "approval_timed_out"
	ReasonAllProvidersExhausted Reason = "all_providers_exhausted"
	ReasonMalformedModelOutput  Reason = "malformed_model_output"
	ReasonCancelled             Reason = "cancelled"
	ReasonInternal              Reason = "internal_error"
)

// Describe returns the human-readable explanation surfaced by the API.
func (r Reason) Describe() string {
	switch r {
	case ReasonAccepted:
		return "review accepted the submission"
	case ReasonBudgetExceeded:
		return "revision budget exhausted before the review accepted the submission"
	case ReasonDuplicateReview:
		return "review repeated itself; further revisions would not converge"
	case ReasonApprovalRejected:
		return "plan was rejected"
	case ReasonApprovalTimedOut:
		return "no approval decision arrived before the timeout"
	case ReasonAllProvidersExhausted:
		return "every language-model provider failed"
	case ReasonMalformedModelOutput:
		return "model output could not be parsed"
	case ReasonCancelled:
		return "run was cancelled"
	case ReasonInternal:
		return "internal error"
	}
	return ""
}

// Outcome is the revision loop state after a round.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRevising Outcome = "revising"
	OutcomeAborted  Outcome = "aborted"
)

// Round is one write→test→review iteration. Rounds are appended whole and never modified.
type Round struct {
	Index      int       `json:"index"`
	Code       string    `json:"code"`
	Tests      string    `json:"tests"`
	Review     string    `json:"review"`
	ReviewHash string    `json:"review_hash"`
	Verdict    string    `json:"verdict"`
	Outcome    Outcome   `json:"outcome"`
	Reason     Reason    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Usage accumulates token consumption across every model call of a run.
type Usage struct {
	Calls        int   `json:"calls"`
	CacheHits    int   `json:"cache_hits"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Run is one execution attempt of a task. It is owned by the orchestrator
// and mutated only through its transitions.
type Run struct {
	ID             string             `json:"id"`
	TaskID         string             `json:"task_id"`
	Description    string             `json:"description"`
	Config         task.Config        `json:"config"`
	Status         Status             `json:"status"`
	Phase          Phase              `json:"phase"`
	Reason         Reason             `json:"reason,omitempty"`
	ReasonDetail   string             `json:"reason_detail,omitempty"`
	ErrorKind      string             `json:"error_kind,omitempty"`
	Complexity     budget.Level       `json:"complexity,omitempty"`
	Budget         *budget.Allocation `json:"budget,omitempty"`
	Plan           *plan.Plan         `json:"plan,omitempty"`
	Feedback       string             `json:"feedback,omitempty"`
	Revision       int                `json:"revision"`
	LastReviewHash string             `json:"last_review_hash,omitempty"`
	Rounds         []Round            `json:"rounds"`
	Usage          Usage              `json:"usage"`
	Warnings       []string           `json:"warnings,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Snapshot is a deep copy of a run handed to callers outside the orchestrator.
type Snapshot struct {
	Run
	ReasonText string `json:"reason_text,omitempty"`
}

// Snapshot copies the run so callers cannot observe later mutations.
func (r *Run) Snapshot() Snapshot {
	cp := *r
	cp.Rounds = append([]Round(nil), r.Rounds...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	if r.Budget != nil {
		b := *r.Budget
		cp.Budget = &b
	}
	if r.Plan != nil {
		p := *r.Plan
		p.Steps = append([]string(nil), r.Plan.Steps...)
		p.Files = append([]string(nil), r.Plan.Files...)
		p.Risks = append([]string(nil), r.Plan.Risks...)
		cp.Plan = &p
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return Snapshot{Run: cp, ReasonText: r.Reason.Describe()}
}
