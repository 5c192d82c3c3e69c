// Package event defines the lifecycle events published by the orchestration engine.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/forgeflow/internal/domain/plan"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TypeAnalysisStart      Type = "analysis_start"
	TypePlanReady          Type = "plan_ready"
	TypeApprovalRequired   Type = "approval_required"
	TypeApproved           Type = "approved"
	TypeRejected           Type = "rejected"
	TypeProgress           Type = "progress"
	TypeCompletion         Type = "completion"
	TypeFailure            Type = "failure"
	TypeCancelled          Type = "cancelled"
	TypeProviderSelected   Type = "provider_selected"
	TypePersistenceFailure Type = "persistence_failure"
)

// IsTerminal reports whether t is the last event published for a run.
func (t Type) IsTerminal() bool {
	switch t {
	case TypeCompletion, TypeFailure, TypeRejected, TypeCancelled:
		return true
	}
	return false
}

// GlobalChannel receives every published event.
const GlobalChannel = "*"

// TaskChannel returns the channel name for a task.
func TaskChannel(taskID string) string { return "task:" + taskID }

// RunChannel returns the channel name for a run.
func RunChannel(runID string) string { return "run:" + runID }

// Event is an immutable lifecycle notification. It is published once and
// fanned out to any number of subscribers; the engine does not persist it.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TaskID    string          `json:"task_id"`
	RunID     string          `json:"run_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event, marshalling payload to JSON. A payload that cannot be
// marshalled is replaced by an error object so the event is still delivered.
func New(typ Type, taskID, runID string, payload any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    taskID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
	if payload == nil {
		return ev
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	ev.Payload = data
	return ev
}

// Channels returns the scoped channels an event belongs to.
func (e Event) Channels() []string {
	var chs []string
	if e.RunID != "" {
		chs = append(chs, RunChannel(e.RunID))
	}
	if e.TaskID != "" {
		chs = append(chs, TaskChannel(e.TaskID))
	}
	return chs
}

// ProgressPayload accompanies TypeProgress events.
type ProgressPayload struct {
	Round      int    `json:"round"`
	State      string `json:"state"`
	Verdict    string `json:"verdict,omitempty"`
	Review     string `json:"review,omitempty"`
	ReviewHash string `json:"review_hash,omitempty"`
}

// TerminalPayload accompanies completion, failure, rejected and cancelled events.
type TerminalPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
	Rounds int    `json:"rounds"`
}

// ProviderSelectedPayload accompanies TypeProviderSelected events.
type ProviderSelectedPayload struct {
	Phase     string   `json:"phase"`
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Strategy  string   `json:"strategy"`
	Attempts  int      `json:"attempts"`
	Skipped   []string `json:"skipped,omitempty"`
	LatencyMS int64    `json:"latency_ms"`
}

// PlanReadyPayload accompanies TypePlanReady events.
type PlanReadyPayload struct {
	Plan        *plan.Plan `json:"plan"`
	Complexity  string     `json:"complexity"`
	Investment  float64    `json:"investment"`
	RoundBudget int        `json:"round_budget"`
}

// ApprovalRequiredPayload accompanies TypeApprovalRequired events.
type ApprovalRequiredPayload struct {
	Plan           *plan.Plan `json:"plan"`
	TimeoutSeconds int        `json:"timeout_seconds"`
}

// ApprovedPayload accompanies TypeApproved events.
type ApprovedPayload struct {
	Feedback string `json:"feedback,omitempty"`
	Auto     bool   `json:"auto,omitempty"`
}

// PersistenceFailurePayload accompanies TypePersistenceFailure events.
type PersistenceFailurePayload struct {
	Op     string `json:"op"`
	Detail string `json:"detail"`
}
