// Package fault defines the error taxonomy shared by the orchestration engine.
//
// Every failure that crosses a component boundary is either a *Error carrying
// a Kind, or is classified as KindInternal by KindOf. Terminal conditions such
// as BudgetExceeded are represented as Kinds too, so reporting code can use a
// single vocabulary, but the engine records them as run reasons rather than
// returning them to callers.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindProviderTimeout       Kind = "provider_timeout"
	KindProviderError         Kind = "provider_error"
	KindAllProvidersExhausted Kind = "all_providers_exhausted"
	KindApprovalTimedOut      Kind = "approval_timed_out"
	KindStaleApproval         Kind = "stale_approval"
	KindBudgetExceeded        Kind = "budget_exceeded"
	KindDuplicateReview       Kind = "duplicate_review_detected"
	KindPersistenceFailure    Kind = "persistence_failure"
	KindMalformedModelOutput  Kind = "malformed_model_output"
	KindCancelled             Kind = "cancelled"
	KindInternal              Kind = "internal"
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrProviderTimeout       = &Error{Kind: KindProviderTimeout}
	ErrProviderError         = &Error{Kind: KindProviderError}
	ErrAllProvidersExhausted = &Error{Kind: KindAllProvidersExhausted}
	ErrApprovalTimedOut      = &Error{Kind: KindApprovalTimedOut}
	ErrStaleApproval         = &Error{Kind: KindStaleApproval}
	ErrBudgetExceeded        = &Error{Kind: KindBudgetExceeded}
	ErrDuplicateReview       = &Error{Kind: KindDuplicateReview}
	ErrPersistenceFailure    = &Error{Kind: KindPersistenceFailure}
	ErrMalformedModelOutput  = &Error{Kind: KindMalformedModelOutput}
)

// Error is a classified engine error.
type Error struct {
	Kind     Kind
	Op       string // operation that failed, e.g. "analyze" or "invoke"
	Provider string // provider name when the failure is provider-scoped
	Raw      string // raw model payload for MalformedModelOutput (never forwarded to clients)
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Provider != "" {
		msg += " (" + e.Provider + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Provider == "" && t.Err == nil
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
// Context cancellation maps to KindCancelled, deadline expiry to
// KindProviderTimeout, and anything else to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindProviderTimeout
	}
	return KindInternal
}

// IsTerminalCondition reports whether k is an expected terminal condition
// rather than a fault of the engine or its collaborators.
func IsTerminalCondition(k Kind) bool {
	switch k {
	case KindBudgetExceeded, KindDuplicateReview, KindApprovalTimedOut:
		return true
	}
	return false
}
