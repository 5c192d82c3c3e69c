// Package llm defines the uniform contract for language-model providers.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Phase names the pipeline step a model call serves.
type Phase string

const (
	PhaseAnalyze    Phase = "analyze"
	PhasePlan       Phase = "plan"
	PhaseWriteCode  Phase = "write_code"
	PhaseWriteTests Phase = "write_tests"
	PhaseReview     Phase = "review"
)

// Request is a provider-neutral completion request.
type Request struct {
	Phase       Phase
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is a provider-neutral completion result.
type Response struct {
	Text     string
	Provider string
	Model    string
	Usage    Usage
	Latency  time.Duration
	// Estimated is true when Usage was computed locally because the
	// provider did not report it.
	Estimated bool
}

// Provider is one language-model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	// Ping is a lightweight health probe.
	Ping(ctx context.Context) error
}

// StatusError is returned by HTTP-based providers for non-2xx responses.
// Body is the raw response body and must be sanitized before display.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}
