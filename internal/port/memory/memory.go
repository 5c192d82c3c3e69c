// Package memory defines the capability interface over conversation memory
// kept for a run's model calls.
package memory

import (
	"context"
	"time"
)

// Message is one exchange turn recorded for a run.
type Message struct {
	Role      string    `json:"role"`
	Phase     string    `json:"phase"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory isolates the conversation store behind a small surface so the
// backing framework can change without touching the engine.
type Memory interface {
	// GetMemory returns the run's conversation rendered as prompt context.
	GetMemory(ctx context.Context, runID string) (string, error)
	ClearMemory(ctx context.Context, runID string) error
	ListMessages(ctx context.Context, runID string) ([]Message, error)
	Append(ctx context.Context, runID string, msg Message) error
}
