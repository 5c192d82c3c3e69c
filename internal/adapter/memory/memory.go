// Package memory provides the in-process conversation memory used by runs.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	memport "github.com/Strob0t/forgeflow/internal/port/memory"
)

// DefaultMaxMessages bounds how many messages are kept per run.
const DefaultMaxMessages = 64

// Store keeps per-run message histories in memory. Oldest messages are
// dropped once a run exceeds its cap.
type Store struct {
	mu          sync.RWMutex
	runs        map[string][]memport.Message
	maxMessages int
	now         func() time.Time
}

var _ memport.Memory = (*Store)(nil)

// New creates a Store. maxMessages <= 0 selects DefaultMaxMessages.
func New(maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		runs:        make(map[string][]memport.Message),
		maxMessages: maxMessages,
		now:         time.Now,
	}
}

// Append records a message for runID.
func (s *Store) Append(_ context.Context, runID string, msg memport.Message) error {
	if runID == "" {
		return fmt.Errorf("append memory: run id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.runs[runID], msg)
	if over := len(msgs) - s.maxMessages; over > 0 {
		msgs = append([]memport.Message(nil), msgs[over:]...)
	}
	s.runs[runID] = msgs
	return nil
}

// ListMessages returns a copy of the run's messages in insertion order.
func (s *Store) ListMessages(_ context.Context, runID string) ([]memport.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]memport.Message(nil), s.runs[runID]...), nil
}

// GetMemory renders the run's history as prompt context, one turn per block.
func (s *Store) GetMemory(ctx context.Context, runID string) (string, error) {
	msgs, err := s.ListMessages(ctx, runID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s/%s]\n%s", m.Phase, m.Role, m.Content)
	}
	return b.String(), nil
}

// ClearMemory drops everything recorded for runID.
func (s *Store) ClearMemory(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return nil
}

// Runs returns the number of runs with recorded history.
func (s *Store) Runs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
