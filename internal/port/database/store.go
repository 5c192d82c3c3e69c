// Package database defines the persistence hooks called by the orchestrator.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/forgeflow/internal/domain/run"
	"github.com/Strob0t/forgeflow/internal/domain/task"
)

// Metric is a single numeric observation tied to a run.
type Metric struct {
	RunID      string            `json:"run_id"`
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Store is the port interface for database operations. Failures are
// non-fatal to a run in progress.
type Store interface {
	SaveTask(ctx context.Context, t *task.Task) error
	// SaveRun inserts or updates the run header (everything except rounds).
	SaveRun(ctx context.Context, r *run.Run) error
	AppendRound(ctx context.Context, runID string, round run.Round) error
	RecordMetric(ctx context.Context, m Metric) error

	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, limit int) ([]run.Run, error)
}
