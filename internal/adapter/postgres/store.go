package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/forgeflow/internal/domain/budget"
	"github.com/Strob0t/forgeflow/internal/domain/plan"
	"github.com/Strob0t/forgeflow/internal/domain/run"
	"github.com/Strob0t/forgeflow/internal/domain/task"
	"github.com/Strob0t/forgeflow/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Tasks ---

func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal task config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, description, config, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description, config = EXCLUDED.config`,
		t.ID, t.Description, cfg, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// --- Runs ---

const runColumns = `id, task_id, description, config, status, phase, reason, reason_detail, error_kind,
	complexity, budget, plan, feedback, revision, last_review_hash, usage, warnings,
	created_at, started_at, completed_at, updated_at`

func (s *Store) SaveRun(ctx context.Context, r *run.Run) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	budgetJSON, err := jsonOrNull(r.Budget)
	if err != nil {
		return fmt.Errorf("marshal run budget: %w", err)
	}
	planJSON, err := jsonOrNull(r.Plan)
	if err != nil {
		return fmt.Errorf("marshal run plan: %w", err)
	}
	usage, err := json.Marshal(r.Usage)
	if err != nil {
		return fmt.Errorf("marshal run usage: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, phase = EXCLUDED.phase, reason = EXCLUDED.reason,
			reason_detail = EXCLUDED.reason_detail, error_kind = EXCLUDED.error_kind,
			complexity = EXCLUDED.complexity, budget = EXCLUDED.budget, plan = EXCLUDED.plan,
			feedback = EXCLUDED.feedback, revision = EXCLUDED.revision,
			last_review_hash = EXCLUDED.last_review_hash, usage = EXCLUDED.usage,
			warnings = EXCLUDED.warnings, started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at`,
		r.ID, r.TaskID, r.Description, cfg, string(r.Status), string(r.Phase), string(r.Reason),
		r.ReasonDetail, r.ErrorKind, string(r.Complexity), budgetJSON, planJSON, r.Feedback,
		r.Revision, r.LastReviewHash, usage, pgTextArray(r.Warnings),
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) AppendRound(ctx context.Context, runID string, rd run.Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO revision_rounds (run_id, round_index, code, tests, review, review_hash, verdict, outcome, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		runID, rd.Index, rd.Code, rd.Tests, rd.Review, rd.ReviewHash, rd.Verdict,
		string(rd.Outcome), string(rd.Reason), rd.CreatedAt)
	if err != nil {
		return fmt.Errorf("append round %d for run %s: %w", rd.Index, runID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}

	rounds, err := s.listRounds(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Rounds = rounds
	return r, nil
}

// ListRuns returns run headers, newest first. Rounds are not loaded.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]run.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) listRounds(ctx context.Context, runID string) ([]run.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT round_index, code, tests, review, review_hash, verdict, outcome, reason, created_at
		 FROM revision_rounds WHERE run_id = $1 ORDER BY round_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list rounds for run %s: %w", runID, err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (run.Round, error) {
		var rd run.Round
		var outcome, reason string
		err := row.Scan(&rd.Index, &rd.Code, &rd.Tests, &rd.Review, &rd.ReviewHash,
			&rd.Verdict, &outcome, &reason, &rd.CreatedAt)
		rd.Outcome = run.Outcome(outcome)
		rd.Reason = run.Reason(reason)
		return rd, err
	})
}

func scanRun(row scannable) (*run.Run, error) {
	var (
		r                                 run.Run
		cfg, budgetJSON, planJSON, usage  []byte
		status, phase, reason, complexity string
	)
	err := row.Scan(&r.ID, &r.TaskID, &r.Description, &cfg, &status, &phase, &reason,
		&r.ReasonDetail, &r.ErrorKind, &complexity, &budgetJSON, &planJSON, &r.Feedback,
		&r.Revision, &r.LastReviewHash, &usage, &r.Warnings,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Status = run.Status(status)
	r.Phase = run.Phase(phase)
	r.Reason = run.Reason(reason)
	r.Complexity = budget.Level(complexity)

	if err := json.Unmarshal(cfg, &r.Config); err != nil {
		return nil, fmt.Errorf("unmarshal run config: %w", err)
	}
	if err := json.Unmarshal(usage, &r.Usage); err != nil {
		return nil, fmt.Errorf("unmarshal run usage: %w", err)
	}
	if r.Budget, err = decodeJSON[budget.Allocation](budgetJSON); err != nil {
		return nil, fmt.Errorf("unmarshal run budget: %w", err)
	}
	if r.Plan, err = decodeJSON[plan.Plan](planJSON); err != nil {
		return nil, fmt.Errorf("unmarshal run plan: %w", err)
	}
	return &r, nil
}

// --- Metrics ---

func (s *Store) RecordMetric(ctx context.Context, m database.Metric) error {
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("marshal metric labels: %w", err)
	}
	if m.Labels == nil {
		labels = []byte("{}")
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_metrics (run_id, name, value, labels, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		m.RunID, m.Name, m.Value, labels, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("record metric %s: %w", m.Name, err)
	}
	return nil
}
