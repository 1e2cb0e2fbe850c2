package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/atsume/internal/model"
)

// RunStore persists collection runs and their tasks.
type RunStore struct {
	db *DB
}

// Runs returns the run store backed by db.
func (db *DB) Runs() *RunStore {
	return &RunStore{db: db}
}

const upsertRunSQL = `
	INSERT INTO collection_runs (id, query_design_id, account_id, trigger, status, reason,
		reserved_credits, settled_credits, created_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		reason = EXCLUDED.reason,
		reserved_credits = EXCLUDED.reserved_credits,
		settled_credits = EXCLUDED.settled_credits,
		completed_at = EXCLUDED.completed_at`

const upsertTaskSQL = `
	INSERT INTO collection_tasks (id, run_id, platform_name, task_name, status, reservation_id,
		reserved_cost, cost, error, detail, created_at, started_at, finished_at, last_updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		reservation_id = EXCLUDED.reservation_id,
		reserved_cost = EXCLUDED.reserved_cost,
		cost = EXCLUDED.cost,
		error = EXCLUDED.error,
		detail = EXCLUDED.detail,
		started_at = EXCLUDED.started_at,
		finished_at = EXCLUDED.finished_at,
		last_updated_at = EXCLUDED.last_updated_at`

func runArgs(r model.CollectionRun) []any {
	return []any{
		r.ID, r.QueryDesignID, r.AccountID, string(r.Trigger), string(r.Status), r.Reason,
		r.ReservedCredits, r.SettledCredits, r.CreatedAt, r.CompletedAt,
	}
}

func taskArgs(t model.CollectionTask) []any {
	detail := t.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	return []any{
		t.ID, t.RunID, t.PlatformName, t.TaskName, string(t.Status), t.Reservation,
		t.ReservedCost, t.Cost, t.Error, detail, t.CreatedAt, t.StartedAt, t.FinishedAt, t.LastUpdatedAt,
	}
}

// CreateRun inserts a run together with its initial tasks in one transaction.
func (s *RunStore) CreateRun(ctx context.Context, r model.CollectionRun, tasks []model.CollectionTask) error {
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertRunSQL, runArgs(r)...); err != nil {
			return err
		}
		for _, t := range tasks {
			if _, err := tx.Exec(ctx, upsertTaskSQL, taskArgs(t)...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// SaveRun upserts a run's mutable fields.
func (s *RunStore) SaveRun(ctx context.Context, r model.CollectionRun) error {
	if _, err := s.db.pool.Exec(ctx, upsertRunSQL, runArgs(r)...); err != nil {
		return fmt.Errorf("storage: save run: %w", err)
	}
	return nil
}

// SaveTask upserts a task's mutable fields.
func (s *RunStore) SaveTask(ctx context.Context, t model.CollectionTask) error {
	if _, err := s.db.pool.Exec(ctx, upsertTaskSQL, taskArgs(t)...); err != nil {
		return fmt.Errorf("storage: save task: %w", err)
	}
	return nil
}

const runColumns = `id, query_design_id, account_id, trigger, status, reason,
	reserved_credits, settled_credits, created_at, completed_at`

func scanRun(row pgx.Row) (model.CollectionRun, error) {
	var r model.CollectionRun
	err := row.Scan(
		&r.ID, &r.QueryDesignID, &r.AccountID, &r.Trigger, &r.Status, &r.Reason,
		&r.ReservedCredits, &r.SettledCredits, &r.CreatedAt, &r.CompletedAt,
	)
	return r, err
}

// GetRun retrieves a run by ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (model.CollectionRun, error) {
	r, err := scanRun(s.db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM collection_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CollectionRun{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return model.CollectionRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListTasks returns a run's tasks ordered by platform name.
func (s *RunStore) ListTasks(ctx context.Context, runID uuid.UUID) ([]model.CollectionTask, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT id, run_id, platform_name, task_name, status, reservation_id, reserved_cost, cost,
		        error, detail, created_at, started_at, finished_at, last_updated_at
		 FROM collection_tasks WHERE run_id = $1 ORDER BY platform_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.CollectionTask
	for rows.Next() {
		var t model.CollectionTask
		if err := rows.Scan(
			&t.ID, &t.RunID, &t.PlatformName, &t.TaskName, &t.Status, &t.Reservation, &t.ReservedCost, &t.Cost,
			&t.Error, &t.Detail, &t.CreatedAt, &t.StartedAt, &t.FinishedAt, &t.LastUpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListRuns returns the most recent runs of a query design, newest first.
// A nil queryDesignID lists across all designs.
func (s *RunStore) ListRuns(ctx context.Context, queryDesignID uuid.UUID, limit int) ([]model.CollectionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM collection_runs
		 WHERE ($1 = '00000000-0000-0000-0000-000000000000'::uuid OR query_design_id = $1)
		 ORDER BY created_at DESC LIMIT $2`, queryDesignID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.CollectionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
