package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/db/dialect"
	"github.com/pocketagent/pocketagent/internal/task/models"
)

// CreateOrGetTaskRun claims the occurrence (taskID, scheduledFor) inside the
// caller's transaction. The unique constraint makes the claim idempotent: a
// second tick (or crash recovery) gets the already-created row back.
func (s *Store) CreateOrGetTaskRun(ctx context.Context, tx *sqlx.Tx, taskID string, scheduledFor time.Time, idempotencyKey string) (*models.TaskRun, error) {
	scheduledFor = scheduledFor.UTC().Truncate(time.Millisecond)
	now := time.Now().UTC()

	insert := dialect.InsertIgnore(s.driver, `INSERT INTO scheduled_task_runs (task_run_id, task_id, scheduled_for, status, idempotency_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, tx.Rebind(insert),
		uuid.NewString(), taskID, scheduledFor, string(models.TaskRunPending), idempotencyKey, now, now); err != nil {
		return nil, fmt.Errorf("failed to claim occurrence: %w", err)
	}

	var run models.TaskRun
	query := tx.Rebind(`SELECT * FROM scheduled_task_runs WHERE task_id = ? AND scheduled_for = ?`)
	if err := tx.GetContext(ctx, &run, query, taskID, scheduledFor); err != nil {
		return nil, fmt.Errorf("failed to load occurrence: %w", err)
	}
	return &run, nil
}

// AdvanceTaskAfterOccurrence moves the task past a claimed occurrence, inside
// the same transaction: a once task disables, a recurring task gets its next
// firing.
func (s *Store) AdvanceTaskAfterOccurrence(ctx context.Context, tx *sqlx.Tx, taskID string, enabled bool, nextRunAt *time.Time) error {
	query := tx.Rebind(`UPDATE scheduled_tasks SET enabled = ?, next_run_at = ?, updated_at = ? WHERE task_id = ?`)
	res, err := tx.ExecContext(ctx, query, dialect.BoolToInt(enabled), nullTime(nextRunAt), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to advance task: %w", err)
	}
	return requireRow(res, "task %s not found", taskID)
}

// GetTaskRun loads one occurrence by id.
func (s *Store) GetTaskRun(ctx context.Context, taskRunID string) (*models.TaskRun, error) {
	var run models.TaskRun
	query := s.pool.Reader().Rebind(`SELECT * FROM scheduled_task_runs WHERE task_run_id = ?`)
	err := s.pool.Reader().GetContext(ctx, &run, query, taskRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task run %s not found", taskRunID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task run: %w", err)
	}
	return &run, nil
}

// MarkTaskRunDispatched records the run backing a pending occurrence.
func (s *Store) MarkTaskRunDispatched(ctx context.Context, taskRunID, runID string) error {
	query := s.pool.Writer().Rebind(`
		UPDATE scheduled_task_runs SET status = ?, run_id = ?, updated_at = ?
		WHERE task_run_id = ? AND status = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		string(models.TaskRunDispatched), runID, time.Now().UTC(), taskRunID, string(models.TaskRunPending))
	if err != nil {
		return fmt.Errorf("failed to mark task run dispatched: %w", err)
	}
	return s.requireTransition(ctx, taskRunID, res)
}

// MarkTaskRunTerminal finishes an occurrence. Only non-terminal occurrences
// move; a terminal one reports its current status.
func (s *Store) MarkTaskRunTerminal(ctx context.Context, taskRunID string, status models.TaskRunStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return apperr.Validation("status %q is not terminal", status)
	}
	query := s.pool.Writer().Rebind(`
		UPDATE scheduled_task_runs SET status = ?, error_message = ?, updated_at = ?
		WHERE task_run_id = ? AND status IN (?, ?)`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		string(status), errorMessage, time.Now().UTC(), taskRunID,
		string(models.TaskRunPending), string(models.TaskRunDispatched))
	if err != nil {
		return fmt.Errorf("failed to mark task run terminal: %w", err)
	}
	return s.requireTransition(ctx, taskRunID, res)
}

func (s *Store) requireTransition(ctx context.Context, taskRunID string, res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows > 0 {
		return nil
	}
	run, err := s.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return err
	}
	return apperr.Conflict("task run %s already %s", taskRunID, run.Status)
}

// ListTaskRunsByStatuses returns occurrences in any of the given states,
// oldest scheduled first.
func (s *Store) ListTaskRunsByStatuses(ctx context.Context, statuses []models.TaskRunStatus, limit int) ([]*models.TaskRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	query, args, err := sqlx.In(`SELECT * FROM scheduled_task_runs WHERE status IN (?) ORDER BY scheduled_for ASC LIMIT ?`, values, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build status query: %w", err)
	}
	return s.selectTaskRuns(ctx, s.pool.Reader().Rebind(query), args...)
}

// ListTaskRunsByTask returns a task's occurrence history, newest first.
func (s *Store) ListTaskRunsByTask(ctx context.Context, taskID string, limit int) ([]*models.TaskRun, error) {
	query := s.pool.Reader().Rebind(`SELECT * FROM scheduled_task_runs WHERE task_id = ? ORDER BY scheduled_for DESC LIMIT ?`)
	return s.selectTaskRuns(ctx, query, taskID, limit)
}

func (s *Store) selectTaskRuns(ctx context.Context, query string, args ...any) ([]*models.TaskRun, error) {
	var runs []*models.TaskRun
	if err := s.pool.Reader().SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	return runs, nil
}
