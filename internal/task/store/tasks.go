package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pocketagent/pocketagent/internal/common/apperr"
	"github.com/pocketagent/pocketagent/internal/db/dialect"
	"github.com/pocketagent/pocketagent/internal/task/models"
)

type taskRow struct {
	ID                 string       `db:"task_id"`
	Title              string       `db:"title"`
	Instructions       string       `db:"instructions"`
	Enabled            int          `db:"enabled"`
	ScheduleKind       string       `db:"schedule_kind"`
	OnceAt             sql.NullTime `db:"once_at"`
	CronExpr           string       `db:"cron_expr"`
	RRuleExpr          string       `db:"rrule_expr"`
	Timezone           string       `db:"timezone"`
	CreatorThreadKey   string       `db:"creator_thread_key"`
	OwnerUserKey       string       `db:"owner_user_key"`
	DeliveryTarget     string       `db:"delivery_target"`
	ExecutionThreadKey string       `db:"execution_thread_key"`
	NextRunAt          sql.NullTime `db:"next_run_at"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (r *taskRow) toModel() (*models.ScheduledTask, error) {
	task := &models.ScheduledTask{
		ID:                 r.ID,
		Title:              r.Title,
		Instructions:       r.Instructions,
		Enabled:            r.Enabled != 0,
		ScheduleKind:       models.ScheduleKind(r.ScheduleKind),
		CronExpr:           r.CronExpr,
		RRuleExpr:          r.RRuleExpr,
		Timezone:           r.Timezone,
		CreatorThreadKey:   r.CreatorThreadKey,
		OwnerUserKey:       r.OwnerUserKey,
		ExecutionThreadKey: r.ExecutionThreadKey,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.OnceAt.Valid {
		at := r.OnceAt.Time.UTC()
		task.OnceAt = &at
	}
	if r.NextRunAt.Valid {
		at := r.NextRunAt.Time.UTC()
		task.NextRunAt = &at
	}
	if r.DeliveryTarget != "" {
		if err := json.Unmarshal([]byte(r.DeliveryTarget), &task.DeliveryTarget); err != nil {
			return nil, fmt.Errorf("failed to decode delivery target for task %s: %w", r.ID, err)
		}
	}
	return task, nil
}

func encodeDeliveryTarget(target models.DeliveryTarget) (string, error) {
	encoded, err := json.Marshal(target)
	if err != nil {
		return "", fmt.Errorf("failed to encode delivery target: %w", err)
	}
	return string(encoded), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// CreateTask inserts a task, assigning an id when the caller supplied none.
func (s *Store) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	target, err := encodeDeliveryTarget(task.DeliveryTarget)
	if err != nil {
		return err
	}
	query := s.pool.Writer().Rebind(`
		INSERT INTO scheduled_tasks (task_id, title, instructions, enabled, schedule_kind, once_at,
			cron_expr, rrule_expr, timezone, creator_thread_key, owner_user_key, delivery_target,
			execution_thread_key, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.pool.Writer().ExecContext(ctx, query,
		task.ID, task.Title, task.Instructions, dialect.BoolToInt(task.Enabled), string(task.ScheduleKind),
		nullTime(task.OnceAt), task.CronExpr, task.RRuleExpr, task.Timezone, task.CreatorThreadKey,
		task.OwnerUserKey, target, task.ExecutionThreadKey, nullTime(task.NextRunAt),
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	var row taskRow
	query := s.pool.Reader().Rebind(`SELECT * FROM scheduled_tasks WHERE task_id = ?`)
	err := s.pool.Reader().GetContext(ctx, &row, query, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return row.toModel()
}

// ListTasks returns all tasks, oldest first.
func (s *Store) ListTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	query := `SELECT * FROM scheduled_tasks ORDER BY created_at ASC`
	return s.selectTasks(ctx, query)
}

// ListDueTasks returns enabled tasks whose next firing is at or before now,
// most overdue first.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	query := s.pool.Reader().Rebind(`
		SELECT * FROM scheduled_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC LIMIT ?`)
	return s.selectTasks(ctx, query, now.UTC(), limit)
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...any) ([]*models.ScheduledTask, error) {
	var rows []taskRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*models.ScheduledTask, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// UpdateTask persists the full mutable state of a task.
func (s *Store) UpdateTask(ctx context.Context, task *models.ScheduledTask) error {
	task.UpdatedAt = time.Now().UTC()
	target, err := encodeDeliveryTarget(task.DeliveryTarget)
	if err != nil {
		return err
	}
	query := s.pool.Writer().Rebind(`
		UPDATE scheduled_tasks SET title = ?, instructions = ?, enabled = ?, schedule_kind = ?,
			once_at = ?, cron_expr = ?, rrule_expr = ?, timezone = ?, owner_user_key = ?,
			delivery_target = ?, execution_thread_key = ?, next_run_at = ?, updated_at = ?
		WHERE task_id = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		task.Title, task.Instructions, dialect.BoolToInt(task.Enabled), string(task.ScheduleKind),
		nullTime(task.OnceAt), task.CronExpr, task.RRuleExpr, task.Timezone, task.OwnerUserKey,
		target, task.ExecutionThreadKey, nullTime(task.NextRunAt), task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res, "task %s not found", task.ID)
}

// DeleteTask removes a task and its occurrences.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM scheduled_task_runs WHERE task_id = ?`), taskID); err != nil {
			return fmt.Errorf("failed to delete task occurrences: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM scheduled_tasks WHERE task_id = ?`), taskID)
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return requireRow(res, "task %s not found", taskID)
	})
}

// SetTaskExecutionThread assigns the execution thread and updated delivery
// target. The assignment is first-writer-wins: an already-assigned task is
// left untouched and reported as a conflict.
func (s *Store) SetTaskExecutionThread(ctx context.Context, taskID, threadKey string, target models.DeliveryTarget) error {
	encoded, err := encodeDeliveryTarget(target)
	if err != nil {
		return err
	}
	query := s.pool.Writer().Rebind(`
		UPDATE scheduled_tasks SET execution_thread_key = ?, delivery_target = ?, updated_at = ?
		WHERE task_id = ? AND execution_thread_key = ''`)
	res, err := s.pool.Writer().ExecContext(ctx, query, threadKey, encoded, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to set execution thread: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return getErr
		}
		return apperr.Conflict("task %s already has an execution thread", taskID)
	}
	return nil
}

// ClearTaskExecutionThreadByThreadKey strips the execution thread pointer
// from every task bound to the given thread, keeping the chat id so a later
// dispatch can recreate the topic. Returns how many tasks were updated.
func (s *Store) ClearTaskExecutionThreadByThreadKey(ctx context.Context, threadKey string) (int, error) {
	var rows []taskRow
	query := s.pool.Reader().Rebind(`SELECT * FROM scheduled_tasks WHERE execution_thread_key = ?`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, threadKey); err != nil {
		return 0, fmt.Errorf("failed to list tasks by execution thread: %w", err)
	}

	cleared := 0
	for i := range rows {
		task, err := rows[i].toModel()
		if err != nil {
			return cleared, err
		}
		task.ExecutionThreadKey = ""
		task.DeliveryTarget.MessageThreadID = 0
		if err := s.UpdateTask(ctx, task); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

func requireRow(res sql.Result, format string, args ...any) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return apperr.NotFound(format, args...)
	}
	return nil
}
