// Package store provides durable state for scheduled tasks and their
// occurrences.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/pocketagent/pocketagent/internal/db"
)

// Store is the task-side repository over a shared database pool.
type Store struct {
	pool   *db.Pool
	driver string
}

// New creates the store and initializes its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool, driver: pool.DriverName()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return s, nil
}

// InTx runs fn inside one writer transaction. The occurrence claim and the
// task advance must share a transaction so a tick crash never fires the same
// scheduledFor twice.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// initSchema runs one statement per Exec; pgx's extended query protocol
// rejects multi-statement batches.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			schedule_kind TEXT NOT NULL,
			once_at TIMESTAMP,
			cron_expr TEXT NOT NULL DEFAULT '',
			rrule_expr TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			creator_thread_key TEXT NOT NULL DEFAULT '',
			owner_user_key TEXT NOT NULL DEFAULT '',
			delivery_target TEXT NOT NULL DEFAULT '{}',
			execution_thread_key TEXT NOT NULL DEFAULT '',
			next_run_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(enabled, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_exec_thread ON scheduled_tasks(execution_thread_key)`,
		`CREATE TABLE IF NOT EXISTS scheduled_task_runs (
			task_run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			scheduled_for TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			run_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(task_id, scheduled_for)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_task_runs_status ON scheduled_task_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_task_runs_task ON scheduled_task_runs(task_id, scheduled_for)`,
	}
	for _, statement := range statements {
		if _, err := s.pool.Writer().Exec(statement); err != nil {
			return err
		}
	}
	return nil
}
