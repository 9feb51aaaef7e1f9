package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketagent/pocketagent/internal/db/dialect"
	"github.com/pocketagent/pocketagent/internal/run/models"
)

// GetThreadSession returns the session pointer for a thread, or nil when the
// thread has none.
func (s *Store) GetThreadSession(ctx context.Context, threadKey string) (*models.ThreadSession, error) {
	var session models.ThreadSession
	query := s.pool.Reader().Rebind(`SELECT * FROM thread_sessions WHERE thread_key = ?`)
	err := s.pool.Reader().GetContext(ctx, &session, query, threadKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread session: %w", err)
	}
	return &session, nil
}

// UpsertThreadSession creates or replaces the session pointer for a thread.
func (s *Store) UpsertThreadSession(ctx context.Context, threadKey, sessionID, filePath string) error {
	now := time.Now().UTC()
	query := s.pool.Writer().Rebind(`
		INSERT INTO thread_sessions (thread_key, session_id, session_file_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)` +
		dialect.UpsertClause("thread_key",
			"session_id = excluded.session_id, session_file_path = excluded.session_file_path, updated_at = excluded.updated_at"))
	if _, err := s.pool.Writer().ExecContext(ctx, query, threadKey, sessionID, filePath, now, now); err != nil {
		return fmt.Errorf("failed to upsert thread session: %w", err)
	}
	return nil
}

// DeleteThreadSession removes the session pointer for a thread. Deleting a
// missing pointer is a no-op.
func (s *Store) DeleteThreadSession(ctx context.Context, threadKey string) error {
	query := s.pool.Writer().Rebind(`DELETE FROM thread_sessions WHERE thread_key = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, threadKey); err != nil {
		return fmt.Errorf("failed to delete thread session: %w", err)
	}
	return nil
}
