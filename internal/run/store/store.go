// Package store provides the durable run-side state: runs, ingest dedup
// records, input images, and per-thread session pointers.
package store

import (
	"fmt"
	"time"

	"github.com/pocketagent/pocketagent/internal/db"
	"github.com/pocketagent/pocketagent/internal/db/dialect"
	"github.com/pocketagent/pocketagent/internal/run/models"
)

// Store is the run-side repository over a shared database pool.
type Store struct {
	pool     *db.Pool
	driver   string
	imageTTL time.Duration
}

// Option customizes a Store.
type Option func(*Store)

// WithImageTTL overrides how long input images are retained before the
// opportunistic purge drops them.
func WithImageTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.imageTTL = ttl
		}
	}
}

// New creates the store and initializes its schema.
func New(pool *db.Pool, opts ...Option) (*Store, error) {
	s := &Store{pool: pool, driver: pool.DriverName(), imageTTL: models.InputImageTTL}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize run schema: %w", err)
	}
	return s, nil
}

// initSchema runs one statement per Exec; pgx's extended query protocol
// rejects multi-statement batches.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			thread_key TEXT NOT NULL,
			user_key TEXT NOT NULL DEFAULT '',
			delivery_mode TEXT NOT NULL DEFAULT 'followUp',
			input_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			output_json TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread_created ON runs(thread_key, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_ingest (
			source TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (source, idempotency_key)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS input_images (
			image_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			thread_key TEXT NOT NULL,
			mime TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			content %s NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, dialect.Blob(s.driver)),
		`CREATE INDEX IF NOT EXISTS idx_input_images_run_id ON input_images(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_input_images_expires_at ON input_images(expires_at)`,
		`CREATE TABLE IF NOT EXISTS thread_sessions (
			thread_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			session_file_path TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, statement := range statements {
		if _, err := s.pool.Writer().Exec(statement); err != nil {
			return err
		}
	}
	return nil
}
