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
	"github.com/pocketagent/pocketagent/internal/run/models"
)

type runRow struct {
	ID           string    `db:"run_id"`
	Source       string    `db:"source"`
	ThreadKey    string    `db:"thread_key"`
	UserKey      string    `db:"user_key"`
	DeliveryMode string    `db:"delivery_mode"`
	InputText    string    `db:"input_text"`
	Status       string    `db:"status"`
	OutputJSON   string    `db:"output_json"`
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *runRow) toModel() (*models.Run, error) {
	run := &models.Run{
		ID:           r.ID,
		Source:       r.Source,
		ThreadKey:    r.ThreadKey,
		UserKey:      r.UserKey,
		DeliveryMode: models.DeliveryMode(r.DeliveryMode),
		InputText:    r.InputText,
		Status:       models.RunStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.OutputJSON != "" {
		var output models.RunOutput
		if err := json.Unmarshal([]byte(r.OutputJSON), &output); err != nil {
			return nil, fmt.Errorf("failed to decode run output for %s: %w", r.ID, err)
		}
		run.Output = &output
	}
	return run, nil
}

// CreateRun accepts an ingest request: it purges expired images, applies
// (source, idempotency_key) deduplication against the stored payload hash,
// and inserts the run, its images, and the ingest record in one transaction.
// A unique-constraint race on the ingest record falls back to one retry of
// the dedup lookup.
func (s *Store) CreateRun(ctx context.Context, req *models.IngestRequest) (*models.IngestResult, error) {
	if req.Source == "" {
		return nil, apperr.Validation("source is required")
	}
	if req.ThreadKey == "" {
		return nil, apperr.Validation("thread key is required")
	}
	if !req.DeliveryMode.Valid() {
		return nil, apperr.Validation("invalid delivery mode %q", req.DeliveryMode)
	}

	now := time.Now().UTC()
	// Opportunistic cleanup; ingest must not fail on it.
	_, _ = s.PurgeExpiredInputImages(ctx, now)

	payloadHash := models.HashIngestPayload(req)
	if req.IdempotencyKey != "" {
		result, err := s.lookupIngest(ctx, req.Source, req.IdempotencyKey, payloadHash)
		if err != nil || result != nil {
			return result, err
		}
	}

	run := &models.Run{
		ID:           uuid.NewString(),
		Source:       req.Source,
		ThreadKey:    req.ThreadKey,
		UserKey:      req.UserKey,
		DeliveryMode: req.DeliveryMode,
		InputText:    req.Text,
		Status:       models.RunStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO runs (run_id, source, thread_key, user_key, delivery_mode, input_text, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			run.ID, run.Source, run.ThreadKey, run.UserKey, string(run.DeliveryMode),
			run.InputText, string(run.Status), run.CreatedAt, run.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		for i, img := range req.Images {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO input_images (image_id, run_id, source, thread_key, mime, filename, position, content, expires_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				uuid.NewString(), run.ID, run.Source, run.ThreadKey, img.MIME, img.Filename,
				i, img.Bytes, now.Add(s.imageTTL), now); err != nil {
				return fmt.Errorf("failed to insert input image: %w", err)
			}
		}
		if req.IdempotencyKey != "" {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO message_ingest (source, idempotency_key, run_id, payload_hash, created_at)
				VALUES (?, ?, ?, ?, ?)`),
				req.Source, req.IdempotencyKey, run.ID, payloadHash, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if dialect.IsUniqueViolation(err) && req.IdempotencyKey != "" {
			result, lookupErr := s.lookupIngest(ctx, req.Source, req.IdempotencyKey, payloadHash)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if result != nil {
				return result, nil
			}
		}
		return nil, err
	}

	return &models.IngestResult{Run: run}, nil
}

func (s *Store) lookupIngest(ctx context.Context, source, idempotencyKey, payloadHash string) (*models.IngestResult, error) {
	var rec struct {
		RunID       string `db:"run_id"`
		PayloadHash string `db:"payload_hash"`
	}
	query := s.pool.Reader().Rebind(`SELECT run_id, payload_hash FROM message_ingest WHERE source = ? AND idempotency_key = ?`)
	err := s.pool.Reader().GetContext(ctx, &rec, query, source, idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ingest record: %w", err)
	}
	if rec.PayloadHash != payloadHash {
		return nil, apperr.Conflict("idempotency_payload_mismatch")
	}
	run, err := s.GetRun(ctx, rec.RunID)
	if err != nil {
		return nil, err
	}
	return &models.IngestResult{Run: run, Deduplicated: true}, nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var row runRow
	query := s.pool.Reader().Rebind(`SELECT * FROM runs WHERE run_id = ?`)
	err := s.pool.Reader().GetContext(ctx, &row, query, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return row.toModel()
}

// ListRunningRuns returns runs still marked running, oldest first.
func (s *Store) ListRunningRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	query := s.pool.Reader().Rebind(`SELECT * FROM runs WHERE status = ? ORDER BY created_at ASC LIMIT ?`)
	return s.listRuns(ctx, query, string(models.RunStatusRunning), limit)
}

// ListRecentRuns returns the most recently created runs, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	query := s.pool.Reader().Rebind(`SELECT * FROM runs ORDER BY created_at DESC LIMIT ?`)
	return s.listRuns(ctx, query, limit)
}

func (s *Store) listRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	var rows []runRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]*models.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// MarkSucceeded transitions a running run to succeeded and stores its output.
// The update is guarded on status so a terminal run can never be overwritten;
// a zero-row update reports the current status.
func (s *Store) MarkSucceeded(ctx context.Context, runID string, output *models.RunOutput) error {
	payload := ""
	if output != nil {
		encoded, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("failed to encode run output: %w", err)
		}
		payload = string(encoded)
	}
	query := s.pool.Writer().Rebind(`
		UPDATE runs SET status = ?, output_json = ?, updated_at = ?
		WHERE run_id = ? AND status = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		string(models.RunStatusSucceeded), payload, time.Now().UTC(), runID, string(models.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to mark run succeeded: %w", err)
	}
	return s.checkTransition(ctx, runID, res)
}

// MarkFailed transitions a running run to failed with the given message.
func (s *Store) MarkFailed(ctx context.Context, runID, message string) error {
	query := s.pool.Writer().Rebind(`
		UPDATE runs SET status = ?, error_message = ?, updated_at = ?
		WHERE run_id = ? AND status = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		string(models.RunStatusFailed), message, time.Now().UTC(), runID, string(models.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return s.checkTransition(ctx, runID, res)
}

func (s *Store) checkTransition(ctx context.Context, runID string, res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var status string
	query := s.pool.Writer().Rebind(`SELECT status FROM runs WHERE run_id = ?`)
	err = s.pool.Writer().GetContext(ctx, &status, query, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("run %s not found", runID)
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	return apperr.Conflict("run %s already %s", runID, status)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
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
