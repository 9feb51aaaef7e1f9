package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketagent/pocketagent/internal/run/models"
)

// ListRunInputImages returns a run's images in attachment order.
func (s *Store) ListRunInputImages(ctx context.Context, runID string) ([]*models.InputImage, error) {
	var images []*models.InputImage
	query := s.pool.Reader().Rebind(`SELECT * FROM input_images WHERE run_id = ? ORDER BY position ASC`)
	if err := s.pool.Reader().SelectContext(ctx, &images, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list input images: %w", err)
	}
	return images, nil
}

// DeleteRunInputImages removes all images bound to a run.
func (s *Store) DeleteRunInputImages(ctx context.Context, runID string) error {
	query := s.pool.Writer().Rebind(`DELETE FROM input_images WHERE run_id = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("failed to delete input images: %w", err)
	}
	return nil
}

// PurgeExpiredInputImages removes every image past its expiry, both pending
// and run-bound rows, and returns how many were dropped.
func (s *Store) PurgeExpiredInputImages(ctx context.Context, now time.Time) (int64, error) {
	query := s.pool.Writer().Rebind(`DELETE FROM input_images WHERE expires_at <= ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge input images: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return purged, nil
}
