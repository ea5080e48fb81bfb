package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces data retention: terminal caption tasks past the
// retention window are dropped, as are error-status images whose post no
// longer exists on record.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
	BatchSize     int
}

// NewCleanupService creates a cleanup service with the given retention and
// delete batch size.
func NewCleanupService(pool PgxPool, retentionDays, batchSize int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays, BatchSize: batchSize}
}

// CleanupOldData removes rows older than the retention period. Deletes run in
// batches, each in its own transaction, so a large backlog never holds row
// locks across the whole sweep.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	deletedTasks, err := s.deleteBatched(ctx,
		`DELETE FROM caption_tasks WHERE id IN (
			SELECT id FROM caption_tasks
			WHERE status IN ('completed','failed','cancelled') AND completed_at < $1
			LIMIT $2)`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.tasks: %w", err)
	}

	deletedImages, err := s.deleteBatched(ctx,
		`DELETE FROM images WHERE id IN (
			SELECT id FROM images
			WHERE status='error' AND updated_at < $1
			LIMIT $2)`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.images: %w", err)
	}

	deletedRuns, err := s.deleteBatched(ctx,
		`DELETE FROM processing_runs WHERE id IN (
			SELECT id FROM processing_runs
			WHERE status IN ('completed','failed','cancelled') AND completed_at < $1
			LIMIT $2)`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.runs: %w", err)
	}

	slog.Info("retention sweep done",
		slog.Int64("deleted_tasks", deletedTasks),
		slog.Int64("deleted_images", deletedImages),
		slog.Int64("deleted_runs", deletedRuns),
		slog.Time("cutoff", cutoff))
	return nil
}

// deleteBatched repeats a LIMIT-bounded delete until a batch comes back
// short. Each batch commits on its own.
func (s *CleanupService) deleteBatched(ctx context.Context, sql string, cutoff time.Time) (int64, error) {
	var total int64
	for {
		var affected int64
		err := WithSession(ctx, s.Pool, func(ctx context.Context) error {
			tag, err := querier(ctx, s.Pool).Exec(ctx, sql, cutoff, s.BatchSize)
			if err != nil {
				return err
			}
			affected = tag.RowsAffected()
			return nil
		})
		if err != nil {
			return total, err
		}
		total += affected
		if affected < int64(s.BatchSize) {
			return total, nil
		}
	}
}
