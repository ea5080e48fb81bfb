package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// StuckTaskSweeper returns tasks abandoned mid-run (worker crash, broker
// partition loss) to the queue and re-produces their records so a healthy
// worker picks them up.
type StuckTaskSweeper struct {
	tasks     domain.TaskRepository
	queue     domain.TaskQueue
	threshold time.Duration
	interval  time.Duration
}

func NewStuckTaskSweeper(tasks domain.TaskRepository, queue domain.TaskQueue, threshold, interval time.Duration) *StuckTaskSweeper {
	if tasks == nil || queue == nil {
		return nil
	}
	if threshold <= 0 {
		threshold = 45 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckTaskSweeper{tasks: tasks, queue: queue, threshold: threshold, interval: interval}
}

// Run sweeps until the context ends. Safe to call on a nil sweeper.
func (s *StuckTaskSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck task sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckTaskSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.sweeper")
	ctx, span := tracer.Start(ctx, "StuckTaskSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("tasks.threshold_seconds", s.threshold.Seconds()))

	ids, err := s.tasks.RequeueStuck(ctx, s.threshold)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck task sweep failed", slog.Any("error", err))
		return
	}
	if len(ids) == 0 {
		return
	}

	requeued := 0
	for _, id := range ids {
		t, err := s.tasks.Get(ctx, id)
		if err != nil {
			slog.Error("stuck task reload failed", slog.String("task_id", id), slog.Any("error", err))
			continue
		}
		_, err = s.queue.EnqueueCaptionTask(ctx, domain.CaptionTaskPayload{
			TaskID:               t.ID,
			UserID:               t.UserID,
			PlatformConnectionID: t.PlatformConnectionID,
		})
		if err != nil {
			// The row stays queued; the next sweep or a manual requeue
			// retries the produce.
			slog.Error("stuck task re-enqueue failed", slog.String("task_id", id), slog.Any("error", err))
			continue
		}
		requeued++
	}
	span.SetAttributes(
		attribute.Int("tasks.stuck", len(ids)),
		attribute.Int("tasks.requeued", requeued),
	)
	slog.Warn("stuck tasks returned to queue",
		slog.Int("stuck", len(ids)), slog.Int("requeued", requeued))
}

// RetentionSweeper is the periodic data-retention pass.
type RetentionSweeper interface {
	CleanupOldData(ctx context.Context) error
}

// RetentionJanitor runs the retention sweep on a fixed interval.
type RetentionJanitor struct {
	sweeper  RetentionSweeper
	interval time.Duration
}

func NewRetentionJanitor(sweeper RetentionSweeper, interval time.Duration) *RetentionJanitor {
	if sweeper == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionJanitor{sweeper: sweeper, interval: interval}
}

// Run sweeps until the context ends. Safe to call on a nil janitor.
func (j *RetentionJanitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention janitor stopping")
			return
		case <-ticker.C:
			tracer := otel.Tracer("tasks.janitor")
			sweepCtx, span := tracer.Start(ctx, "RetentionJanitor.sweep")
			if err := j.sweeper.CleanupOldData(sweepCtx); err != nil {
				span.RecordError(err)
				slog.Error("retention sweep failed", slog.Any("error", err))
			}
			span.End()
		}
	}
}
