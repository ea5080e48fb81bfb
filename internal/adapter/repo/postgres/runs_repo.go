package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/platformctx"
)

const runColumns = `id, user_id, platform_connection_id, batch_id, posts_processed, images_processed,
	captions_generated, errors_count, retry_attempts, retry_successes, status, started_at, completed_at`

// RunRepo persists processing run statistics. Scoped to the platform
// connection bound in the context.
type RunRepo struct{ Pool PgxPool }

// NewRunRepo constructs a RunRepo with the given pool.
func NewRunRepo(p PgxPool) *RunRepo { return &RunRepo{Pool: p} }

// Create opens a run record and returns its id. BatchID must be set; it is
// the ULID stamped on every image the run touches.
func (r *RunRepo) Create(ctx domain.Context, run domain.ProcessingRun) (string, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Create")
	defer span.End()
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return "", fmt.Errorf("op=run.create: %w", err)
	}
	if run.BatchID == "" {
		return "", fmt.Errorf("op=run.create: empty batch_id: %w", domain.ErrInvalidArgument)
	}
	id := run.ID
	if id == "" {
		id = uuid.New().String()
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	q := `INSERT INTO processing_runs (id, user_id, platform_connection_id, batch_id, status, started_at)
	      VALUES ($1,$2,$3,$4,$5,$6)`
	_, err = querier(ctx, r.Pool).Exec(ctx, q, id, pc.UserID, pc.ConnectionID, run.BatchID, domain.RunRunning, startedAt)
	if err != nil {
		return "", fmt.Errorf("op=run.create: %w", err)
	}
	return id, nil
}

// Finish closes a run with its final counters and status.
func (r *RunRepo) Finish(ctx domain.Context, run domain.ProcessingRun) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Finish")
	defer span.End()
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return fmt.Errorf("op=run.finish: %w", err)
	}
	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	q := `UPDATE processing_runs SET posts_processed=$3, images_processed=$4, captions_generated=$5,
	       errors_count=$6, retry_attempts=$7, retry_successes=$8, status=$9, completed_at=$10
	      WHERE platform_connection_id=$1 AND id=$2`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, pc.ConnectionID, run.ID, run.PostsProcessed, run.ImagesProcessed,
		run.CaptionsGenerated, run.ErrorsCount, run.RetryAttempts, run.RetrySuccesses, run.Status, completedAt)
	if err != nil {
		return fmt.Errorf("op=run.finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=run.finish: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads a run by id within the bound connection.
func (r *RunRepo) Get(ctx domain.Context, id string) (domain.ProcessingRun, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Get")
	defer span.End()
	pc, err := platformctx.Require(ctx)
	if err != nil {
		return domain.ProcessingRun{}, fmt.Errorf("op=run.get: %w", err)
	}
	q := `SELECT ` + runColumns + ` FROM processing_runs WHERE platform_connection_id=$1 AND id=$2`
	row := querier(ctx, r.Pool).QueryRow(ctx, q, pc.ConnectionID, id)
	var run domain.ProcessingRun
	if err := row.Scan(&run.ID, &run.UserID, &run.PlatformConnectionID, &run.BatchID, &run.PostsProcessed,
		&run.ImagesProcessed, &run.CaptionsGenerated, &run.ErrorsCount, &run.RetryAttempts, &run.RetrySuccesses,
		&run.Status, &run.StartedAt, &run.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessingRun{}, fmt.Errorf("op=run.get: %w", domain.ErrNotFound)
		}
		return domain.ProcessingRun{}, fmt.Errorf("op=run.get: %w", err)
	}
	return run, nil
}
