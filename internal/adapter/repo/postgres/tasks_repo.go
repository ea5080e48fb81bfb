package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

const taskColumns = `id, user_id, platform_connection_id, status, settings, results,
	progress_percent, current_step, error_message, cancel_requested, created_at, started_at, completed_at`

// TaskRepo persists caption generation tasks and their state machine. Tasks
// are user-scoped, not platform-scoped: the owning user and target connection
// are fixed at enqueue time.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// Create inserts a queued task and returns its id. The one-active-per-user
// partial unique index enforces the single active task invariant at the
// storage layer; a violation surfaces as ErrTaskActiveExists.
func (r *TaskRepo) Create(ctx domain.Context, t domain.CaptionGenerationTask) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return "", fmt.Errorf("op=task.create: marshal settings: %w", err)
	}
	q := `INSERT INTO caption_tasks (id, user_id, platform_connection_id, status, settings, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6)`
	_, err = querier(ctx, r.Pool).Exec(ctx, q, id, t.UserID, t.PlatformConnectionID, domain.TaskQueued, settings, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) && constraintName(err) == "caption_tasks_one_active" {
			return "", fmt.Errorf("op=task.create: %w", domain.ErrTaskActiveExists)
		}
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.CaptionGenerationTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM caption_tasks WHERE id=$1`
	t, err := scanTask(querier(ctx, r.Pool).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CaptionGenerationTask{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.CaptionGenerationTask{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// CompareAndSwapStatus transitions id from -> to atomically. It returns
// (false, nil) when another actor won the race; illegal transitions are
// rejected before touching the database.
func (r *TaskRepo) CompareAndSwapStatus(ctx domain.Context, id string, from, to domain.TaskStatus) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CompareAndSwapStatus")
	defer span.End()
	if !domain.ValidTaskTransition(from, to) {
		return false, fmt.Errorf("op=task.cas: transition %s->%s: %w", from, to, domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	q := `UPDATE caption_tasks SET status=$3,
	       started_at   = CASE WHEN $3 = 'running' THEN $4 ELSE started_at END,
	       completed_at = CASE WHEN $3 IN ('completed','failed','cancelled') THEN $4 ELSE completed_at END
	      WHERE id=$1 AND status=$2`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, id, from, to, now)
	if err != nil {
		return false, fmt.Errorf("op=task.cas: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActiveForUser returns the user's queued or running task, if any.
func (r *TaskRepo) ActiveForUser(ctx domain.Context, userID string) (domain.CaptionGenerationTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ActiveForUser")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM caption_tasks WHERE user_id=$1 AND status IN ('queued','running') LIMIT 1`
	t, err := scanTask(querier(ctx, r.Pool).QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CaptionGenerationTask{}, fmt.Errorf("op=task.active_for_user: %w", domain.ErrNotFound)
		}
		return domain.CaptionGenerationTask{}, fmt.Errorf("op=task.active_for_user: %w", err)
	}
	return t, nil
}

// RequestCancel flags an active task for cooperative cancellation. The worker
// observes the flag at its next checkpoint.
func (r *TaskRepo) RequestCancel(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RequestCancel")
	defer span.End()
	q := `UPDATE caption_tasks SET cancel_requested=TRUE WHERE id=$1 AND status IN ('queued','running')`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=task.request_cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status domain.TaskStatus
		err := querier(ctx, r.Pool).QueryRow(ctx, `SELECT status FROM caption_tasks WHERE id=$1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=task.request_cancel: %w", domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("op=task.request_cancel: %w", err)
		}
		return fmt.Errorf("op=task.request_cancel: status %s: %w", status, domain.ErrTaskNotCancellable)
	}
	return nil
}

// CancelRequested reports whether cancellation was requested for id.
func (r *TaskRepo) CancelRequested(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CancelRequested")
	defer span.End()
	var flag bool
	err := querier(ctx, r.Pool).QueryRow(ctx, `SELECT cancel_requested FROM caption_tasks WHERE id=$1`, id).Scan(&flag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("op=task.cancel_requested: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=task.cancel_requested: %w", err)
	}
	return flag, nil
}

// UpdateProgress advances a running task's progress. Percent never moves
// backwards.
func (r *TaskRepo) UpdateProgress(ctx domain.Context, id string, percent int, step string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateProgress")
	defer span.End()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	q := `UPDATE caption_tasks SET progress_percent=GREATEST(progress_percent,$2), current_step=$3 WHERE id=$1 AND status='running'`
	if _, err := querier(ctx, r.Pool).Exec(ctx, q, id, percent, step); err != nil {
		return fmt.Errorf("op=task.update_progress: %w", err)
	}
	return nil
}

// Complete moves a task to a terminal status with its results document.
func (r *TaskRepo) Complete(ctx domain.Context, id string, status domain.TaskStatus, errMsg string, results *domain.GenerationResults) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Complete")
	defer span.End()
	if !status.Terminal() {
		return fmt.Errorf("op=task.complete: status %s not terminal: %w", status, domain.ErrInvalidArgument)
	}
	var resultsJSON []byte
	if results != nil {
		b, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("op=task.complete: marshal results: %w", err)
		}
		resultsJSON = b
	}
	now := time.Now().UTC()
	q := `UPDATE caption_tasks SET status=$2, error_message=$3, results=$4, completed_at=$5,
	       progress_percent = CASE WHEN $2 = 'completed' THEN 100 ELSE progress_percent END
	      WHERE id=$1 AND status IN ('queued','running')`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, id, status, errMsg, resultsJSON, now)
	if err != nil {
		return fmt.Errorf("op=task.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.complete: %w", domain.ErrNotFound)
	}
	return nil
}

// ListActive returns every queued or running task, oldest first. Used by the
// stuck task sweeper and the admin dashboard.
func (r *TaskRepo) ListActive(ctx domain.Context) ([]domain.CaptionGenerationTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListActive")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM caption_tasks WHERE status IN ('queued','running') ORDER BY created_at ASC`
	return r.list(ctx, "op=task.list_active", q)
}

// ListByUser pages through a user's task history, newest first.
func (r *TaskRepo) ListByUser(ctx domain.Context, userID string, offset, limit int) ([]domain.CaptionGenerationTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByUser")
	defer span.End()
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + taskColumns + ` FROM caption_tasks WHERE user_id=$1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`
	return r.list(ctx, "op=task.list_by_user", q, userID, offset, limit)
}

func (r *TaskRepo) list(ctx domain.Context, op, q string, args ...any) ([]domain.CaptionGenerationTask, error) {
	rows, err := querier(ctx, r.Pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.CaptionGenerationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// DeleteTerminalOlderThan removes terminal tasks completed before cutoff and
// returns how many rows were deleted.
func (r *TaskRepo) DeleteTerminalOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.DeleteTerminalOlderThan")
	defer span.End()
	q := `DELETE FROM caption_tasks WHERE status IN ('completed','failed','cancelled') AND completed_at < $1`
	tag, err := querier(ctx, r.Pool).Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=task.delete_terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueStuck returns running tasks older than olderThan to the queue so a
// healthy worker can pick them up again, and reports their ids.
func (r *TaskRepo) RequeueStuck(ctx domain.Context, olderThan time.Duration) ([]string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RequeueStuck")
	defer span.End()
	cutoff := time.Now().UTC().Add(-olderThan)
	q := `UPDATE caption_tasks SET status='queued', started_at=NULL, progress_percent=0, current_step=''
	      WHERE status='running' AND started_at < $1
	      RETURNING id`
	rows, err := querier(ctx, r.Pool).Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=task.requeue_stuck: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=task.requeue_stuck: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.requeue_stuck: %w", err)
	}
	return ids, nil
}

// Stats aggregates queue depth and completion counters for the admin API.
func (r *TaskRepo) Stats(ctx domain.Context) (domain.TaskStats, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Stats")
	defer span.End()
	q := `SELECT
	    COUNT(*) FILTER (WHERE status='queued'),
	    COUNT(*) FILTER (WHERE status='running'),
	    COUNT(*) FILTER (WHERE status='completed'),
	    COUNT(*) FILTER (WHERE status='failed'),
	    COUNT(*) FILTER (WHERE status='cancelled'),
	    COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))) FILTER (WHERE status='completed' AND started_at IS NOT NULL), 0)
	  FROM caption_tasks`
	var s domain.TaskStats
	err := querier(ctx, r.Pool).QueryRow(ctx, q).Scan(&s.QueueDepth, &s.Running,
		&s.CompletedTotal, &s.FailedTotal, &s.CancelledTotal, &s.AvgRuntimeSeconds)
	if err != nil {
		return domain.TaskStats{}, fmt.Errorf("op=task.stats: %w", err)
	}
	if done := s.CompletedTotal + s.FailedTotal; done > 0 {
		s.SuccessRate = float64(s.CompletedTotal) / float64(done)
	}
	return s, nil
}

func scanTask(row pgx.Row) (domain.CaptionGenerationTask, error) {
	var (
		t           domain.CaptionGenerationTask
		settingsRaw []byte
		resultsRaw  []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &t.PlatformConnectionID, &t.Status, &settingsRaw, &resultsRaw,
		&t.ProgressPercent, &t.CurrentStep, &t.ErrorMessage, &t.CancelRequested,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return domain.CaptionGenerationTask{}, err
	}
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &t.Settings); err != nil {
			return domain.CaptionGenerationTask{}, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	if len(resultsRaw) > 0 {
		var res domain.GenerationResults
		if err := json.Unmarshal(resultsRaw, &res); err != nil {
			return domain.CaptionGenerationTask{}, fmt.Errorf("unmarshal results: %w", err)
		}
		t.Results = &res
	}
	return t, nil
}
