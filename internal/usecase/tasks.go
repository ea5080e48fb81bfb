// Package usecase contains the application services behind the HTTP API:
// task submission and supervision, human caption review, and platform
// connection management.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/observability"
	"github.com/vedfolnir/vedfolnir/internal/service/recovery"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// TaskService orchestrates caption task submission, status reads,
// cancellation and supervision.
type TaskService struct {
	Tasks    domain.TaskRepository
	Conns    domain.PlatformConnectionRepository
	Queue    domain.TaskQueue
	Progress domain.ProgressSink
}

// NewTaskService constructs a TaskService with its dependencies.
func NewTaskService(t domain.TaskRepository, c domain.PlatformConnectionRepository, q domain.TaskQueue, p domain.ProgressSink) TaskService {
	return TaskService{Tasks: t, Conns: c, Queue: q, Progress: p}
}

// TaskStatusView is the API snapshot of a task. Error holds a sanitized
// message; the raw failure stays in the database for operators.
type TaskStatusView struct {
	ID                   string            `json:"id"`
	Status               domain.TaskStatus `json:"status"`
	PlatformConnectionID string            `json:"platform_connection_id"`
	ProgressPercent      int               `json:"progress_percent"`
	CurrentStep          string            `json:"current_step,omitempty"`
	CancelRequested      bool              `json:"cancel_requested,omitempty"`
	Error                string            `json:"error,omitempty"`
	ErrorCategory        string            `json:"error_category,omitempty"`
	Guidance             string            `json:"guidance,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
}

// Enqueue validates the connection and settings, creates the task row and
// produces the queue record. One active task per user is enforced both here
// and by a partial unique index, so a lost race still fails cleanly.
func (s TaskService) Enqueue(ctx domain.Context, userID, connectionID string, settings domain.CaptionGenerationSettings) (string, error) {
	if userID == "" || connectionID == "" {
		return "", fmt.Errorf("op=task.enqueue: %w: user and connection ids required", domain.ErrInvalidArgument)
	}
	conn, err := s.Conns.Get(ctx, userID, connectionID)
	if err != nil {
		return "", fmt.Errorf("op=task.enqueue: %w", err)
	}
	if !conn.IsActive {
		return "", fmt.Errorf("op=task.enqueue: connection %s is inactive: %w", conn.ID, domain.ErrInvalidArgument)
	}

	settings = settings.Normalize()
	if err := settings.Validate(); err != nil {
		return "", fmt.Errorf("op=task.enqueue: %w", err)
	}

	if active, err := s.Tasks.ActiveForUser(ctx, userID); err == nil {
		return "", fmt.Errorf("op=task.enqueue: task %s still %s: %w", active.ID, active.Status, domain.ErrTaskActiveExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("op=task.enqueue: %w", err)
	}

	taskID, err := s.Tasks.Create(ctx, domain.CaptionGenerationTask{
		UserID:               userID,
		PlatformConnectionID: conn.ID,
		Status:               domain.TaskQueued,
		Settings:             settings,
	})
	if err != nil {
		return "", fmt.Errorf("op=task.enqueue: %w", err)
	}

	payload := domain.CaptionTaskPayload{TaskID: taskID, UserID: userID, PlatformConnectionID: conn.ID}
	if _, err := s.Queue.EnqueueCaptionTask(ctx, payload); err != nil {
		msg := "enqueue failed: " + err.Error()
		if failErr := s.Tasks.Complete(ctx, taskID, domain.TaskFailed, msg, nil); failErr != nil {
			observability.LoggerFromContext(ctx).Error("could not fail unqueued task",
				slog.String("task_id", taskID), slog.Any("error", failErr))
		}
		return "", fmt.Errorf("op=task.enqueue: %w", err)
	}
	return taskID, nil
}

// Status returns the task snapshot for its owner or an admin.
func (s TaskService) Status(ctx domain.Context, userID string, role domain.Role, taskID string) (TaskStatusView, error) {
	task, err := s.authorized(ctx, userID, role, taskID)
	if err != nil {
		return TaskStatusView{}, fmt.Errorf("op=task.status: %w", err)
	}

	view := TaskStatusView{
		ID:                   task.ID,
		Status:               task.Status,
		PlatformConnectionID: task.PlatformConnectionID,
		ProgressPercent:      task.ProgressPercent,
		CurrentStep:          task.CurrentStep,
		CancelRequested:      task.CancelRequested,
		CreatedAt:            task.CreatedAt,
		StartedAt:            task.StartedAt,
		CompletedAt:          task.CompletedAt,
	}
	if cat, msg, guidance := recovery.Sanitize(task.ErrorMessage); msg != "" {
		view.Error = msg
		view.ErrorCategory = string(cat)
		view.Guidance = guidance
	}
	return view, nil
}

// Cancel stops a task. Queued tasks flip straight to cancelled; running
// tasks get a cancel flag the worker observes between images. Terminal tasks
// are not cancellable.
func (s TaskService) Cancel(ctx domain.Context, userID string, role domain.Role, taskID string) error {
	task, err := s.authorized(ctx, userID, role, taskID)
	if err != nil {
		return fmt.Errorf("op=task.cancel: %w", err)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("op=task.cancel: task already %s: %w", task.Status, domain.ErrTaskNotCancellable)
	}

	if task.Status == domain.TaskQueued {
		won, err := s.Tasks.CompareAndSwapStatus(ctx, taskID, domain.TaskQueued, domain.TaskCancelled)
		if err != nil {
			return fmt.Errorf("op=task.cancel: %w", err)
		}
		if won {
			s.emitCancelled(ctx, taskID)
			return nil
		}
		// A worker claimed it in the meantime; fall through to the
		// running-task path.
	}

	if err := s.Tasks.RequestCancel(ctx, taskID); err != nil {
		return fmt.Errorf("op=task.cancel: %w", err)
	}
	return nil
}

// Results returns the stored generation results for a finished task.
func (s TaskService) Results(ctx domain.Context, userID string, role domain.Role, taskID string) (*domain.GenerationResults, error) {
	task, err := s.authorized(ctx, userID, role, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=task.results: %w", err)
	}
	if !task.Status.Terminal() {
		return nil, fmt.Errorf("op=task.results: task still %s: %w", task.Status, domain.ErrConflict)
	}
	if task.Results == nil {
		return nil, fmt.Errorf("op=task.results: no results recorded: %w", domain.ErrNotFound)
	}
	return task.Results, nil
}

// History lists a user's tasks newest first.
func (s TaskService) History(ctx domain.Context, userID string, offset, limit int) ([]domain.CaptionGenerationTask, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	tasks, err := s.Tasks.ListByUser(ctx, userID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.history: %w", err)
	}
	return tasks, nil
}

// ListActive returns all queued and running tasks, for admin supervision.
func (s TaskService) ListActive(ctx domain.Context) ([]domain.CaptionGenerationTask, error) {
	tasks, err := s.Tasks.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_active: %w", err)
	}
	return tasks, nil
}

// Cleanup deletes terminal tasks older than the retention window and returns
// how many rows went away.
func (s TaskService) Cleanup(ctx domain.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("op=task.cleanup: retention must be positive: %w", domain.ErrInvalidArgument)
	}
	n, err := s.Tasks.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("op=task.cleanup: %w", err)
	}
	return n, nil
}

// Metrics returns aggregate task counters for the admin dashboard.
func (s TaskService) Metrics(ctx domain.Context) (domain.TaskStats, error) {
	stats, err := s.Tasks.Stats(ctx)
	if err != nil {
		return domain.TaskStats{}, fmt.Errorf("op=task.metrics: %w", err)
	}
	return stats, nil
}

// authorized loads the task and checks the caller owns it or is an admin.
func (s TaskService) authorized(ctx domain.Context, userID string, role domain.Role, taskID string) (domain.CaptionGenerationTask, error) {
	if taskID == "" {
		return domain.CaptionGenerationTask{}, fmt.Errorf("%w: task id required", domain.ErrInvalidArgument)
	}
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.CaptionGenerationTask{}, err
	}
	if task.UserID != userID && role != domain.RoleAdmin {
		// Do not leak existence to other users.
		return domain.CaptionGenerationTask{}, domain.ErrNotFound
	}
	return task, nil
}

func (s TaskService) emitCancelled(ctx domain.Context, taskID string) {
	if s.Progress == nil {
		return
	}
	if err := s.Progress.Publish(ctx, domain.ProgressEvent{
		TaskID:   taskID,
		Status:   domain.TaskCancelled,
		Terminal: true,
	}); err != nil {
		observability.LoggerFromContext(ctx).Warn("cancel event publish failed",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}
