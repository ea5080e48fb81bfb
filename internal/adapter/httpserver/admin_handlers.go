package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vedfolnir/vedfolnir/internal/adapter/platform"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/service/recovery"
)

// adminTaskView is the supervision shape of a task: unlike the owner view it
// carries the user id, but stored errors are still sanitized.
type adminTaskView struct {
	ID                   string            `json:"id"`
	UserID               string            `json:"user_id"`
	PlatformConnectionID string            `json:"platform_connection_id"`
	Status               domain.TaskStatus `json:"status"`
	ProgressPercent      int               `json:"progress_percent"`
	CurrentStep          string            `json:"current_step,omitempty"`
	CancelRequested      bool              `json:"cancel_requested,omitempty"`
	Error                string            `json:"error,omitempty"`
	ErrorCategory        string            `json:"error_category,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
}

func adminTaskViewOf(t domain.CaptionGenerationTask) adminTaskView {
	v := adminTaskView{
		ID:                   t.ID,
		UserID:               t.UserID,
		PlatformConnectionID: t.PlatformConnectionID,
		Status:               t.Status,
		ProgressPercent:      t.ProgressPercent,
		CurrentStep:          t.CurrentStep,
		CancelRequested:      t.CancelRequested,
		CreatedAt:            t.CreatedAt,
		StartedAt:            t.StartedAt,
		CompletedAt:          t.CompletedAt,
	}
	if t.ErrorMessage != "" {
		cat, msg, _ := recovery.Sanitize(t.ErrorMessage)
		v.Error = msg
		v.ErrorCategory = string(cat)
	}
	return v
}

// AdminListTasksHandler lists all queued and running tasks across users.
func (s *Server) AdminListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := s.Tasks.ListActive(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]adminTaskView, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, adminTaskViewOf(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
	}
}

// AdminCancelTaskHandler cancels any user's task.
func (s *Server) AdminCancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateResourceID("id", id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		if err := s.Tasks.Cancel(r.Context(), u.ID, domain.RoleAdmin, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancel_requested": true})
	}
}

// AdminUserTasksHandler lists one user's tasks newest-first.
func (s *Server) AdminUserTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")
		if vr := ValidateResourceID("id", userID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid user id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 20)
		tasks, err := s.Tasks.History(r.Context(), userID, offset, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]adminTaskView, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, adminTaskViewOf(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "tasks": views, "offset": offset, "limit": limit})
	}
}

// AdminCleanupHandler deletes terminal tasks past the retention window. The
// request may override the configured retention with retention_hours.
func (s *Server) AdminCleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		retention := time.Duration(s.Cfg.TaskRetentionHours) * time.Hour
		if r.Body != nil {
			var req struct {
				RetentionHours int `json:"retention_hours"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RetentionHours > 0 {
				retention = time.Duration(req.RetentionHours) * time.Hour
			}
		}
		deleted, err := s.Tasks.Cleanup(r.Context(), retention)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "retention_hours": int(retention.Hours())})
	}
}

// AdminMetricsHandler reports queue depth, throughput and error recovery
// counters in one payload.
func (s *Server) AdminMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Tasks.Metrics(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		payload := map[string]any{
			"tasks": map[string]any{
				"queue_depth":         stats.QueueDepth,
				"running":             stats.Running,
				"completed_total":     stats.CompletedTotal,
				"failed_total":        stats.FailedTotal,
				"cancelled_total":     stats.CancelledTotal,
				"avg_runtime_seconds": stats.AvgRuntimeSeconds,
				"success_rate":        stats.SuccessRate,
			},
		}
		if s.Recovery != nil {
			payload["errors"] = s.Recovery.StatsSnapshot()
		}
		payload["platform_instances"] = platform.InstanceHealth()
		writeJSON(w, http.StatusOK, payload)
	}
}

// notificationView is the API shape of an admin notification.
type notificationView struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	TaskID     string    `json:"task_id,omitempty"`
	Message    string    `json:"message"`
	Guidance   string    `json:"guidance,omitempty"`
	Read       bool      `json:"read"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AdminNotificationsHandler lists notifications newest-first; unread=true
// narrows to unread ones.
func (s *Server) AdminNotificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Recovery == nil {
			writeJSON(w, http.StatusOK, map[string]any{"notifications": []notificationView{}})
			return
		}
		unreadOnly := r.URL.Query().Get("unread") == "true"
		notes := s.Recovery.Notifications(unreadOnly)
		views := make([]notificationView, 0, len(notes))
		for _, n := range notes {
			views = append(views, notificationView{
				ID:         n.ID,
				Category:   string(n.Category),
				TaskID:     n.TaskID,
				Message:    n.Message,
				Guidance:   n.Guidance,
				Read:       n.Read,
				OccurredAt: n.OccurredAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": views})
	}
}

// AdminMarkNotificationReadHandler acknowledges one notification.
func (s *Server) AdminMarkNotificationReadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if vr := ValidateResourceID("id", id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		if s.Recovery == nil {
			writeError(w, r, domain.ErrNotFound, nil)
			return
		}
		if err := s.Recovery.MarkRead(id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
	}
}
