package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vedfolnir/vedfolnir/internal/adapter/broadcast"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/platformctx"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
	"github.com/vedfolnir/vedfolnir/internal/service/recovery"
	"github.com/vedfolnir/vedfolnir/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Tasks       usecase.TaskService
	Review      usecase.ReviewService
	Platforms   usecase.PlatformService
	Users       domain.UserRepository
	Conns       domain.PlatformConnectionRepository
	Settings    domain.UserSettingsRepository
	Recovery    *recovery.Service
	Hub         *broadcast.Hub
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error

	// TaskLimiter throttles task submission per user across replicas. Nil
	// disables the throttle.
	TaskLimiter *ratelimiter.RedisLuaLimiter
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, tasks usecase.TaskService, review usecase.ReviewService, platforms usecase.PlatformService, users domain.UserRepository, conns domain.PlatformConnectionRepository, settings domain.UserSettingsRepository, rec *recovery.Service, hub *broadcast.Hub, dbCheck, redisCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Tasks: tasks, Review: review, Platforms: platforms, Users: users, Conns: conns, Settings: settings, Recovery: rec, Hub: hub, DBCheck: dbCheck, RedisCheck: redisCheck, BrokerCheck: brokerCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func validationDetails(err error) map[string]string {
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

// bindPlatformContext resolves the platform connection the request operates
// on: the connection_id query parameter when present, otherwise the user's
// default connection. The resolved context scopes every image and post query
// downstream.
func (s *Server) bindPlatformContext(r *http.Request, userID string) (context.Context, error) {
	ctx := r.Context()
	var (
		conn domain.PlatformConnection
		err  error
	)
	if connID := strings.TrimSpace(r.URL.Query().Get("connection_id")); connID != "" {
		conn, err = s.Conns.Get(ctx, userID, connID)
	} else {
		conn, err = s.Conns.GetDefault(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: no usable platform connection", domain.ErrMissingPlatformContext)
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("%w: connection %s is inactive", domain.ErrMissingPlatformContext, conn.ID)
	}
	return platformctx.Bind(ctx, platformctx.FromConnection(conn, r.Header.Get("X-Request-Id"))), nil
}

// CreateTaskHandler enqueues a caption generation task.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			ConnectionID string           `json:"connection_id" validate:"required"`
			Settings     *settingsPayload `json:"settings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		if s.TaskLimiter != nil {
			key := "tasks:user:" + u.ID
			s.TaskLimiter.SetBucketConfig(key, ratelimiter.NewBucketConfigFromPerMinute(s.Cfg.RateLimitTasksPerMin))
			allowed, retryAfter, _ := s.TaskLimiter.Allow(r.Context(), key, 1)
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+1)))
				writeError(w, r, fmt.Errorf("%w: task submissions", domain.ErrRateLimited), nil)
				return
			}
		}
		// A request without explicit settings runs with the user's stored
		// preferences for this connection.
		var settings domain.CaptionGenerationSettings
		if req.Settings != nil {
			settings = req.Settings.generation()
		} else if s.Settings != nil {
			if stored, err := s.Settings.Get(r.Context(), u.ID, req.ConnectionID); err == nil {
				settings = stored.Generation()
			}
		}
		taskID, err := s.Tasks.Enqueue(r.Context(), u.ID, req.ConnectionID, settings)
		if err != nil {
			writeError(w, r, fmt.Errorf("task enqueue: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": taskID, "status": string(domain.TaskQueued)})
	}
}

// TaskStatusHandler returns the live view of a task, with any stored error
// sanitized for external consumption.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
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
		view, err := s.Tasks.Status(r.Context(), u.ID, u.Role, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// CancelTaskHandler requests cancellation of a queued or running task.
func (s *Server) CancelTaskHandler() http.HandlerFunc {
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
		if err := s.Tasks.Cancel(r.Context(), u.ID, u.Role, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancel_requested": true})
	}
}

// TaskResultsHandler returns the stored results of a terminal task.
func (s *Server) TaskResultsHandler() http.HandlerFunc {
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
		res, err := s.Tasks.Results(r.Context(), u.ID, u.Role, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// TaskHistoryHandler lists the caller's tasks newest-first.
func (s *Server) TaskHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		if vr := ValidatePagination(r.URL.Query().Get("offset"), r.URL.Query().Get("limit")); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid pagination", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 20)
		tasks, err := s.Tasks.History(r.Context(), u.ID, offset, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]usecase.TaskStatusView, 0, len(tasks))
		for _, t := range tasks {
			view, err := s.Tasks.Status(r.Context(), u.ID, u.Role, t.ID)
			if err != nil {
				continue
			}
			views = append(views, view)
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "offset": offset, "limit": limit})
	}
}

// imageView is the API shape of an image pending or past review.
type imageView struct {
	ID               string             `json:"id"`
	PostID           string             `json:"post_id"`
	ImageURL         string             `json:"image_url"`
	MediaType        string             `json:"media_type,omitempty"`
	OriginalCaption  string             `json:"original_caption,omitempty"`
	GeneratedCaption string             `json:"generated_caption,omitempty"`
	ReviewedCaption  string             `json:"reviewed_caption,omitempty"`
	FinalCaption     string             `json:"final_caption,omitempty"`
	QualityScore     int                `json:"quality_score"`
	Status           domain.ImageStatus `json:"status"`
	NeedsSpecial     bool               `json:"needs_special_review"`
	BatchID          string             `json:"batch_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	ReviewedAt       *time.Time         `json:"reviewed_at,omitempty"`
	PostedAt         *time.Time         `json:"posted_at,omitempty"`
}

func imageViewOf(img domain.Image) imageView {
	return imageView{
		ID:               img.ID,
		PostID:           img.PostID,
		ImageURL:         img.ImageURL,
		MediaType:        img.MediaType,
		OriginalCaption:  img.OriginalCaption,
		GeneratedCaption: img.GeneratedCaption,
		ReviewedCaption:  img.ReviewedCaption,
		FinalCaption:     img.FinalCaption,
		QualityScore:     img.QualityScore,
		Status:           img.Status,
		NeedsSpecial:     img.NeedsSpecialReview,
		BatchID:          img.BatchID,
		CreatedAt:        img.CreatedAt,
		ReviewedAt:       img.ReviewedAt,
		PostedAt:         img.PostedAt,
	}
}

// ReviewQueueHandler lists pending images for the bound connection.
func (s *Server) ReviewQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		ctx, err := s.bindPlatformContext(r, u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit := queryInt(r, "limit", 50)
		imgs, err := s.Review.Queue(ctx, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]imageView, 0, len(imgs))
		for _, img := range imgs {
			views = append(views, imageViewOf(img))
		}
		writeJSON(w, http.StatusOK, map[string]any{"images": views})
	}
}

// ReviewImageHandler applies a single review decision and, on approval,
// publishes the caption back to the platform.
func (s *Server) ReviewImageHandler() http.HandlerFunc {
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
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Decision string `json:"decision" validate:"required,oneof=approve reject edit"`
			Caption  string `json:"caption" validate:"max=2000"`
			Notes    string `json:"notes" validate:"max=2000"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		ctx, err := s.bindPlatformContext(r, u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out, err := s.Review.Review(ctx, id, usecase.ReviewDecision(req.Decision), req.Caption, req.Notes)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// BatchReviewHandler applies one decision across a batch, optionally narrowed
// to an explicit image id list.
func (s *Server) BatchReviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		batchID := chi.URLParam(r, "batch_id")
		if vr := ValidateResourceID("batch_id", batchID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid batch_id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Decision string   `json:"decision" validate:"required,oneof=approve reject"`
			ImageIDs []string `json:"image_ids" validate:"max=500"`
			Notes    string   `json:"notes" validate:"max=2000"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		ctx, err := s.bindPlatformContext(r, u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		outcomes, err := s.Review.ReviewBatch(ctx, batchID, usecase.ReviewDecision(req.Decision), req.ImageIDs, req.Notes)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "outcomes": outcomes})
	}
}

// CreatePlatformHandler registers a platform connection. Credentials are
// sealed before they reach storage and never echo back.
func (s *Server) CreatePlatformHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Name         string `json:"name" validate:"required,max=200"`
			PlatformType string `json:"platform_type" validate:"required"`
			InstanceURL  string `json:"instance_url" validate:"required,url"`
			Username     string `json:"username" validate:"max=200"`
			AccessToken  string `json:"access_token" validate:"required"`
			ClientKey    string `json:"client_key"`
			ClientSecret string `json:"client_secret"`
			IsDefault    bool   `json:"is_default"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		view, err := s.Platforms.Create(r.Context(), u.ID, usecase.ConnectionInput{
			Name:         req.Name,
			PlatformType: domain.PlatformType(req.PlatformType),
			InstanceURL:  req.InstanceURL,
			Username:     req.Username,
			AccessToken:  req.AccessToken,
			ClientKey:    req.ClientKey,
			ClientSecret: req.ClientSecret,
			IsDefault:    req.IsDefault,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

// ListPlatformsHandler lists the caller's connections.
func (s *Server) ListPlatformsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		views, err := s.Platforms.List(r.Context(), u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"connections": views})
	}
}

// GetPlatformHandler returns one connection.
func (s *Server) GetPlatformHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		id := chi.URLParam(r, "id")
		view, err := s.Platforms.Get(r.Context(), u.ID, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// DeletePlatformHandler removes a connection. force=true detaches content
// that references it.
func (s *Server) DeletePlatformHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		id := chi.URLParam(r, "id")
		force := r.URL.Query().Get("force") == "true"
		if err := s.Platforms.Delete(r.Context(), u.ID, id, force); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SetDefaultPlatformHandler marks a connection as the user's default.
func (s *Server) SetDefaultPlatformHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Platforms.SetDefault(r.Context(), u.ID, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_default": true})
	}
}

// TestPlatformHandler verifies stored credentials against the live instance.
func (s *Server) TestPlatformHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		id := chi.URLParam(r, "id")
		acct, err := s.Platforms.Test(r.Context(), u.ID, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "account_id": acct.ID, "username": acct.Username})
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes DB, Redis and the task broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		probe := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: name, OK: true})
			}
		}
		probe("db", s.DBCheck)
		probe("redis", s.RedisCheck)
		probe("broker", s.BrokerCheck)
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
