package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/platformctx"
)

// settingsPayload is the request shape for processing preferences, shared by
// the settings endpoint and the inline settings on task creation. The delay
// travels as milliseconds on the wire.
type settingsPayload struct {
	MaxPostsPerRun    int   `json:"max_posts_per_run"`
	MaxCaptionLength  int   `json:"max_caption_length"`
	OptimalMinLength  int   `json:"optimal_min_length"`
	OptimalMaxLength  int   `json:"optimal_max_length"`
	ReprocessExisting bool  `json:"reprocess_existing"`
	ProcessingDelayMS int64 `json:"processing_delay_ms"`
}

func (p settingsPayload) generation() domain.CaptionGenerationSettings {
	return domain.CaptionGenerationSettings{
		MaxPostsPerRun:    p.MaxPostsPerRun,
		MaxCaptionLength:  p.MaxCaptionLength,
		OptimalMinLength:  p.OptimalMinLength,
		OptimalMaxLength:  p.OptimalMaxLength,
		ReprocessExisting: p.ReprocessExisting,
		ProcessingDelay:   time.Duration(p.ProcessingDelayMS) * time.Millisecond,
	}
}

// settingsView is the API shape of per-connection processing preferences.
type settingsView struct {
	PlatformConnectionID string `json:"platform_connection_id"`
	MaxPostsPerRun       int    `json:"max_posts_per_run"`
	MaxCaptionLength     int    `json:"max_caption_length"`
	OptimalMinLength     int    `json:"optimal_min_length"`
	OptimalMaxLength     int    `json:"optimal_max_length"`
	ReprocessExisting    bool   `json:"reprocess_existing"`
	ProcessingDelayMS    int64  `json:"processing_delay_ms"`
}

func settingsViewOf(s domain.UserSettings) settingsView {
	return settingsView{
		PlatformConnectionID: s.PlatformConnectionID,
		MaxPostsPerRun:       s.MaxPostsPerRun,
		MaxCaptionLength:     s.MaxCaptionLength,
		OptimalMinLength:     s.OptimalMinLength,
		OptimalMaxLength:     s.OptimalMaxLength,
		ReprocessExisting:    s.ReprocessExisting,
		ProcessingDelayMS:    s.ProcessingDelay.Milliseconds(),
	}
}

// GetSettingsHandler returns the caller's stored preferences for the bound
// platform connection, falling back to the built-in defaults.
func (s *Server) GetSettingsHandler() http.HandlerFunc {
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
		pc, _ := platformctx.From(ctx)
		stored, err := s.Settings.Get(ctx, u.ID, pc.ConnectionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, settingsViewOf(stored))
	}
}

// UpdateSettingsHandler replaces the caller's preferences for the bound
// platform connection.
func (s *Server) UpdateSettingsHandler() http.HandlerFunc {
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
		pc, _ := platformctx.From(ctx)

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req settingsPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		next := domain.UserSettings{
			UserID:               u.ID,
			PlatformConnectionID: pc.ConnectionID,
			MaxPostsPerRun:       req.MaxPostsPerRun,
			MaxCaptionLength:     req.MaxCaptionLength,
			OptimalMinLength:     req.OptimalMinLength,
			OptimalMaxLength:     req.OptimalMaxLength,
			ReprocessExisting:    req.ReprocessExisting,
			ProcessingDelay:      time.Duration(req.ProcessingDelayMS) * time.Millisecond,
		}
		// Store the normalized form so omitted fields read back as defaults.
		gen := next.Generation()
		if err := gen.Validate(); err != nil {
			writeError(w, r, err, nil)
			return
		}
		next.MaxPostsPerRun = gen.MaxPostsPerRun
		next.MaxCaptionLength = gen.MaxCaptionLength
		next.OptimalMinLength = gen.OptimalMinLength
		next.OptimalMaxLength = gen.OptimalMaxLength
		if err := s.Settings.Put(ctx, next); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, settingsViewOf(next))
	}
}
