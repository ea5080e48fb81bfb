package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// SettingsRepo persists per-(user, connection) processing preferences.
type SettingsRepo struct{ Pool PgxPool }

// NewSettingsRepo constructs a SettingsRepo with the given pool.
func NewSettingsRepo(p PgxPool) *SettingsRepo { return &SettingsRepo{Pool: p} }

// Get returns the stored preferences, or the built-in defaults when the pair
// has never saved any.
func (r *SettingsRepo) Get(ctx domain.Context, userID, platformConnectionID string) (domain.UserSettings, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Get")
	defer span.End()
	q := `SELECT user_id, platform_connection_id, max_posts_per_run, max_caption_length,
	       optimal_min_length, optimal_max_length, reprocess_existing, processing_delay_ms
	      FROM user_settings WHERE user_id=$1 AND platform_connection_id=$2`
	row := querier(ctx, r.Pool).QueryRow(ctx, q, userID, platformConnectionID)
	var (
		s       domain.UserSettings
		delayMS int64
	)
	err := row.Scan(&s.UserID, &s.PlatformConnectionID, &s.MaxPostsPerRun, &s.MaxCaptionLength,
		&s.OptimalMinLength, &s.OptimalMaxLength, &s.ReprocessExisting, &delayMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return defaultUserSettings(userID, platformConnectionID), nil
		}
		return domain.UserSettings{}, fmt.Errorf("op=settings.get: %w", err)
	}
	s.ProcessingDelay = time.Duration(delayMS) * time.Millisecond
	return s, nil
}

// Put stores the preferences, replacing any previous row for the pair.
func (r *SettingsRepo) Put(ctx domain.Context, s domain.UserSettings) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Put")
	defer span.End()
	if s.UserID == "" || s.PlatformConnectionID == "" {
		return fmt.Errorf("op=settings.put: missing key: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO user_settings (user_id, platform_connection_id, max_posts_per_run, max_caption_length,
	       optimal_min_length, optimal_max_length, reprocess_existing, processing_delay_ms)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (user_id, platform_connection_id)
	      DO UPDATE SET max_posts_per_run=EXCLUDED.max_posts_per_run,
	                    max_caption_length=EXCLUDED.max_caption_length,
	                    optimal_min_length=EXCLUDED.optimal_min_length,
	                    optimal_max_length=EXCLUDED.optimal_max_length,
	                    reprocess_existing=EXCLUDED.reprocess_existing,
	                    processing_delay_ms=EXCLUDED.processing_delay_ms`
	_, err := querier(ctx, r.Pool).Exec(ctx, q, s.UserID, s.PlatformConnectionID, s.MaxPostsPerRun,
		s.MaxCaptionLength, s.OptimalMinLength, s.OptimalMaxLength, s.ReprocessExisting,
		s.ProcessingDelay.Milliseconds())
	if err != nil {
		return fmt.Errorf("op=settings.put: %w", err)
	}
	return nil
}

func defaultUserSettings(userID, connID string) domain.UserSettings {
	d := domain.DefaultCaptionGenerationSettings()
	return domain.UserSettings{
		UserID:               userID,
		PlatformConnectionID: connID,
		MaxPostsPerRun:       d.MaxPostsPerRun,
		MaxCaptionLength:     d.MaxCaptionLength,
		OptimalMinLength:     d.OptimalMinLength,
		OptimalMaxLength:     d.OptimalMaxLength,
		ReprocessExisting:    d.ReprocessExisting,
		ProcessingDelay:      d.ProcessingDelay,
	}
}
