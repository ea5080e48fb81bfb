// Command server starts the Vedfolnir HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vedfolnir/vedfolnir/internal/adapter/broadcast"
	"github.com/vedfolnir/vedfolnir/internal/adapter/httpserver"
	"github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/adapter/queue/redpanda"
	"github.com/vedfolnir/vedfolnir/internal/adapter/repo/postgres"
	"github.com/vedfolnir/vedfolnir/internal/app"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/service/ratelimiter"
	"github.com/vedfolnir/vedfolnir/internal/service/recovery"
	"github.com/vedfolnir/vedfolnir/internal/service/secrets"
	"github.com/vedfolnir/vedfolnir/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("op=tracing.setup: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DBURL, logger); err != nil {
		return fmt.Errorf("op=db.migrate: %w", err)
	}
	pool, err := postgres.NewPool(rootCtx, cfg.DBURL, postgres.PoolSettings{
		MaxConns:    int32(cfg.DBSessionMaxConns),
		IdleTimeout: cfg.DBSessionIdleTimeout,
		MaxLifetime: cfg.DBSessionMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("op=db.connect: %w", err)
	}
	defer pool.Close()

	key, err := cfg.CredentialKey()
	if err != nil {
		return err
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		return fmt.Errorf("op=secrets.box: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("op=redis.parse: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		return fmt.Errorf("op=queue.producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	users := postgres.NewUserRepo(pool)
	tasks := postgres.NewTaskRepo(pool)
	conns := postgres.NewConnectionRepo(pool)
	images := postgres.NewImageRepo(pool)
	posts := postgres.NewPostRepo(pool)

	if cfg.AdminSeedEnabled() {
		if err := seedAdmin(rootCtx, users, cfg); err != nil {
			return fmt.Errorf("op=seed.admin: %w", err)
		}
	}

	hub := broadcast.NewHub(rdb)
	publisher := broadcast.NewPublisher(rdb)

	registry := app.NewPlatformRegistry(cfg)
	taskSvc := usecase.NewTaskService(tasks, conns, producer, publisher)
	reviewSvc := usecase.NewReviewService(images, posts, conns, registry, box)
	platformSvc := usecase.NewPlatformService(conns, registry, box)
	rec := recovery.New()

	dbCheck, redisCheck, brokerCheck := app.BuildReadinessChecks(pool, rdb, producer)
	settings := postgres.NewSettingsRepo(pool)
	srv := httpserver.NewServer(cfg, taskSvc, reviewSvc, platformSvc, users, conns, settings, rec, hub, dbCheck, redisCheck, brokerCheck)

	srv.TaskLimiter = ratelimiter.NewRedisLuaLimiter(rdb, pool, nil)
	if err := srv.TaskLimiter.WarmFromPostgres(rootCtx); err != nil {
		slog.Warn("rate limiter warm-up", slog.Any("error", err))
	}

	router := app.BuildRouter(cfg, srv)

	retentionDays := (cfg.TaskRetentionHours + 23) / 24
	janitor := app.NewRetentionJanitor(postgres.NewCleanupService(pool, retentionDays, cfg.CleanupBatchSize), cfg.CleanupInterval)
	go janitor.Run(rootCtx)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("op=http.serve: %w", err)
	case <-rootCtx.Done():
	}

	slog.Info("shutting down", slog.Duration("grace", cfg.ServerShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("op=http.shutdown: %w", err)
	}
	return nil
}

// seedAdmin ensures the configured bootstrap admin account exists. It only
// creates; an existing account is never altered.
func seedAdmin(ctx context.Context, users domain.UserRepository, cfg config.Config) error {
	if _, err := users.GetByUsername(ctx, cfg.AdminUsername); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	hash, err := secrets.HashPassword(cfg.AdminPassword, secrets.DefaultArgon2Params())
	if err != nil {
		return err
	}
	id, err := users.Create(ctx, domain.User{
		Username:     cfg.AdminUsername,
		Email:        cfg.AdminEmail,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		IsActive:     true,
	})
	if err != nil {
		return err
	}
	slog.Info("seeded admin account", slog.String("user_id", id), slog.String("username", cfg.AdminUsername))
	return nil
}
