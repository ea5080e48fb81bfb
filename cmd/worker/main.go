// Command worker consumes caption generation tasks from the broker and runs
// them against the vision model.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vedfolnir/vedfolnir/internal/adapter/broadcast"
	"github.com/vedfolnir/vedfolnir/internal/adapter/imagestore"
	"github.com/vedfolnir/vedfolnir/internal/adapter/observability"
	"github.com/vedfolnir/vedfolnir/internal/adapter/queue/redpanda"
	"github.com/vedfolnir/vedfolnir/internal/adapter/repo/postgres"
	"github.com/vedfolnir/vedfolnir/internal/adapter/vision"
	"github.com/vedfolnir/vedfolnir/internal/app"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/service/recovery"
	"github.com/vedfolnir/vedfolnir/internal/service/secrets"
)

const (
	consumerGroup         = "vedfolnir-workers"
	consumerTransactional = "vedfolnir-consumer"
	producerTransactional = "vedfolnir-worker-producer"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
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

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("worker metrics listening", slog.String("addr", ":9090"))
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	store, err := imagestore.NewStore(imagestore.Config{
		Dir:          cfg.StorageDir,
		MaxBytes:     cfg.MaxDownloadMB << 20,
		MaxDimension: cfg.MaxImageDimension,
		HTTPTimeout:  30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("op=imagestore.init: %w", err)
	}

	prompts := vision.DefaultPrompts()
	if cfg.PromptsFile != "" {
		prompts, err = vision.LoadPrompts(cfg.PromptsFile)
		if err != nil {
			return fmt.Errorf("op=vision.prompts: %w", err)
		}
	}
	ollama := vision.NewOllamaClient(cfg.OllamaURL, cfg.OllamaTimeout, cfg.OllamaTemperature)
	captioner := vision.NewGenerator(ollama, prompts, vision.GeneratorConfig{
		Model:            cfg.OllamaModel,
		BackupModel:      cfg.BackupModel,
		BackupEnabled:    cfg.BackupModelEnabled,
		FallbackEnabled:  cfg.FallbackEnabled,
		QualityThreshold: cfg.FallbackQualityThreshold,
		RetryPolicy:      app.RetryPolicyFromConfig(cfg),
	})
	// Drift alerts compare the rolling caption score average against this
	// baseline. 70 is the typical score of an accepted caption.
	observability.UpdateQualityBaseline(cfg.OllamaModel, 70)
	if cfg.BackupModelEnabled && cfg.BackupModel != "" {
		observability.UpdateQualityBaseline(cfg.BackupModel, 70)
	}

	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, producerTransactional)
	if err != nil {
		return fmt.Errorf("op=queue.producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	tasks := postgres.NewTaskRepo(pool)
	handler := &redpanda.CaptionHandler{
		Tasks:       tasks,
		Conns:       postgres.NewConnectionRepo(pool),
		Posts:       postgres.NewPostRepo(pool),
		Images:      postgres.NewImageRepo(pool),
		Runs:        postgres.NewRunRepo(pool),
		Registry:    app.NewPlatformRegistry(cfg),
		Box:         box,
		Store:       store,
		Captioner:   captioner,
		Progress:    broadcast.NewPublisher(rdb),
		Recovery:    recovery.New(),
		TaskTimeout: cfg.TaskTimeout,
	}

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, consumerGroup, consumerTransactional, cfg.MaxConcurrentTasks, handler)
	if err != nil {
		return fmt.Errorf("op=queue.consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	sweeper := app.NewStuckTaskSweeper(tasks, producer, cfg.StuckTaskThreshold, time.Minute)
	go sweeper.Run(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker consuming",
			slog.String("group", consumerGroup),
			slog.Int("workers", cfg.MaxConcurrentTasks))
		if err := consumer.Start(rootCtx); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("op=consumer.start: %w", err)
	case <-rootCtx.Done():
	}
	slog.Info("worker shutting down")
	return nil
}
