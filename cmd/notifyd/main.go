package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/recivo/notifyd/internal/api"
	"github.com/recivo/notifyd/internal/circuitbreaker"
	"github.com/recivo/notifyd/internal/config"
	"github.com/recivo/notifyd/internal/engine"
	"github.com/recivo/notifyd/internal/metrics"
	"github.com/recivo/notifyd/internal/notify"
	"github.com/recivo/notifyd/internal/observ"
	"github.com/recivo/notifyd/internal/ratelimit"
	"github.com/recivo/notifyd/internal/redis"
	"github.com/recivo/notifyd/internal/source"
	"github.com/recivo/notifyd/internal/store"
	"github.com/recivo/notifyd/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notifyd",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("recipient_id", cfg.RecipientID),
		zap.String("source", cfg.SourceKind),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence backend
	db, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	repo := store.NewRepository(db, cfg.RecipientID, logger)

	// Cross-session sync bus (optional: the engine works without it)
	var bus engine.Bus
	var syncBus *redis.SyncBus
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, cross-session sync disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		syncBus = redis.NewSyncBus(redisClient, cfg.RecipientID, cfg.SyncStaleness, logger)
		defer syncBus.Close()
		bus = syncBus
	}

	// Engine
	filter := notify.Filter{TeamID: cfg.TeamID}
	eng := engine.New(engine.Config{
		TeamID:           cfg.TeamID,
		PageSize:         cfg.PageSize,
		ThrottleInterval: cfg.ThrottleInterval,
		RateLimit: ratelimit.Config{
			MaxCalls:   cfg.RateMaxCalls,
			Window:     cfg.RateWindow,
			BurstLimit: cfg.RateBurstLimit,
		},
		Breaker: circuitbreaker.Config{
			Threshold:       cfg.BreakerThreshold,
			RecoveryTimeout: cfg.BreakerTimeout,
		},
		MutationBreaker: circuitbreaker.Config{
			Threshold:       cfg.MutationBreakerThreshold,
			RecoveryTimeout: cfg.MutationBreakerTimeout,
		},
	}, repo, bus, filter.Match, logger)

	eng.Start(ctx)
	defer eng.Stop()

	if syncBus != nil {
		if err := syncBus.Subscribe(ctx, eng.ApplySync); err != nil {
			logger.Warn("sync bus subscribe failed, cross-session sync disabled",
				zap.Error(err),
			)
		}
	}

	// Event source + supervisor
	src, err := buildSource(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sup := supervisor.New(src, eng, supervisor.Config{
		Filter:                filter,
		BaseDelay:             cfg.ReconnectBase,
		MaxDelay:              cfg.ReconnectMax,
		MaxAttempts:           cfg.ReconnectMaxAttempts,
		FallbackProbeInterval: cfg.FallbackProbeInterval,
	}, logger)
	go sup.Run(ctx)

	// Diagnostics HTTP surface
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	handler := api.NewHandler(logger, eng, func() string { return sup.State().String() })
	handler.Routes(r)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics server listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("diagnostics server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}

	return nil
}

func buildSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (source.Source, error) {
	switch cfg.SourceKind {
	case "sqs":
		if cfg.SQSQueueURL == "" {
			return nil, fmt.Errorf("SQS_QUEUE_URL is required for the sqs source")
		}
		return source.NewSQSSource(ctx, source.SQSConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
	default:
		if cfg.WSURL == "" {
			return nil, fmt.Errorf("WS_URL is required for the websocket source")
		}
		return source.NewWebSocketSource(source.WebSocketConfig{
			URL: cfg.WSURL,
		}, logger), nil
	}
}
