package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wisbric/refreshregistry/internal/config"
	"github.com/wisbric/refreshregistry/internal/platform"
	"github.com/wisbric/refreshregistry/internal/telemetry"
	"github.com/wisbric/refreshregistry/pkg/refreshtoken"
)

const defaultStopTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := platform.NewRedisClient(cfg.RedisURL, refreshtoken.RecommendedPoolSize)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer client.Close()

	store := refreshtoken.NewRedisStore(client, "refresh", "user_tokens")

	registry, err := refreshtoken.NewRegistry(store, refreshtoken.DefaultConfig(), refreshtoken.DefaultErrorClassifier, logger)
	if err != nil {
		return fmt.Errorf("constructing registry: %w", err)
	}

	registry.RegisterObserver(refreshtoken.ObserverFunc(func(ctx context.Context, event refreshtoken.Event) error {
		logger.Info("token event", "type", event.Type, "subject", event.Subject, "device", event.DeviceID)
		return nil
	}))

	var scheduler *refreshtoken.Scheduler
	if cfg.EnableScheduledCleanup {
		scheduler = registry.NewScheduler()
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("starting cleanup scheduler: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), defaultStopTimeout)
			defer stopCancel()
			if err := scheduler.Stop(stopCtx); err != nil {
				logger.Warn("cleanup scheduler stop failed", "error", err)
			}
		}()
	}

	if ok, err := registry.Health(ctx); err != nil || !ok {
		return fmt.Errorf("registry health check failed: %w", err)
	}
	logger.Info("refresh token registry ready", "cleanupScheduled", cfg.EnableScheduledCleanup)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
