package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mossy-p/syncplay/config"
	"github.com/mossy-p/syncplay/internal/handlers"
	"github.com/mossy-p/syncplay/internal/metrics"
	"github.com/mossy-p/syncplay/internal/redis"
	"github.com/mossy-p/syncplay/internal/registry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		slog.Error("invalid logging configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	m := metrics.New()
	opts := []handlers.HubOption{handlers.WithMetrics(m), handlers.WithLogger(logger)}

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		mirror, err := redis.Connect(ctx, cfg.Redis)
		cancel()
		if err != nil {
			logger.Error("failed to connect to redis", "err", err)
			os.Exit(1)
		}
		defer mirror.Close()
		opts = append(opts, handlers.WithMirror(mirror))
		logger.Info("redis membership mirror enabled", "host", cfg.Redis.Host)
	}

	hub := handlers.NewHub(registry.New(), opts...)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.NewRouter(cfg, hub, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting signaling relay", "addr", srv.Addr, "environment", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	hub.CloseAll()
	logger.Info("signaling relay stopped")
}
