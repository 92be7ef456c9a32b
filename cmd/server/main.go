// Package main is the entrypoint for the genqueue coordinator server.
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

	"github.com/kiranshivaraju/genqueue/internal/api"
	"github.com/kiranshivaraju/genqueue/internal/api/handler"
	mw "github.com/kiranshivaraju/genqueue/internal/api/middleware"
	"github.com/kiranshivaraju/genqueue/internal/artifact"
	"github.com/kiranshivaraju/genqueue/internal/cache"
	"github.com/kiranshivaraju/genqueue/internal/collector"
	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/internal/dispatch"
	"github.com/kiranshivaraju/genqueue/internal/gateway"
	"github.com/kiranshivaraju/genqueue/internal/metrics"
	"github.com/kiranshivaraju/genqueue/internal/store"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Info("config loaded", "store", cfg.Store.Backend, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the task store
	st, closeStore, err := store.Open(ctx, cfg.Store, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("task store ready", "backend", cfg.Store.Backend)

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	// 4. Artifact directory
	files, err := artifact.NewFileStore(cfg.Artifacts.Root, cfg.Artifacts.Image)
	if err != nil {
		return fmt.Errorf("open artifact root: %w", err)
	}

	hash, err := tokenHash(cfg.Dispatch)
	if err != nil {
		return err
	}

	// 5. Build router with dependencies
	m := metrics.New()
	router := newRouter(cfg, st, redisCache, files, hash, m, logger)

	// 6. Start HTTP server, plus the collector when the store lives in this process
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, srv, logger) })
	if c := inProcessCollector(cfg, st, redisCache, files, m, logger); c != nil {
		logger.Info("memory store: running collector in-process")
		g.Go(func() error { return c.Run(gctx) })
	}
	return g.Wait()
}

// serve runs srv until ctx is cancelled, then drains connections.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// inProcessCollector returns a collector sharing st when the store is held in
// memory, and nil otherwise. A postgres store is swept by cmd/collector.
func inProcessCollector(cfg *config.Config, st store.Store, ca cache.Cache, files *artifact.FileStore, m *metrics.Metrics, logger *slog.Logger) *collector.Collector {
	if cfg.Store.Backend != "memory" {
		return nil
	}
	return collector.New(st, files, ca, cfg.InProcessCollector(), m, logger.With("component", "collector"))
}

// tokenHash returns the configured bcrypt hash, hashing a plain token if
// that is all that was given.
func tokenHash(cfg config.DispatchConfig) (string, error) {
	if cfg.TokenHash != "" {
		return cfg.TokenHash, nil
	}
	hash, err := mw.HashToken(cfg.Token)
	if err != nil {
		return "", fmt.Errorf("hash dispatch token: %w", err)
	}
	return hash, nil
}

func newRouter(cfg *config.Config, st store.Store, ca cache.Cache, files *artifact.FileStore, hash string, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	gw := gateway.NewService(st, files, ca, cfg.Gateway, m, logger)
	ds := dispatch.NewService(st, files, ca, cfg.Dispatch.ClaimLimit, cfg.Dispatch.ClaimRetryAfter, m, logger)

	deps := api.Dependencies{
		Auth:    mw.NewTokenAuth(hash, cfg.Dispatch.MaxReportBytes),
		Metrics: m,

		HealthHandler:  handler.NewHealthHandler(st, ca),
		SubmitHandler:  handler.NewSubmitHandler(gw),
		PollHandler:    handler.NewPollHandler(gw),
		ImageHandler:   handler.NewImageHandler(gw, files),
		ArchiveHandler: handler.NewArchiveHandler(gw, files),
		ClaimHandler:   handler.NewClaimHandler(ds),
		ReportHandler:  handler.NewReportHandler(ds),
	}
	if cfg.Gateway.SubmitRateLimit > 0 {
		deps.RateLimit = mw.NewRateLimit(ca, "submit", cfg.Gateway.SubmitRateLimit)
	}
	return api.NewRouter(deps)
}
