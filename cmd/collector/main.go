// Package main is the entrypoint for the genqueue garbage collector.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/genqueue/internal/artifact"
	"github.com/kiranshivaraju/genqueue/internal/cache"
	"github.com/kiranshivaraju/genqueue/internal/collector"
	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/internal/metrics"
	"github.com/kiranshivaraju/genqueue/internal/store"
	"golang.org/x/sync/errgroup"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("collector failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadCollector()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})).With("component", "collector")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg.Store, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	ca, closeCache, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeCache()

	// Image shape is irrelevant here: the collector only lists and removes directories.
	files, err := artifact.NewFileStore(cfg.ArtifactRoot, config.ImageConfig{})
	if err != nil {
		return fmt.Errorf("open artifact root: %w", err)
	}

	m := metrics.New()
	c := collector.New(st, files, ca, *cfg, m, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	if cfg.MetricsPort > 0 {
		g.Go(func() error { return m.Serve(ctx, cfg.MetricsPort, logger) })
	}
	return g.Wait()
}

// openCache connects to Redis when configured. Without it, status cache
// invalidation is skipped and cached entries age out on their TTL.
func openCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, func(), error) {
	if cfg.URL == "" {
		return cache.Noop{}, func() {}, nil
	}
	rc, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return rc, func() { rc.Close() }, nil
}
