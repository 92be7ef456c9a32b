// Package main is the entrypoint for a genqueue pull worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/internal/dispatch"
	"github.com/kiranshivaraju/genqueue/internal/inference"
	"github.com/kiranshivaraju/genqueue/internal/metrics"
	"github.com/kiranshivaraju/genqueue/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})).With("component", "worker")
	slog.SetDefault(logger)

	m := metrics.New()
	w, err := newWorker(cfg, m, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	if cfg.MetricsPort > 0 {
		g.Go(func() error { return m.Serve(ctx, cfg.MetricsPort, logger) })
	}
	return g.Wait()
}

func newWorker(cfg *config.WorkerConfig, m *metrics.Metrics, logger *slog.Logger) (*worker.Worker, error) {
	provider, err := inference.NewProvider(cfg.Inference, cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("create inference provider: %w", err)
	}
	logger.Info("inference provider initialized", "provider", provider.Name(), "coordinator", cfg.Dispatch.URL)

	client := dispatch.NewHTTPClient(cfg.Dispatch.URL, cfg.Dispatch.Token, cfg.Dispatch.Timeout)
	return worker.New(client, provider, policiesFrom(cfg), m, logger), nil
}

func policiesFrom(cfg *config.WorkerConfig) worker.Policies {
	return worker.Policies{
		Claim:     worker.PolicyFrom(cfg.Claim),
		Inference: worker.PolicyFrom(cfg.Inference.Retry),
		Report:    worker.PolicyFrom(cfg.Report),
		IdleDelay: cfg.ClaimIdleDelay,
	}
}
