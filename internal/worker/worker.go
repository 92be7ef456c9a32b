// Package worker implements the pull loop that claims batches from the
// coordinator, runs inference on them and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/genqueue/internal/metrics"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// ModelFailure is the error reported for every task when inference gives up.
const ModelFailure = "Can't get results from model"

// ErrReportAbandoned is returned by Step when the report could not be
// delivered. The batch stays Assigned until the collector reclaims it.
var ErrReportAbandoned = errors.New("report abandoned")

// Dispatcher is the coordinator as seen by a worker.
type Dispatcher interface {
	Claim(ctx context.Context) (models.ClaimResponse, error)
	Report(ctx context.Context, results []models.Result) error
}

// Policies groups the retry behavior of each stage.
type Policies struct {
	Claim     RetryPolicy
	Inference RetryPolicy
	Report    RetryPolicy
	// IdleDelay is used after an empty claim that carries no retry hint.
	IdleDelay time.Duration
}

// Worker processes one batch at a time.
type Worker struct {
	dispatcher Dispatcher
	provider   models.InferenceProvider
	policies   Policies
	metrics    *metrics.Metrics
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(d Dispatcher, provider models.InferenceProvider, policies Policies, m *metrics.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		dispatcher: d,
		provider:   provider,
		policies:   policies,
		metrics:    m,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Run loops until ctx is cancelled. Errors and panics inside a step are
// logged and the loop moves on.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "provider", w.provider.Name())
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}
		if _, err := w.safeStep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("worker step failed", "error", err)
		}
	}
}

func (w *Worker) safeStep(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.metrics.WorkerBatches.WithLabelValues("panic").Inc()
			err = fmt.Errorf("panic in worker step: %v", r)
		}
	}()
	return w.Step(ctx)
}

// Step claims one batch and carries it through inference and reporting.
// It returns the number of tasks claimed.
func (w *Worker) Step(ctx context.Context) (int, error) {
	batch, err := w.claim(ctx)
	if err != nil {
		return 0, err
	}
	if len(batch.Data) == 0 {
		w.metrics.WorkerBatches.WithLabelValues("empty").Inc()
		delay := w.policies.IdleDelay
		if batch.RetryAfterSeconds > 0 {
			delay = time.Duration(batch.RetryAfterSeconds) * time.Second
		}
		w.logger.Debug("no work available", "sleep", delay)
		return 0, w.sleep(ctx, delay)
	}

	ids := taskIDs(batch.Data)
	w.logger.Info("batch claimed", "count", len(ids), "job_ids", ids)

	results, degraded := w.compute(ctx, batch.Data)
	if ctx.Err() != nil {
		return len(ids), ctx.Err()
	}

	if err := w.report(ctx, results); err != nil {
		w.metrics.WorkerBatches.WithLabelValues("abandoned").Inc()
		w.logger.Error("report abandoned, jobs left assigned", "job_ids", ids, "error", err)
		return len(ids), fmt.Errorf("%w: %v", ErrReportAbandoned, err)
	}

	outcome := "reported"
	if degraded {
		outcome = "degraded"
	}
	w.metrics.WorkerBatches.WithLabelValues(outcome).Inc()
	w.logger.Info("batch reported", "count", len(results), "degraded", degraded)
	return len(ids), nil
}

func (w *Worker) claim(ctx context.Context) (models.ClaimResponse, error) {
	var batch models.ClaimResponse
	err := w.policies.Claim.Do(ctx, func() error {
		var err error
		batch, err = w.dispatcher.Claim(ctx)
		return err
	}, func(err error, attempt int) {
		w.logger.Warn("claim failed, retrying", "attempt", attempt, "error", err)
	})
	if err != nil {
		return models.ClaimResponse{}, fmt.Errorf("claim: %w", err)
	}
	return batch, nil
}

// compute returns one result per task. When inference keeps failing every
// task gets an error entry and degraded is true.
func (w *Worker) compute(ctx context.Context, tasks []models.Task) ([]models.Result, bool) {
	var results []models.Result
	err := w.policies.Inference.Do(ctx, func() error {
		start := time.Now()
		var err error
		results, err = w.provider.Generate(ctx, tasks)
		w.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
		return err
	}, func(err error, attempt int) {
		w.logger.Warn("inference failed, retrying", "attempt", attempt, "provider", w.provider.Name(), "error", err)
	})
	if err != nil {
		w.logger.Error("inference failed, reporting batch as failed", "provider", w.provider.Name(), "error", err)
		failed := make([]models.Result, len(tasks))
		for i, t := range tasks {
			failed[i] = models.FailedResult(t.ID, ModelFailure)
		}
		return failed, true
	}
	return w.align(tasks, results), false
}

// align keeps one result per claimed task in claim order. Results for ids
// that were not claimed are dropped and missing ids get an error entry.
func (w *Worker) align(tasks []models.Task, results []models.Result) []models.Result {
	byID := make(map[string]models.Result, len(results))
	for _, r := range results {
		if _, dup := byID[r.ID]; !dup {
			byID[r.ID] = r
		}
	}
	out := make([]models.Result, len(tasks))
	for i, t := range tasks {
		r, ok := byID[t.ID]
		if !ok {
			w.logger.Warn("model returned no result for task", "job_id", t.ID)
			r = models.FailedResult(t.ID, ModelFailure)
		}
		out[i] = r
	}
	return out
}

func (w *Worker) report(ctx context.Context, results []models.Result) error {
	return w.policies.Report.Do(ctx, func() error {
		return w.dispatcher.Report(ctx, results)
	}, func(err error, attempt int) {
		w.logger.Warn("report failed, retrying", "attempt", attempt, "error", err)
	})
}

func taskIDs(tasks []models.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
