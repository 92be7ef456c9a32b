// Package dispatch hands queued jobs to workers and applies their reports.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kiranshivaraju/genqueue/internal/artifact"
	"github.com/kiranshivaraju/genqueue/internal/cache"
	"github.com/kiranshivaraju/genqueue/internal/metrics"
	"github.com/kiranshivaraju/genqueue/internal/store"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// ReportSummary counts what a report changed.
type ReportSummary struct {
	Done    int
	Failed  int
	Ignored int
}

// Service implements the worker-facing claim and report operations.
type Service struct {
	store      store.Store
	files      *artifact.FileStore
	cache      cache.Cache
	metrics    *metrics.Metrics
	logger     *slog.Logger
	claimLimit int
	retryAfter time.Duration
}

func NewService(st store.Store, files *artifact.FileStore, ca cache.Cache, claimLimit int, retryAfter time.Duration, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		files:      files,
		cache:      ca,
		metrics:    m,
		logger:     logger,
		claimLimit: claimLimit,
		retryAfter: retryAfter,
	}
}

// Claim moves up to the configured limit of Queued jobs to Assigned. An
// empty batch carries a retry hint for the worker.
func (s *Service) Claim(ctx context.Context) (models.ClaimResponse, error) {
	tasks, err := s.store.ClaimBatch(ctx, s.claimLimit)
	if err != nil {
		return models.ClaimResponse{}, fmt.Errorf("claim batch: %w", err)
	}
	if len(tasks) == 0 {
		return models.ClaimResponse{
			Result:            0,
			RetryAfterSeconds: int(math.Ceil(s.retryAfter.Seconds())),
		}, nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	s.invalidate(ctx, ids...)
	s.metrics.ClaimedJobs.Add(float64(len(tasks)))
	s.logger.Info("jobs claimed", "count", len(tasks), "job_ids", ids)

	return models.ClaimResponse{Result: len(tasks), Data: tasks}, nil
}

// Report applies each result. Results for jobs that are not Assigned are
// ignored. Store failures are collected and returned so the worker retries;
// already applied results are ignored on the retry.
func (s *Service) Report(ctx context.Context, results []models.Result) (ReportSummary, error) {
	var (
		summary ReportSummary
		errs    []error
	)
	for _, res := range results {
		outcome, err := s.apply(ctx, res)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch outcome {
		case models.StatusDone:
			summary.Done++
		case models.StatusFailed:
			summary.Failed++
		default:
			summary.Ignored++
		}
	}
	s.metrics.Reports.WithLabelValues("done").Add(float64(summary.Done))
	s.metrics.Reports.WithLabelValues("failed").Add(float64(summary.Failed))
	s.metrics.Reports.WithLabelValues("ignored").Add(float64(summary.Ignored))

	return summary, errors.Join(errs...)
}

// apply returns the status it set, or StatusNone when the result was ignored.
func (s *Service) apply(ctx context.Context, res models.Result) (models.Status, error) {
	if !artifact.ValidID(res.ID) {
		s.logger.Warn("report for invalid job id ignored", "job_id", res.ID)
		return models.StatusNone, nil
	}

	job, err := s.store.GetJob(ctx, res.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("report for unknown job ignored", "job_id", res.ID)
		return models.StatusNone, nil
	}
	if err != nil {
		return models.StatusNone, fmt.Errorf("lookup job %s: %w", res.ID, err)
	}
	if job.Status != models.StatusAssigned {
		s.logger.Info("report for job not assigned ignored", "job_id", res.ID, "status", job.Status.String())
		return models.StatusNone, nil
	}

	// Only the report whose conditional update wins commits its staged images.
	target := models.StatusDone
	var staged *artifact.Staged
	if res.HasError() {
		s.logger.Warn("job reported failed", "job_id", res.ID, "error", res.Error)
		target = models.StatusFailed
	} else if staged, err = s.stageImages(ctx, res); err != nil {
		s.logger.Error("storing images failed", "job_id", res.ID, "error", err)
		target = models.StatusFailed
	}

	applied, err := s.store.SetTerminal(ctx, res.ID, target)
	if err != nil {
		s.discard(res.ID, staged)
		return models.StatusNone, fmt.Errorf("set job %s %s: %w", res.ID, target, err)
	}
	if !applied {
		// Reclaimed or reported by someone else between the lookup and the update.
		s.discard(res.ID, staged)
		s.logger.Info("job changed before report applied", "job_id", res.ID)
		return models.StatusNone, nil
	}
	if staged != nil {
		if err := staged.Commit(); err != nil {
			// The job stays Done and polls as not ready.
			s.logger.Error("committing images failed", "job_id", res.ID, "error", err)
		}
	}
	s.invalidate(ctx, res.ID)
	s.logger.Info("job finished", "job_id", res.ID, "status", target.String())
	return target, nil
}

func (s *Service) stageImages(ctx context.Context, res models.Result) (*artifact.Staged, error) {
	images, err := res.OrderedImages(s.files.ImageCount())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", artifact.ErrInvalidImage, err)
	}
	return s.files.StageImages(ctx, res.ID, images)
}

func (s *Service) discard(id string, staged *artifact.Staged) {
	if staged == nil {
		return
	}
	if err := staged.Discard(); err != nil {
		s.logger.Warn("discarding staged images failed", "job_id", id, "error", err)
	}
}

func (s *Service) invalidate(ctx context.Context, ids ...string) {
	if err := s.cache.InvalidateJobs(ctx, ids...); err != nil {
		s.logger.Warn("status cache invalidate failed", "job_ids", ids, "error", err)
	}
}
