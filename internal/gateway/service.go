// Package gateway accepts job submissions and answers status polls.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/genqueue/internal/artifact"
	"github.com/kiranshivaraju/genqueue/internal/cache"
	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/internal/metrics"
	"github.com/kiranshivaraju/genqueue/internal/store"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

var (
	ErrInvalidID      = errors.New("invalid job id")
	ErrEmptyText      = errors.New("text is required")
	ErrTextTooLong    = errors.New("text exceeds maximum length")
	ErrAlreadyPending = store.ErrAlreadyPending
	ErrNotReady       = errors.New("job artifacts not ready")
)

// PollResult is what a submitter sees for a job id.
type PollResult struct {
	ID             string
	Status         models.Status
	ArtifactsReady bool
}

type submission struct {
	ID   string `validate:"required,jobid"`
	Text string `validate:"required"`
}

// Service implements submit and poll on top of the store and artifact directory.
type Service struct {
	store    store.Store
	files    *artifact.FileStore
	cache    cache.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	validate *validator.Validate
	maxText  int
	cacheTTL time.Duration
}

func NewService(st store.Store, files *artifact.FileStore, ca cache.Cache, cfg config.GatewayConfig, m *metrics.Metrics, logger *slog.Logger) *Service {
	v := validator.New()
	_ = v.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return artifact.ValidID(fl.Field().String())
	})
	return &Service{
		store:    st,
		files:    files,
		cache:    ca,
		metrics:  m,
		logger:   logger,
		validate: v,
		maxText:  cfg.MaxTextLength,
		cacheTTL: cfg.StatusCacheTTL,
	}
}

// Submit queues text under id, generating an id when none is given.
// The input artifact is written before the row becomes visible as Queued.
func (s *Service) Submit(ctx context.Context, id, text string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.check(submission{ID: id, Text: text}); err != nil {
		s.metrics.Submissions.WithLabelValues("invalid").Inc()
		return "", err
	}

	job, err := s.store.GetJob(ctx, id)
	switch {
	case err == nil && job.Status.Pending():
		s.metrics.Submissions.WithLabelValues("pending").Inc()
		return "", ErrAlreadyPending
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("lookup job: %w", err)
	}

	if err := s.files.WriteInput(ctx, id, text); err != nil {
		return "", fmt.Errorf("write input: %w", err)
	}

	if err := s.store.UpsertQueued(ctx, id, text); err != nil {
		if errors.Is(err, store.ErrAlreadyPending) {
			// A concurrent submission won; our text may have replaced its input.
			s.restoreInput(ctx, id)
			s.metrics.Submissions.WithLabelValues("pending").Inc()
			return "", ErrAlreadyPending
		}
		return "", fmt.Errorf("queue job: %w", err)
	}

	s.invalidate(ctx, id)
	s.metrics.Submissions.WithLabelValues("queued").Inc()
	s.logger.Info("job queued", "job_id", id)
	return id, nil
}

// Poll returns the externally visible status. Unknown and evicted ids both
// report StatusNone.
func (s *Service) Poll(ctx context.Context, id string) (PollResult, error) {
	if !artifact.ValidID(id) {
		return PollResult{}, ErrInvalidID
	}

	status, err := s.status(ctx, id)
	if err != nil {
		return PollResult{}, err
	}
	status = status.External()

	return PollResult{
		ID:             id,
		Status:         status,
		ArtifactsReady: status == models.StatusDone && s.files.ImagesReady(id),
	}, nil
}

// CheckDownload returns ErrNotReady unless the job is Done with every image on disk.
func (s *Service) CheckDownload(ctx context.Context, id string) error {
	res, err := s.Poll(ctx, id)
	if err != nil {
		return err
	}
	if !res.ArtifactsReady {
		return ErrNotReady
	}
	return nil
}

func (s *Service) status(ctx context.Context, id string) (models.Status, error) {
	if st, ok, err := s.cache.GetJobStatus(ctx, id); err != nil {
		s.logger.Warn("status cache read failed", "job_id", id, "error", err)
	} else if ok {
		return st, nil
	}

	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.StatusNone, nil
	}
	if err != nil {
		return models.StatusNone, fmt.Errorf("lookup job: %w", err)
	}

	if s.cacheTTL > 0 {
		s.cacheStatus(ctx, id, job.Status)
	}
	return job.Status, nil
}

// cacheStatus stores st and then re-reads the row. A transition whose
// invalidation ran before the write would otherwise stay hidden for the TTL.
func (s *Service) cacheStatus(ctx context.Context, id string, st models.Status) {
	if err := s.cache.SetJobStatus(ctx, id, st, s.cacheTTL); err != nil {
		s.logger.Warn("status cache write failed", "job_id", id, "error", err)
		return
	}
	job, err := s.store.GetJob(ctx, id)
	if err == nil && job.Status == st {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("status recheck failed", "job_id", id, "error", err)
	}
	s.invalidate(ctx, id)
}

// restoreInput rewrites the input file from the pending row's text.
func (s *Service) restoreInput(ctx context.Context, id string) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		s.logger.Warn("input restore lookup failed", "job_id", id, "error", err)
		return
	}
	if err := s.files.WriteInput(ctx, id, job.Text); err != nil {
		s.logger.Error("input restore failed", "job_id", id, "error", err)
	}
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.cache.InvalidateJobs(ctx, id); err != nil {
		s.logger.Warn("status cache invalidate failed", "job_id", id, "error", err)
	}
}

func (s *Service) check(sub submission) error {
	if err := s.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Text" {
			return ErrEmptyText
		}
		return fmt.Errorf("%w: %q", ErrInvalidID, sub.ID)
	}
	if err := s.validate.Var(sub.Text, fmt.Sprintf("max=%d", s.maxText)); err != nil {
		return fmt.Errorf("%w: limit is %d characters", ErrTextTooLong, s.maxText)
	}
	return nil
}
