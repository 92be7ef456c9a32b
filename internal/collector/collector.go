// Package collector reclaims stale jobs and orphaned artifact directories.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/genqueue/internal/artifact"
	"github.com/kiranshivaraju/genqueue/internal/cache"
	"github.com/kiranshivaraju/genqueue/internal/config"
	"github.com/kiranshivaraju/genqueue/internal/metrics"
	"github.com/kiranshivaraju/genqueue/internal/store"
)

// Sweep names, in the order they run.
const (
	SweepOrphans   = "orphans"
	SweepDeletion  = "deletion"
	SweepStaleness = "staleness"
)

// Report is the outcome of one cycle.
type Report struct {
	Orphans int
	Deleted int
	Marked  int
	// Errors holds the failure of each sweep that did not finish cleanly.
	Errors map[string]error
}

// Collector runs the three sweeps on a fixed interval.
type Collector struct {
	store        store.Store
	files        *artifact.FileStore
	cache        cache.Cache
	metrics      *metrics.Metrics
	logger       *slog.Logger
	interval     time.Duration
	staleTimeout time.Duration
	orphanGrace  time.Duration
	now          func() time.Time
}

func New(st store.Store, files *artifact.FileStore, ca cache.Cache, cfg config.CollectorConfig, m *metrics.Metrics, logger *slog.Logger) *Collector {
	return &Collector{
		store:        st,
		files:        files,
		cache:        ca,
		metrics:      m,
		logger:       logger,
		interval:     cfg.Interval,
		staleTimeout: cfg.StaleTimeout,
		orphanGrace:  cfg.OrphanGrace,
		now:          time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("collector started",
		"interval", c.interval,
		"stale_timeout", c.staleTimeout,
		"orphan_grace", c.orphanGrace,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Sweep(ctx)
		select {
		case <-ctx.Done():
			c.logger.Info("collector stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs orphan, deletion and staleness sweeps in that order. A failing
// sweep does not stop the ones after it.
func (c *Collector) Sweep(ctx context.Context) Report {
	report := Report{Errors: map[string]error{}}

	report.Orphans = c.run(ctx, SweepOrphans, c.sweepOrphans, report.Errors)
	report.Deleted = c.run(ctx, SweepDeletion, c.sweepDeleted, report.Errors)
	report.Marked = c.run(ctx, SweepStaleness, c.sweepStale, report.Errors)

	c.logger.Info("sweep cycle finished",
		"orphans_removed", report.Orphans,
		"jobs_deleted", report.Deleted,
		"jobs_marked", report.Marked,
		"failed_sweeps", len(report.Errors),
	)
	return report
}

func (c *Collector) run(ctx context.Context, name string, sweep func(context.Context) (int, error), errs map[string]error) (n int) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			c.logger.Error("sweep panicked", "sweep", name, "error", err)
			c.metrics.Sweeps.WithLabelValues(name, "error").Inc()
			errs[name] = err
		}
	}()

	n, err := sweep(ctx)
	c.metrics.SweptJobs.WithLabelValues(name).Add(float64(n))
	if err != nil {
		c.logger.Error("sweep failed", "sweep", name, "affected", n, "error", err)
		c.metrics.Sweeps.WithLabelValues(name, "error").Inc()
		errs[name] = err
		return n
	}
	c.metrics.Sweeps.WithLabelValues(name, "ok").Inc()
	return n
}

// sweepOrphans removes artifact directories that have no job row. Directories
// younger than the grace period are skipped since submit writes the input
// before it inserts the row.
func (c *Collector) sweepOrphans(ctx context.Context) (int, error) {
	entries, err := c.files.List()
	if err != nil {
		return 0, err
	}

	cutoff := c.now().Add(-c.orphanGrace)
	candidates := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.ModTime.Before(cutoff) {
			candidates = append(candidates, e.ID)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	existing, err := c.store.ExistingIDs(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("lookup ids: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, id := range candidates {
		if existing[id] {
			continue
		}
		if err := c.files.Remove(id); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Info("orphan directory removed", "job_id", id)
		removed++
	}
	return removed, errors.Join(errs...)
}

// sweepDeleted drops marked rows and then their directories.
func (c *Collector) sweepDeleted(ctx context.Context) (int, error) {
	ids, err := c.store.DeleteMarked(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete marked: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := c.files.Remove(id); err != nil {
			// Left for the orphan sweep.
			errs = append(errs, err)
		}
	}
	c.invalidate(ctx, ids)
	if len(ids) > 0 {
		c.logger.Info("marked jobs deleted", "count", len(ids), "job_ids", ids)
	}
	return len(ids), errors.Join(errs...)
}

// sweepStale marks every row idle past the timeout, whatever its status.
// This includes Done rows whose images were never downloaded.
func (c *Collector) sweepStale(ctx context.Context) (int, error) {
	ids, err := c.store.MarkStaleOlderThan(ctx, c.staleTimeout)
	if err != nil {
		return 0, fmt.Errorf("mark stale: %w", err)
	}
	c.invalidate(ctx, ids)
	if len(ids) > 0 {
		c.logger.Info("stale jobs marked for deletion", "count", len(ids), "job_ids", ids)
	}
	return len(ids), nil
}

func (c *Collector) invalidate(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := c.cache.InvalidateJobs(ctx, ids...); err != nil {
		c.logger.Warn("status cache invalidate failed", "job_ids", ids, "error", err)
	}
}
