package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/genqueue/pkg/models"
)

var ErrNotFound = errors.New("job not found")
var ErrAlreadyPending = errors.New("job already pending")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface for job records. Every mutation is a
// single status-conditioned statement so concurrent processes coordinate
// through the store alone.
type Store interface {
	Ping(ctx context.Context) error

	// UpsertQueued inserts a Queued row or resets a non-pending one.
	// Returns ErrAlreadyPending if the job is Queued or Assigned.
	UpsertQueued(ctx context.Context, id, text string) error
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ClaimBatch flips up to limit Queued rows to Assigned and returns them.
	// A row is handed to at most one caller.
	ClaimBatch(ctx context.Context, limit int) ([]models.Task, error)
	// SetTerminal moves an Assigned row to Done or Failed. It reports false,
	// without error, when the row is missing or not Assigned.
	SetTerminal(ctx context.Context, id string, status models.Status) (bool, error)

	// MarkStaleOlderThan marks every row idle for longer than age, whatever
	// its status, and returns the marked ids.
	MarkStaleOlderThan(ctx context.Context, age time.Duration) ([]string, error)
	// DeleteMarked removes rows marked for deletion and returns their ids.
	DeleteMarked(ctx context.Context) ([]string, error)
	// ExistingIDs reports which of ids have a row, in any status.
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

var validTransitions = map[models.Status][]models.Status{
	models.StatusQueued:   {models.StatusAssigned},
	models.StatusAssigned: {models.StatusDone, models.StatusFailed},
}

// CanTransition reports whether a worker-driven edge from -> to exists.
// Eviction (any -> MarkedForDeletion) and resubmission are handled separately.
func CanTransition(from, to models.Status) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for last_modified stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
