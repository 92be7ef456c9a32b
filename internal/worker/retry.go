package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/genqueue/internal/config"
)

// RetryPolicy retries an operation with a fixed delay between attempts.
// Attempts counts every call including the first; zero means retry until
// the context ends.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// PolicyFrom converts a config retry block.
func PolicyFrom(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{Attempts: c.Attempts, Delay: c.Delay}
}

// Unbounded reports whether the policy never gives up on its own.
func (p RetryPolicy) Unbounded() bool {
	return p.Attempts <= 0
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	if !p.Unbounded() {
		b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, the attempts run out or ctx is done. The
// last error is returned. onRetry is called after each failed attempt that
// will be retried.
func (p RetryPolicy) Do(ctx context.Context, op func() error, onRetry func(err error, attempt int)) error {
	attempt := 0
	operation := func() error {
		attempt++
		return op()
	}
	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(err, attempt)
		}
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}
