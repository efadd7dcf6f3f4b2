package pkg

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff holds the retry delay settings of a retry loop.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the randomization factor, in [0, 1].
	Jitter float64
}

// Schedule returns a fresh exponential schedule that allows at most retries
// retries after the first attempt and stops when ctx is done. Schedules are
// not safe for concurrent use; every retry loop takes its own.
func (b Backoff) Schedule(ctx context.Context, retries int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.MaxInterval = b.Max
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.RandomizationFactor = min(max(b.Jitter, 0), 1)
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.Reset()

	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}
