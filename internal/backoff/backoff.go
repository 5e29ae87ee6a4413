// Package backoff implements the client's Hub transport retry policy:
// a bounded number of fixed-delay retries on a caller-supplied
// retryable-error predicate, plus a small randomized jitter helper for
// spacing back-to-back POSTs.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds retries at MaxRetries attempts beyond the first, each
// separated by Delay, only continuing when IsRetryable reports true
// for the error returned by the attempted operation.
type Policy struct {
	MaxRetries  int
	Delay       time.Duration
	IsRetryable func(error) bool

	// Sleep is injectable for deterministic tests; defaults to a
	// context-aware real sleep.
	Sleep func(context.Context, time.Duration) error
}

// Do runs fn, retrying up to MaxRetries additional times with Delay
// between attempts while IsRetryable(err) holds. It returns the last
// error once retries are exhausted, or nil on first success.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.IsRetryable == nil || !p.IsRetryable(err) || attempt == p.MaxRetries {
			return err
		}
		if sleepErr := sleep(ctx, p.Delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Jitter returns a random duration in [min, max). Used to space
// back-to-back Hub POSTs so a burst of queued payloads doesn't hammer
// the Hub in lockstep.
func Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
