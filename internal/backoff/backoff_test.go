package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errTerminal = errors.New("terminal")

func noSleep(context.Context, time.Duration) error { return nil }

func TestDoSucceedsWithoutRetry(t *testing.T) {
	p := Policy{MaxRetries: 3, Delay: time.Millisecond, IsRetryable: func(error) bool { return true }, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesOnRetryableError(t *testing.T) {
	p := Policy{MaxRetries: 3, Delay: time.Millisecond, IsRetryable: func(err error) bool { return err == errTransient }, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	p := Policy{MaxRetries: 3, Delay: time.Millisecond, IsRetryable: func(err error) bool { return err == errTransient }, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTerminal
	})
	assert.ErrorIs(t, err, errTerminal)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	p := Policy{MaxRetries: 2, Delay: time.Millisecond, IsRetryable: func(error) bool { return true }, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDoAbortsOnContextCancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxRetries:  3,
		Delay:       time.Millisecond,
		IsRetryable: func(error) bool { return true },
		Sleep: func(context.Context, time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	err := p.Do(ctx, func(context.Context) error { return errTransient })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJitterWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(100*time.Millisecond, 500*time.Millisecond)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 500*time.Millisecond)
	}
}

func TestJitterDegenerateRange(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, Jitter(200*time.Millisecond, 200*time.Millisecond))
}
