package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	next := ExponentialBackoff(BackoffConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      2,
	})

	assert.Equal(t, 10*time.Millisecond, next(0))
	assert.Equal(t, 10*time.Millisecond, next(1))
	assert.Equal(t, 20*time.Millisecond, next(2))
	assert.Equal(t, 40*time.Millisecond, next(3))
	assert.Equal(t, 50*time.Millisecond, next(4), "capped at MaxInterval")
	assert.Equal(t, 50*time.Millisecond, next(10))
}

func TestExponentialBackoffJitter(t *testing.T) {
	next := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Jitter:          true,
	})

	for i := 0; i < 100; i++ {
		d := next(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestBackoffResets(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Second, Multiplier: 2})

	assert.Equal(t, time.Millisecond, b.Failure())
	assert.Equal(t, 2*time.Millisecond, b.Failure())
	assert.Equal(t, 4*time.Millisecond, b.Failure())
	b.Reset()
	assert.Equal(t, time.Millisecond, b.Failure())
}

func fastConfig(retries int) BackoffConfig {
	return BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: retries}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("address in use")
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUp(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return boom
	}, fastConfig(2))

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestWithRetryStopError(t *testing.T) {
	permanent := errors.New("permission denied")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(permanent)
	}, fastConfig(5))

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsStopError(Stop(permanent)))
	assert.False(t, IsStopError(permanent))
}

func TestWithRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error { return errors.New("fail") }, fastConfig(3))
	assert.ErrorIs(t, err, context.Canceled)
}
