// Package retry provides exponential backoff with optional jitter.
//
// It is used where the proxy waits out transient failures: the accept
// loop backs off after listener errors, and startup retries binding a
// listen address that is still held by a previous process.
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 200 * time.Millisecond,
//		MaxInterval:     2 * time.Second,
//		Multiplier:      2.0,
//		MaxRetries:      5,
//	}
//
//	err := retry.WithRetry(ctx, func() error {
//		if err := srv.Start(); err != nil && !server.IsAddrInUse(err) {
//			return retry.Stop(err)
//		}
//		...
//	}, cfg)
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/migadu/bender/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay before the given attempt. Attempt 1
// waits InitialInterval; each further attempt multiplies it, capped at
// MaxInterval. With Jitter the delay is drawn from [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			return jitter(config, config.InitialInterval)
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		return jitter(config, time.Duration(interval))
	}
}

func jitter(config BackoffConfig, d time.Duration) time.Duration {
	if !config.Jitter || d < 2 {
		return d
	}
	return d/2 + rand.N(d/2)
}

// Backoff tracks consecutive failures of a loop that never gives up, such
// as an accept loop.
type Backoff struct {
	next     func(int) time.Duration
	failures int
}

// NewBackoff returns a Backoff using config. MaxRetries is ignored.
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{next: ExponentialBackoff(config)}
}

// Failure records a failure and returns how long to wait before trying
// again.
func (b *Backoff) Failure() time.Duration {
	b.failures++
	return b.next(b.failures)
}

// Reset clears the failure count after a success.
func (b *Backoff) Reset() {
	b.failures = 0
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, returns a StopError, ctx is done or
// MaxRetries retries were spent.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		logger.Debug("Retrying after failure", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
