// internal/store/retry.go
package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/libranexus/circulation/internal/apperr"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

// ErrInvalidMaxAttempts is returned when max attempts are not positive.
var ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

type retryConfig struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
	onRetry      func(attempt int, err error)
}

// RetryOption configures Retry.
type RetryOption func(*retryConfig) error

// WithMaxAttempts sets the number of attempts including the first.
func WithMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) error {
		if n <= 0 {
			return ErrInvalidMaxAttempts
		}
		c.maxAttempts = n
		return nil
	}
}

// WithBaseDelay sets the first backoff delay. Later delays double.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) error {
		c.baseDelay = d
		return nil
	}
}

// OnRetry registers a hook called before each retry.
func OnRetry(fn func(attempt int, err error)) RetryOption {
	return func(c *retryConfig) error {
		c.onRetry = fn
		return nil
	}
}

// Retry runs fn and retries it with exponential backoff and jitter while it
// fails with a Conflict. Any other error is returned at once.
//
// Default schedule: 0, 10, 20, 40, 80 ms plus up to 30% jitter.
func Retry(ctx context.Context, fn func(ctx context.Context) error, opts ...RetryOption) error {
	cfg := &retryConfig{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.baseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * cfg.jitterFactor //nolint:gosec // jitter only
			if cfg.onRetry != nil {
				cfg.onRetry(attempt, lastErr)
			}
			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !apperr.IsRetryable(lastErr) || errors.Is(lastErr, apperr.ErrRateLimited) {
			return lastErr
		}
	}
	return lastErr
}

// InTx runs fn in a read-write transaction of st, retrying the whole
// transaction on Conflict.
func InTx(ctx context.Context, st Store, fn func(ctx context.Context, tx Tx) error, opts ...RetryOption) error {
	return Retry(ctx, func(ctx context.Context) error {
		return st.WithinTx(ctx, func(tx Tx) error { return fn(ctx, tx) })
	}, opts...)
}
