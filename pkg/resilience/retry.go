// Package resilience wraps calls to external dependencies with timeouts,
// retries and circuit breaking.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// RetryPolicy configures exponential backoff between attempts.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// Notify is called before each retry sleep.
	Notify func(attempt int, err error, wait time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  time.Minute,
	}
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// policy is exhausted. Only errors classified by memory.IsRetryable are
// retried. The number of attempts made is returned alongside the result.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, int, error) {
	if p.MaxTries == 0 {
		p.MaxTries = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	attempts := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
	}
	if p.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsedTime))
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.Notify(attempts, err, wait)
		}))
	}

	out, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && !memory.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
	return out, attempts, err
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) (int, error) {
	_, attempts, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return attempts, err
}

// WithTimeout runs op under a per-call deadline. Hitting the deadline while
// the parent context is still live is reported as a retryable dependency
// failure.
func WithTimeout(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	if d <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := op(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("call exceeded %s: %w: %w", d, memory.ErrDependencyUnavailable, err)
	}
	return err
}
