// Package retry provides the single retry policy used by the embedding,
// storage and vector store layers: a bounded attempt count with either a
// fixed or an exponentially growing delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fyrsmithlabs/securerag/internal/config"
)

// Kind selects how the delay evolves between attempts.
type Kind string

const (
	Fixed       Kind = "fixed"
	Exponential Kind = "exponential"
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int
	Kind        Kind
	Delay       time.Duration
	MaxDelay    time.Duration

	// Retryable reports whether err is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// FromSettings builds a Policy from configuration.
func FromSettings(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: c.MaxAttempts,
		Kind:        Kind(c.Backoff),
		Delay:       c.Delay.Duration(),
		MaxDelay:    c.MaxDelay.Duration(),
	}
}

// None runs an operation exactly once.
func None() Policy {
	return Policy{MaxAttempts: 1, Kind: Fixed}
}

func (p Policy) backOff() backoff.BackOff {
	if p.Kind == Exponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.Delay
		b.Multiplier = 2
		b.RandomizationFactor = 0
		if p.MaxDelay > 0 {
			b.MaxInterval = p.MaxDelay
		}
		return b
	}
	return backoff.NewConstantBackOff(p.Delay)
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts or ctx is done. The last error is returned wrapped with the
// attempt count.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(attempt, err, wait)
		}))
	}

	v, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return v, fmt.Errorf("%w (after %d attempts): %w", ctxErr, attempt, err)
		}
		return v, &ExhaustedError{Attempts: attempt, Err: err}
	}
	return v, nil
}

// ExhaustedError reports the final failure of a retried operation.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
