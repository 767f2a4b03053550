package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures exponential backoff between attempts
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts counts the first try; 1 disables retries
	MaxAttempts int
	// Jitter is the randomization factor applied to each delay (0 disables it)
	Jitter float64
	// Retryable classifies errors; IsRetryableError when nil
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the policy used for publishing
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		MaxAttempts:     3,
		Jitter:          0.15,
	}
}

// NewBackOff builds the backoff/v4 schedule for the policy, bound to ctx
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsRetryableError(err)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the policy
// runs out of attempts or ctx is done. Exhaustion is reported as RetryError.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	start := time.Now()
	attempts := 0

	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err != nil && !policy.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy.NewBackOff(ctx))
	if err == nil {
		return nil
	}
	if !policy.retryable(err) {
		return err
	}

	return &RetryError{
		Op:          op,
		Attempts:    attempts,
		MaxAttempts: policy.MaxAttempts,
		LastError:   err,
		Duration:    time.Since(start),
	}
}

// RetryableError marks an error as retryable or not, overriding the default
// classification.
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// IsRetryableError reports whether err is worth another attempt. Context
// errors, open circuits and errors marked non-retryable are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrNonRetryable):
		return false
	}

	var cbErr *CircuitBreakerError
	if errors.As(err, &cbErr) {
		return false
	}
	return true
}
