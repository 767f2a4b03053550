package interceptors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/reliability"
)

// RetryInterceptor retries a failing handler in-process before the ack
// policy sees the error. Panics, cast and decode errors are not retried.
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	if retryPolicy.Retryable == nil {
		retryPolicy.Retryable = retryableHandlerError
	}
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements Interceptor
func (r *RetryInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	attempt := 0
	err := reliability.Retry(ctx, r.retryPolicy, "handle "+env.Key.String(), func() error {
		attempt++
		err := next.Handle(ctx, env)
		if err != nil && attempt < r.retryPolicy.MaxAttempts {
			r.logger.Debug("handler failed, retrying",
				"messageId", env.MessageID,
				"key", env.Key.String(),
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})

	// keep the handler's own error for classification by the ack policy
	var retryErr *reliability.RetryError
	if errors.As(err, &retryErr) {
		r.logger.Warn("handler retries exhausted",
			"messageId", env.MessageID,
			"key", env.Key.String(),
			"attempts", retryErr.Attempts,
		)
		return retryErr.LastError
	}
	return err
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}

func retryableHandlerError(err error) bool {
	var (
		panicErr  *PanicError
		castErr   *contracts.CastError
		decodeErr *contracts.DecodeError
	)
	if errors.As(err, &panicErr) || errors.As(err, &castErr) || errors.As(err, &decodeErr) {
		return false
	}
	return reliability.IsRetryableError(err)
}
