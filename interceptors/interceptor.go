package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/reliability"
)

// Handler is the next step of an interceptor chain
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Interceptor wraps handler invocation
type Interceptor interface {
	// Intercept processes an envelope and calls the next handler in the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain runs interceptors in the order they were added; the first
// one added is the outermost.
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger, interceptors ...Interceptor) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: append([]Interceptor(nil), interceptors...),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Execute executes the interceptor chain
func (c *InterceptorChain) Execute(ctx context.Context, env *contracts.Envelope, final Handler) error {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, next)
		})
	}

	return handler.Handle(ctx, env)
}

// PanicError is returned by RecoverInterceptor when the handler panicked
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Unwrap returns the panic value when it was an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// RecoverInterceptor turns a handler panic into a PanicError
type RecoverInterceptor struct{}

// NewRecoverInterceptor creates a new recover interceptor
func NewRecoverInterceptor() *RecoverInterceptor {
	return &RecoverInterceptor{}
}

// Intercept implements Interceptor
func (i *RecoverInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *RecoverInterceptor) Name() string {
	return "RecoverInterceptor"
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", env.MessageID,
		"key", env.Key.String(),
		"correlationId", env.CorrelationID,
		"attempt", env.Attempt,
	)

	err := next.Handle(ctx, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", env.MessageID,
			"key", env.Key.String(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed successfully",
			"messageId", env.MessageID,
			"key", env.Key.String(),
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per-key processing measurements
type MetricsCollector interface {
	IncrementMessageCount(key string)
	RecordProcessingTime(key string, duration time.Duration)
	IncrementErrorCount(key string, errorType string)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	start := time.Now()
	key := env.Key.String()

	i.collector.IncrementMessageCount(key)

	err := next.Handle(ctx, env)

	i.collector.RecordProcessingTime(key, time.Since(start))
	if err != nil {
		i.collector.IncrementErrorCount(key, ErrorType(err))
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// ErrorType maps an error to a low-cardinality label
func ErrorType(err error) string {
	var (
		panicErr   *PanicError
		castErr    *contracts.CastError
		decodeErr  *contracts.DecodeError
		publishErr *contracts.PublishError
		circuitErr *reliability.CircuitBreakerError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &panicErr):
		return "panic"
	case errors.As(err, &castErr):
		return "cast_error"
	case errors.As(err, &decodeErr):
		return "decode_error"
	case errors.As(err, &publishErr):
		return "publish_error"
	case errors.As(err, &circuitErr):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "handler_error"
}

// TimeoutInterceptor bounds handler execution with a deadline on the context
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	return next.Handle(timeoutCtx, env)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// MessageValidator inspects an envelope before the handler sees it
type MessageValidator interface {
	Validate(ctx context.Context, env *contracts.Envelope) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(ctx context.Context, env *contracts.Envelope) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// ValidationInterceptor validates messages before processing
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	if err := i.validator.Validate(ctx, env); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
