package reliability

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// State is the circuit breaker state
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// CircuitBreaker guards an operation with a gobreaker circuit
type CircuitBreaker struct {
	cb               *gobreaker.CircuitBreaker
	name             string
	failureThreshold uint32
	halfOpenRequests uint32
	timeout          time.Duration
	interval         time.Duration
	isFailure        func(error) bool
	logger           *slog.Logger
	listeners        []func(from, to State)
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold uint32) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the max requests let through while half-open
func WithHalfOpenRequests(requests uint32) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithInterval sets the cyclic period after which closed-state counts reset
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.interval = interval
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailurePredicate decides which errors count against the circuit.
// Errors that are not retryable are caller mistakes and do not count by default.
func WithFailurePredicate(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// WithBreakerLogger sets the logger for state transitions
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithStateListener registers a callback for state transitions
func WithStateListener(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, fn)
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	c := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		halfOpenRequests: 1,
		timeout:          30 * time.Second,
		isFailure:        IsRetryableError,
		logger:           slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.name,
		MaxRequests: c.halfOpenRequests,
		Interval:    c.interval,
		Timeout:     c.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.failureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !c.isFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			for _, fn := range c.listeners {
				fn(from, to)
			}
		},
	})
	return c
}

// Execute runs fn unless the circuit is open. A rejected call returns a
// CircuitBreakerError.
func (c *CircuitBreaker) Execute(op string, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		counts := c.cb.Counts()
		return &CircuitBreakerError{
			State:            c.cb.State(),
			Op:               op,
			Failures:         int(counts.ConsecutiveFailures),
			FailureThreshold: int(c.failureThreshold),
			Err:              err,
		}
	}
	return err
}

// State returns the current state
func (c *CircuitBreaker) State() State {
	return c.cb.State()
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string {
	return c.name
}
