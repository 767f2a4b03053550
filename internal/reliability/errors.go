package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNonRetryable marks errors that must not be retried
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned when the circuit rejects a call
type CircuitBreakerError struct {
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	Err              error
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker open: %s blocked (failures=%d/%d)",
			e.Op, e.Failures, e.FailureThreshold)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker half-open: %s limited", e.Op)
	default:
		return fmt.Sprintf("circuit breaker error: %s in state %v", e.Op, e.State)
	}
}

func (e *CircuitBreakerError) Unwrap() error {
	return e.Err
}

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
