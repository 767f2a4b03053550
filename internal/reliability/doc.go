// Package reliability wraps publish and handler calls with retries and a
// circuit breaker.
//
// Retries use exponential backoff from github.com/cenkalti/backoff/v4, the
// circuit breaker is github.com/sony/gobreaker. Both share one error
// classification: IsRetryableError.
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute("publish", func() error {
//	    return Retry(ctx, DefaultRetryPolicy(), "publish", send)
//	})
package reliability
