package interceptors

import (
	"context"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/reliability"
)

// CircuitBreakerInterceptor stops calling a handler whose downstream keeps
// failing. While the circuit is open the message fails fast with a
// reliability.CircuitBreakerError and is settled by the ack policy.
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor creates an interceptor around breaker
func NewCircuitBreakerInterceptor(breaker *reliability.CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	return i.breaker.Execute("handle "+env.Key.String(), func() error {
		return next.Handle(ctx, env)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
