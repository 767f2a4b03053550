// Package interceptors wraps handler invocation with cross-cutting concerns.
//
// Built-in interceptors:
//   - RecoverInterceptor: turns handler panics into PanicError
//   - LoggingInterceptor: logs message processing with timing information
//   - MetricsInterceptor: records per-key counts, durations and error types
//   - TimeoutInterceptor: bounds handler execution with a context deadline
//   - ValidationInterceptor: rejects envelopes before the handler sees them
//   - FilteringInterceptor: skips envelopes that do not match a filter
//   - RetryInterceptor: retries a failing handler in-process with backoff
//   - CircuitBreakerInterceptor: fails fast while a downstream keeps failing
//   - DuplicateDetectionInterceptor: skips message ids that were already handled
//   - ShortCircuitInterceptor: settles messages without running the handler
//   - ContextEnrichmentInterceptor: attaches MessageValues to the context
//
// Interceptors run in the order they are added to the chain, with the final
// handler called last:
//
//	chain := interceptors.NewInterceptorChain(logger,
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewMetricsInterceptor(collector),
//	)
//	err := chain.Execute(ctx, env, final)
package interceptors
