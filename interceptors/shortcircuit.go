package interceptors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/relay/contracts"
)

// ShortCircuitResult describes why a message was settled without running
// the rest of the chain
type ShortCircuitResult struct {
	Result any
	Reason string
}

// ShortCircuitEvaluator decides whether the chain should stop before the handler
type ShortCircuitEvaluator interface {
	ShouldShortCircuit(ctx context.Context, env *contracts.Envelope) (bool, *ShortCircuitResult, error)
}

// ShortCircuitEvaluatorFunc adapts a function to ShortCircuitEvaluator
type ShortCircuitEvaluatorFunc func(ctx context.Context, env *contracts.Envelope) (bool, *ShortCircuitResult, error)

// ShouldShortCircuit implements ShortCircuitEvaluator
func (f ShortCircuitEvaluatorFunc) ShouldShortCircuit(ctx context.Context, env *contracts.Envelope) (bool, *ShortCircuitResult, error) {
	return f(ctx, env)
}

// ShortCircuitInterceptor stops the chain when its evaluator says so. A
// short-circuited message counts as handled; the result is stored under
// ValueShortCircuit when the context carries message values.
type ShortCircuitInterceptor struct {
	evaluator ShortCircuitEvaluator
	logger    *slog.Logger
}

// NewShortCircuitInterceptor creates a new short-circuit interceptor
func NewShortCircuitInterceptor(evaluator ShortCircuitEvaluator, logger *slog.Logger) *ShortCircuitInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShortCircuitInterceptor{evaluator: evaluator, logger: logger}
}

// Intercept implements Interceptor
func (i *ShortCircuitInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	stop, result, err := i.evaluator.ShouldShortCircuit(ctx, env)
	if err != nil {
		return err
	}
	if !stop {
		return next.Handle(ctx, env)
	}

	if result == nil {
		result = &ShortCircuitResult{Reason: "short-circuited"}
	}
	recordShortCircuit(ctx, result)
	i.logger.Debug("message short-circuited",
		"messageId", env.MessageID,
		"key", env.Key.String(),
		"reason", result.Reason,
	)
	return nil
}

// Name implements Interceptor
func (i *ShortCircuitInterceptor) Name() string {
	return "ShortCircuitInterceptor"
}

// ErrorEvaluator decides whether a handler error should be swallowed
type ErrorEvaluator interface {
	ShouldShortCircuitOnError(err error) (bool, *ShortCircuitResult)
}

// ShortCircuitOnErrorInterceptor settles a message as handled when the
// handler fails with an error its evaluator accepts, such as a business
// conflict that a redelivery would not fix
type ShortCircuitOnErrorInterceptor struct {
	evaluator ErrorEvaluator
	logger    *slog.Logger
}

// NewShortCircuitOnErrorInterceptor creates a new error-based short-circuit interceptor
func NewShortCircuitOnErrorInterceptor(evaluator ErrorEvaluator, logger *slog.Logger) *ShortCircuitOnErrorInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShortCircuitOnErrorInterceptor{evaluator: evaluator, logger: logger}
}

// Intercept implements Interceptor
func (i *ShortCircuitOnErrorInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	err := next.Handle(ctx, env)
	if err == nil {
		return nil
	}
	stop, result := i.evaluator.ShouldShortCircuitOnError(err)
	if !stop {
		return err
	}
	if result == nil {
		result = &ShortCircuitResult{Reason: err.Error()}
	}
	recordShortCircuit(ctx, result)
	i.logger.Info("handler error accepted",
		"messageId", env.MessageID,
		"key", env.Key.String(),
		"reason", result.Reason,
		"error", err,
	)
	return nil
}

// Name implements Interceptor
func (i *ShortCircuitOnErrorInterceptor) Name() string {
	return "ShortCircuitOnErrorInterceptor"
}

func recordShortCircuit(ctx context.Context, result *ShortCircuitResult) {
	if values, ok := ValuesFrom(ctx); ok {
		values.Set(ValueShortCircuit, result)
	}
}

// DuplicateDetector remembers the message ids that were handled
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor skips messages whose id was already handled
// successfully. Messages without an id always run.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
	logger   *slog.Logger
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection interceptor
func NewDuplicateDetectionInterceptor(detector DuplicateDetector, logger *slog.Logger) *DuplicateDetectionInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateDetectionInterceptor{detector: detector, logger: logger}
}

// Intercept implements Interceptor
func (i *DuplicateDetectionInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	if env.MessageID == "" {
		return next.Handle(ctx, env)
	}

	duplicate, err := i.detector.IsDuplicate(ctx, env.MessageID)
	if err != nil {
		return err
	}
	if duplicate {
		recordShortCircuit(ctx, &ShortCircuitResult{Reason: "duplicate message"})
		i.logger.Debug("duplicate message skipped",
			"messageId", env.MessageID,
			"key", env.Key.String(),
			"attempt", env.Attempt,
		)
		return nil
	}

	if err := next.Handle(ctx, env); err != nil {
		return err
	}
	return i.detector.MarkProcessed(ctx, env.MessageID)
}

// Name implements Interceptor
func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

// MemoryDuplicateDetector keeps processed ids in memory for a fixed time
type MemoryDuplicateDetector struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDuplicateDetector creates a detector that forgets ids after ttl.
// A ttl of zero keeps ids for ten minutes.
func NewMemoryDuplicateDetector(ttl time.Duration) *MemoryDuplicateDetector {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryDuplicateDetector{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// IsDuplicate implements DuplicateDetector
func (d *MemoryDuplicateDetector) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	expires, ok := d.seen[messageID]
	if !ok {
		return false, nil
	}
	if d.now().After(expires) {
		delete(d.seen, messageID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements DuplicateDetector. Expired ids are pruned on write.
func (d *MemoryDuplicateDetector) MarkProcessed(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, expires := range d.seen {
		if now.After(expires) {
			delete(d.seen, id)
		}
	}
	d.seen[messageID] = now.Add(d.ttl)
	return nil
}

// Len returns the number of remembered ids
func (d *MemoryDuplicateDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
