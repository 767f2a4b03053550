package interceptors

import (
	"context"
	"sync"

	"github.com/glimte/relay/contracts"
)

type valuesKey struct{}

// Well-known names set by EnvelopeEnricher
const (
	ValueKey           = "key"
	ValueMessageID     = "messageId"
	ValueCorrelationID = "correlationId"
	ValueAttempt       = "attempt"
	ValueShortCircuit  = "shortCircuit"
)

// MessageValues holds data shared by the interceptors and the handler of a
// single message. It travels in the context.
type MessageValues struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMessageValues creates an empty value set
func NewMessageValues() *MessageValues {
	return &MessageValues{values: make(map[string]any)}
}

// Set stores a value
func (v *MessageValues) Set(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[name] = value
}

// Get returns a value and whether it was set
func (v *MessageValues) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.values[name]
	return value, ok
}

// String returns a string value; ok is false when absent or not a string
func (v *MessageValues) String(name string) (string, bool) {
	value, ok := v.Get(name)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// Int returns an int value; ok is false when absent or not an int
func (v *MessageValues) Int(name string) (int, bool) {
	value, ok := v.Get(name)
	if !ok {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// Delete removes a value
func (v *MessageValues) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, name)
}

// Snapshot returns a copy of all values
func (v *MessageValues) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// ValuesFrom returns the message values carried by ctx
func ValuesFrom(ctx context.Context) (*MessageValues, bool) {
	v, ok := ctx.Value(valuesKey{}).(*MessageValues)
	return v, ok
}

// WithValues returns a context carrying v
func WithValues(ctx context.Context, v *MessageValues) context.Context {
	return context.WithValue(ctx, valuesKey{}, v)
}

// EnsureValues returns ctx and its values, attaching a new set when ctx has none
func EnsureValues(ctx context.Context) (context.Context, *MessageValues) {
	if v, ok := ValuesFrom(ctx); ok {
		return ctx, v
	}
	v := NewMessageValues()
	return WithValues(ctx, v), v
}

// Enricher adds values derived from an envelope
type Enricher interface {
	Enrich(ctx context.Context, values *MessageValues, env *contracts.Envelope) error
}

// EnricherFunc adapts a function to Enricher
type EnricherFunc func(ctx context.Context, values *MessageValues, env *contracts.Envelope) error

// Enrich implements Enricher
func (f EnricherFunc) Enrich(ctx context.Context, values *MessageValues, env *contracts.Envelope) error {
	return f(ctx, values, env)
}

// EnvelopeEnricher copies the envelope identity into the values
var EnvelopeEnricher = EnricherFunc(func(_ context.Context, values *MessageValues, env *contracts.Envelope) error {
	values.Set(ValueKey, env.Key.String())
	values.Set(ValueMessageID, env.MessageID)
	values.Set(ValueAttempt, env.Attempt)
	if env.CorrelationID != "" {
		values.Set(ValueCorrelationID, env.CorrelationID)
	}
	return nil
})

// ContextEnrichmentInterceptor attaches message values to the context and
// runs its enrichers before the handler. An enricher error stops the chain.
type ContextEnrichmentInterceptor struct {
	enrichers []Enricher
}

// NewContextEnrichmentInterceptor creates a new context enrichment interceptor.
// Without enrichers it uses EnvelopeEnricher.
func NewContextEnrichmentInterceptor(enrichers ...Enricher) *ContextEnrichmentInterceptor {
	if len(enrichers) == 0 {
		enrichers = []Enricher{EnvelopeEnricher}
	}
	return &ContextEnrichmentInterceptor{enrichers: enrichers}
}

// Intercept implements Interceptor
func (i *ContextEnrichmentInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	ctx, values := EnsureValues(ctx)
	for _, e := range i.enrichers {
		if err := e.Enrich(ctx, values, env); err != nil {
			return err
		}
	}
	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ContextEnrichmentInterceptor) Name() string {
	return "ContextEnrichmentInterceptor"
}
