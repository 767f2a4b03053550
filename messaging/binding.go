package messaging

import (
	"fmt"
	"reflect"

	"github.com/glimte/relay/contracts"
)

const (
	// DefaultMaxRetries is the nack budget before a failing message is rejected
	DefaultMaxRetries = 3
	// DefaultMaxConcurrency keeps deliveries of a subscription in order
	DefaultMaxConcurrency = 1
)

// Binding attaches a handler to a subscription key. Bindings are immutable
// once built.
type Binding struct {
	key            contracts.Key
	sig            *signature
	name           string
	publishers     []*Publisher
	policy         contracts.AckPolicy
	maxRetries     int
	maxConcurrency int
	resultType     reflect.Type
}

type bindingConfig struct {
	names          []string
	injected       []string
	name           string
	publishers     []*Publisher
	policy         contracts.AckPolicy
	maxRetries     int
	maxConcurrency int
	resultType     reflect.Type
}

// BindingOption configures a binding
type BindingOption func(*bindingConfig)

// Params names the handler's non-injected parameters in declaration order.
// A handler with a single body parameter needs no names.
func Params(names ...string) BindingOption {
	return func(c *bindingConfig) {
		c.names = append(c.names, names...)
	}
}

// Inject marks named parameters to be resolved from the context repository
// (or the call scope for "logger", "broker", "envelope" and "headers")
// instead of the message body.
func Inject(names ...string) BindingOption {
	return func(c *bindingConfig) {
		c.injected = append(c.injected, names...)
	}
}

// WithPublishers appends publishers that receive the handler's result, in order
func WithPublishers(publishers ...*Publisher) BindingOption {
	return func(c *bindingConfig) {
		c.publishers = append(c.publishers, publishers...)
	}
}

// WithAckPolicy sets the acknowledgement policy
func WithAckPolicy(policy contracts.AckPolicy) BindingOption {
	return func(c *bindingConfig) {
		c.policy = policy
	}
}

// WithMaxRetries sets how many delivery attempts are nacked before a failing
// message is rejected
func WithMaxRetries(n int) BindingOption {
	return func(c *bindingConfig) {
		c.maxRetries = n
	}
}

// WithMaxConcurrency bounds concurrent dispatches for the subscription
func WithMaxConcurrency(n int) BindingOption {
	return func(c *bindingConfig) {
		c.maxConcurrency = n
	}
}

// WithResultType casts the handler result to t before it is published
func WithResultType(t reflect.Type) BindingOption {
	return func(c *bindingConfig) {
		c.resultType = t
	}
}

// WithHandlerName overrides the name used in logs and errors
func WithHandlerName(name string) BindingOption {
	return func(c *bindingConfig) {
		c.name = name
	}
}

// NewBinding validates handler and captures its signature
func NewBinding(key contracts.Key, handler any, opts ...BindingOption) (*Binding, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("binding requires a destination")
	}

	cfg := bindingConfig{
		maxRetries:     DefaultMaxRetries,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative")
	}
	if cfg.maxConcurrency < 1 {
		cfg.maxConcurrency = 1
	}

	sig, err := newSignature(handler, cfg.names, cfg.injected)
	if err != nil {
		return nil, err
	}
	name := cfg.name
	if name == "" {
		name = sig.name
	}

	return &Binding{
		key:            key,
		sig:            sig,
		name:           name,
		publishers:     append([]*Publisher(nil), cfg.publishers...),
		policy:         cfg.policy,
		maxRetries:     cfg.maxRetries,
		maxConcurrency: cfg.maxConcurrency,
		resultType:     cfg.resultType,
	}, nil
}

// Key returns the subscription key
func (b *Binding) Key() contracts.Key { return b.key }

// Name returns the handler name
func (b *Binding) Name() string { return b.name }

// Policy returns the acknowledgement policy
func (b *Binding) Policy() contracts.AckPolicy { return b.policy }

// MaxRetries returns the nack budget
func (b *Binding) MaxRetries() int { return b.maxRetries }

// MaxConcurrency returns the dispatch concurrency limit
func (b *Binding) MaxConcurrency() int { return b.maxConcurrency }

// ResultType returns the declared result type, nil when none
func (b *Binding) ResultType() reflect.Type { return b.resultType }

// Publishers returns a copy of the publisher chain
func (b *Binding) Publishers() []*Publisher {
	return append([]*Publisher(nil), b.publishers...)
}

// Params returns a copy of the signature descriptor
func (b *Binding) Params() []Param {
	return append([]Param(nil), b.sig.params...)
}
