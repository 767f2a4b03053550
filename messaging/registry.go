package messaging

import (
	"sync"

	"github.com/glimte/relay/contracts"
)

// Registry maps subscription keys to their bindings. Several bindings may
// share a key; each receives every message of the key.
type Registry struct {
	mu       sync.RWMutex
	bindings map[contracts.Key][]*Binding
	keys     []contracts.Key
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[contracts.Key][]*Binding),
	}
}

// Register appends a binding to its key
func (r *Registry) Register(b *Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[b.key]; !exists {
		r.keys = append(r.keys, b.key)
	}
	r.bindings[b.key] = append(r.bindings[b.key], b)
}

// Resolve returns the bindings of key in registration order; empty for
// unknown keys.
func (r *Registry) Resolve(key contracts.Key) []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*Binding(nil), r.bindings[key]...)
}

// Keys returns every key in first-registration order
func (r *Registry) Keys() []contracts.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]contracts.Key(nil), r.keys...)
}

// Len returns the number of bindings
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, bs := range r.bindings {
		n += len(bs)
	}
	return n
}

// subscriptionFor derives the consumer settings of key from its bindings
func (r *Registry) subscriptionFor(key contracts.Key) Subscription {
	sub := Subscription{Key: key, Policy: contracts.AckNone}
	for _, b := range r.Resolve(key) {
		if b.policy != contracts.AckNone {
			sub.Policy = contracts.AckManual
		}
		if b.maxConcurrency > sub.Prefetch {
			sub.Prefetch = b.maxConcurrency
		}
	}
	return sub
}
