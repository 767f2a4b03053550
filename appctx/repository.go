// Package appctx holds the process-wide values handlers can ask for by name:
// settings, clients, the logger. Values are written during startup and frozen
// before the first message is dispatched.
package appctx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/glimte/relay/contracts"
)

// NameContext resolves to the repository itself
const NameContext = "context"

// Repository is a name to value store with a write-once-before-reads contract.
// Set is allowed until Freeze; afterwards it fails with contracts.ErrFrozen and
// reads no longer take the lock.
type Repository struct {
	mu     sync.RWMutex
	values map[string]any
	order  []string
	frozen atomic.Bool
	logger *slog.Logger
}

// Option configures a Repository
type Option func(*Repository)

// WithLogger sets the logger used to report teardown failures
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// New creates an empty repository
func New(opts ...Option) *Repository {
	r := &Repository{
		values: make(map[string]any),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Set stores a value under name, replacing any previous value
func (r *Repository) Set(name string, value any) error {
	if name == "" {
		return fmt.Errorf("appctx: empty name")
	}
	if name == NameContext {
		return fmt.Errorf("appctx: %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("appctx: set %q: %w", name, contracts.ErrFrozen)
	}
	if _, exists := r.values[name]; !exists {
		r.order = append(r.order, name)
	}
	r.values[name] = value
	return nil
}

// Get returns the value stored under name
func (r *Repository) Get(name string) (any, bool) {
	if name == NameContext {
		return r, true
	}
	if r.frozen.Load() {
		v, ok := r.values[name]
		return v, ok
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	return v, ok
}

// Value returns the named value as T. The second result is false when the
// name is unknown or holds another type.
func Value[T any](r *Repository, name string) (T, bool) {
	var zero T
	v, ok := r.Get(name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Names lists the stored names, sorted, including the reserved context name
func (r *Repository) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.values)+1)
	for name := range r.values {
		names = append(names, name)
	}
	r.mu.RUnlock()

	names = append(names, NameContext)
	sort.Strings(names)
	return names
}

// Freeze ends the startup phase. It is safe to call more than once.
func (r *Repository) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called
func (r *Repository) Frozen() bool {
	return r.frozen.Load()
}

// Teardown closes every io.Closer value in reverse insertion order, empties
// the repository and reopens it for writes. It must not run concurrently
// with readers.
func (r *Repository) Teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		closer, ok := r.values[name].(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			r.logger.Error("failed to release context value", "name", name, "error", err)
			errs = append(errs, fmt.Errorf("appctx: close %q: %w", name, err))
		}
	}

	r.values = make(map[string]any)
	r.order = nil
	r.frozen.Store(false)
	return errors.Join(errs...)
}
