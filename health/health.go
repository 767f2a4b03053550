package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Report is the aggregate of every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// Checker is a single health check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry runs a set of checkers and aggregates their status
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]any
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]any),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range checkers {
		r.checkers[c.Name()] = c
	}
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata sets a value reported with every check
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every checker concurrently. Checks still running when ctx is
// done are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	metadata := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	done := make(chan struct{})
	var g errgroup.Group
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.Check(ctx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(done)
	}()

	report := Report{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(checkers)),
		Metadata: metadata,
	}

	select {
	case <-done:
		for _, res := range results {
			report.add(res)
		}
	case <-ctx.Done():
		// results may still be written; report every check as timed out
		for _, c := range checkers {
			report.add(CheckResult{
				Name:      c.Name(),
				Status:    StatusUnhealthy,
				Message:   "check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			})
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

func (r *Report) add(res CheckResult) {
	r.Checks[res.Name] = res
	switch res.Status {
	case StatusUnhealthy:
		r.Status = StatusUnhealthy
	case StatusDegraded:
		if r.Status == StatusHealthy {
			r.Status = StatusDegraded
		}
	}
}

// Handler serves the registry report as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler. Unhealthy reports answer 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(report)
}

// ReadinessHandler answers 503 while any check is unhealthy
func ReadinessHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if registry.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}

// Mount registers the report, readiness and liveness handlers on mux
func Mount(mux *http.ServeMux, registry *Registry, timeout time.Duration) {
	mux.Handle("/health", NewHandler(registry, timeout))
	mux.Handle("/readyz", ReadinessHandler(registry))
	mux.Handle("/livez", LivenessHandler())
}
