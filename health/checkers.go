package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/relay/messaging"
)

// Pingable is the part of a broker a BrokerChecker needs
type Pingable interface {
	Name() string
	State() messaging.State
	Ping(ctx context.Context) error
}

// BrokerChecker checks that a broker is connected and its transport answers
type BrokerChecker struct {
	name   string
	broker Pingable
	slow   time.Duration
}

// NewBrokerChecker creates a checker named after the broker's transport.
// Pings slower than slow report degraded; zero disables that check.
func NewBrokerChecker(broker Pingable, slow time.Duration) *BrokerChecker {
	return &BrokerChecker{
		name:   "broker_" + broker.Name(),
		broker: broker,
		slow:   slow,
	}
}

// Named overrides the checker name, for apps running two brokers of the same transport
func (c *BrokerChecker) Named(name string) *BrokerChecker {
	c.name = name
	return c
}

func (c *BrokerChecker) Name() string {
	return c.name
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"transport": c.broker.Name()},
	}

	state := c.broker.State()
	result.Details["state"] = state.String()
	if state != messaging.StateConnected {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Broker is %s", state)
		result.Duration = time.Since(start)
		return result
	}

	err := c.broker.Ping(ctx)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	case c.slow > 0 && result.Duration > c.slow:
		result.Status = StatusDegraded
		result.Message = "Ping is slow"
	default:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}
	return result
}

// RuntimeChecker reports goroutine and memory figures and degrades when the
// goroutine count passes its thresholds
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a plain function for custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
		if status == "" {
			result.Status = StatusUnhealthy
		}
	}
	result.Duration = time.Since(start)
	return result
}

// RegisterBrokers adds a BrokerChecker per broker. Brokers sharing a
// transport are numbered from the second one on.
func RegisterBrokers(registry *Registry, slow time.Duration, brokers ...*messaging.Broker) {
	seen := make(map[string]int)
	for _, b := range brokers {
		checker := NewBrokerChecker(b, slow)
		seen[checker.Name()]++
		if n := seen[checker.Name()]; n > 1 {
			checker.Named(fmt.Sprintf("%s_%d", checker.Name(), n))
		}
		registry.Register(checker)
	}
}
