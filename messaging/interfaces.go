package messaging

import (
	"time"

	"github.com/glimte/relay/contracts"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordMessage records the settled outcome of one dispatch
	RecordMessage(key string, duration time.Duration, outcome contracts.Outcome, errorType string)

	// RecordPublish records a publish attempt
	RecordPublish(destination string, duration time.Duration, success bool)

	// RecordSubscribe records an opened subscription
	RecordSubscribe(key string)

	// RecordError records an error outside message processing
	RecordError(component string, errorType string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordMessage does nothing
func (NoOpMetricsCollector) RecordMessage(string, time.Duration, contracts.Outcome, string) {}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(string, time.Duration, bool) {}

// RecordSubscribe does nothing
func (NoOpMetricsCollector) RecordSubscribe(string) {}

// RecordError does nothing
func (NoOpMetricsCollector) RecordError(string, string) {}
