package messaging

import (
	"sync"
	"time"

	"github.com/glimte/relay/contracts"
)

// testDelivery records how the dispatcher settles it
type testDelivery struct {
	body          []byte
	contentType   string
	headers       contracts.Headers
	messageID     string
	correlationID string
	replyTo       string
	attempt       int
	redeliverable bool
	settleErr     error

	mu       sync.Mutex
	outcomes []contracts.Outcome
}

func newTestDelivery(body, contentType string) *testDelivery {
	return &testDelivery{
		body:          []byte(body),
		contentType:   contentType,
		messageID:     "m-1",
		attempt:       1,
		redeliverable: true,
	}
}

func (d *testDelivery) Body() []byte               { return d.body }
func (d *testDelivery) ContentType() string        { return d.contentType }
func (d *testDelivery) Headers() contracts.Headers { return d.headers }
func (d *testDelivery) MessageID() string          { return d.messageID }
func (d *testDelivery) CorrelationID() string      { return d.correlationID }
func (d *testDelivery) ReplyTo() string            { return d.replyTo }
func (d *testDelivery) Attempt() int               { return d.attempt }
func (d *testDelivery) Redeliverable() bool        { return d.redeliverable }
func (d *testDelivery) Ack() error                 { return d.record(contracts.OutcomeAck) }
func (d *testDelivery) Nack() error                { return d.record(contracts.OutcomeNack) }
func (d *testDelivery) Reject() error              { return d.record(contracts.OutcomeReject) }

func (d *testDelivery) record(o contracts.Outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = append(d.outcomes, o)
	return d.settleErr
}

func (d *testDelivery) settled() []contracts.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]contracts.Outcome(nil), d.outcomes...)
}

// recordingMetrics keeps the outcomes reported by the dispatcher
type recordingMetrics struct {
	NoOpMetricsCollector

	mu         sync.Mutex
	outcomes   []contracts.Outcome
	errorTypes []string
}

func (m *recordingMetrics) RecordMessage(_ string, _ time.Duration, outcome contracts.Outcome, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	m.errorTypes = append(m.errorTypes, errorType)
}
