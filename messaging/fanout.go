package messaging

import (
	"sync"

	"github.com/glimte/relay/contracts"
)

// fanout shares one wire acknowledger among the envelopes built for each
// binding of a key. The wire is settled once, after every member settled,
// with the strongest outcome: reject over nack over ack.
type fanout struct {
	mu      sync.Mutex
	wire    contracts.Acknowledger
	pending int
	worst   contracts.Outcome
}

func newFanout(wire contracts.Acknowledger, members int) *fanout {
	return &fanout{wire: wire, pending: members}
}

func (f *fanout) member() *fanoutMember {
	return &fanoutMember{fanout: f}
}

// fanoutMember is the acknowledger of one binding's envelope
type fanoutMember struct {
	*fanout
	done bool
}

func (m *fanoutMember) Ack() error    { return m.settle(contracts.OutcomeAck) }
func (m *fanoutMember) Nack() error   { return m.settle(contracts.OutcomeNack) }
func (m *fanoutMember) Reject() error { return m.settle(contracts.OutcomeReject) }

// release counts the member as done without a failure, for bindings that do
// not settle messages themselves.
func (m *fanoutMember) release() error {
	return m.settle(contracts.OutcomeAck)
}

func (m *fanoutMember) settle(o contracts.Outcome) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	if o > m.worst {
		m.worst = o
	}
	m.pending--
	if m.pending > 0 {
		m.mu.Unlock()
		return nil
	}
	final := m.worst
	m.mu.Unlock()

	switch final {
	case contracts.OutcomeReject:
		return m.wire.Reject()
	case contracts.OutcomeNack:
		return m.wire.Nack()
	default:
		return m.wire.Ack()
	}
}
