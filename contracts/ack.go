package contracts

import (
	"sync"
)

// AckPolicy governs when a message is acknowledged
type AckPolicy int

const (
	// AckAuto acks after the handler returns and nacks or rejects on failure
	AckAuto AckPolicy = iota
	// AckManual leaves settlement to the handler through the injected Envelope
	AckManual
	// AckNone never settles; used by transports without an ack concept
	AckNone
)

// String implements fmt.Stringer
func (p AckPolicy) String() string {
	switch p {
	case AckManual:
		return "manual"
	case AckNone:
		return "none"
	default:
		return "auto"
	}
}

// ParseAckPolicy parses the String form of a policy
func ParseAckPolicy(s string) (AckPolicy, bool) {
	switch s {
	case "", "auto":
		return AckAuto, true
	case "manual":
		return AckManual, true
	case "none":
		return AckNone, true
	}
	return AckAuto, false
}

// Outcome is the final settlement of a message
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeAck
	OutcomeNack
	OutcomeReject
)

// String implements fmt.Stringer
func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeNack:
		return "nack"
	case OutcomeReject:
		return "reject"
	default:
		return "pending"
	}
}

// Acknowledger settles a message on the wire. Nack asks the transport to
// redeliver, Reject drops or dead-letters the message.
type Acknowledger interface {
	Ack() error
	Nack() error
	Reject() error
}

// settleOnce guards an Acknowledger so only the first settle call reaches it.
type settleOnce struct {
	mu      sync.Mutex
	target  Acknowledger
	outcome Outcome
}

func (s *settleOnce) settle(o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome != OutcomePending {
		return &SettleError{Attempted: o, Previous: s.outcome}
	}
	s.outcome = o
	if s.target == nil {
		return nil
	}

	switch o {
	case OutcomeAck:
		return s.target.Ack()
	case OutcomeNack:
		return s.target.Nack()
	default:
		return s.target.Reject()
	}
}

func (s *settleOnce) state() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// NoopAcknowledger is used by transports that have nothing to settle
type NoopAcknowledger struct{}

func (NoopAcknowledger) Ack() error    { return nil }
func (NoopAcknowledger) Nack() error   { return nil }
func (NoopAcknowledger) Reject() error { return nil }
