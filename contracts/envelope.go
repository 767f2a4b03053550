package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Headers carries transport metadata next to the body
type Headers map[string]any

// Get returns a header rendered as string, if present
func (h Headers) Get(key string) (string, bool) {
	v, ok := h[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}

// Clone returns a shallow copy safe to mutate
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Well known header names shared by all transports
const (
	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "correlation-id"
	HeaderReplyTo       = "reply-to"
	HeaderContentType   = "content-type"
)

// Envelope is the canonical form of one message. The ack handle is owned by
// the envelope and settles at most once.
type Envelope struct {
	Key           Key
	RawBody       []byte
	Body          any
	ContentType   string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Headers       Headers
	Timestamp     time.Time
	// Attempt is the delivery attempt, starting at 1
	Attempt int

	ack *settleOnce
}

// NewEnvelope wraps raw bytes with the given acknowledger. Call Normalize once
// the transport metadata is filled in.
func NewEnvelope(raw []byte, ack Acknowledger) *Envelope {
	return &Envelope{
		RawBody:   raw,
		Headers:   Headers{},
		Timestamp: time.Now().UTC(),
		Attempt:   1,
		ack:       &settleOnce{target: ack},
	}
}

// Normalize fills generated identifiers
func (e *Envelope) Normalize() *Envelope {
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.MessageID
	}
	if e.Headers == nil {
		e.Headers = Headers{}
	}
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	if e.ack == nil {
		e.ack = &settleOnce{}
	}
	return e
}

// Ack acknowledges the message
func (e *Envelope) Ack() error {
	return e.settle(OutcomeAck)
}

// Nack negatively acknowledges the message, asking for redelivery
func (e *Envelope) Nack() error {
	return e.settle(OutcomeNack)
}

// Reject drops the message without redelivery
func (e *Envelope) Reject() error {
	return e.settle(OutcomeReject)
}

// Outcome returns how the envelope was settled so far
func (e *Envelope) Outcome() Outcome {
	if e.ack == nil {
		return OutcomePending
	}
	return e.ack.state()
}

// Settled reports whether Ack, Nack or Reject has been called
func (e *Envelope) Settled() bool {
	return e.Outcome() != OutcomePending
}

func (e *Envelope) settle(o Outcome) error {
	if e.ack == nil {
		e.ack = &settleOnce{}
	}
	return e.ack.settle(o)
}

// WithAcknowledger returns a shallow copy of the envelope bound to another
// acknowledger. Used when one delivery fans out to several handlers.
func (e *Envelope) WithAcknowledger(ack Acknowledger) *Envelope {
	cp := *e
	cp.Headers = e.Headers.Clone()
	cp.ack = &settleOnce{target: ack}
	return &cp
}
