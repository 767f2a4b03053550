package messaging

import (
	"context"
	"time"

	"github.com/glimte/relay/contracts"
)

// Delivery is one inbound wire message as seen by the dispatcher. Ack, Nack
// and Reject settle it on the wire; the dispatcher calls at most one of them.
type Delivery interface {
	contracts.Acknowledger

	// Body returns the raw message body
	Body() []byte

	// ContentType returns the declared content type, empty if unknown
	ContentType() string

	// Headers returns transport metadata
	Headers() contracts.Headers

	// MessageID returns the transport message id, empty if none
	MessageID() string

	// CorrelationID returns the correlation id, empty if none
	CorrelationID() string

	// ReplyTo returns the reply destination name, empty if none
	ReplyTo() string

	// Attempt returns the delivery attempt, starting at 1
	Attempt() int

	// Redeliverable reports whether Nack leads to a redelivery
	Redeliverable() bool
}

// DeliveryFunc receives deliveries from a consumer. Consumers call it from
// a single goroutine, in delivery order.
type DeliveryFunc func(ctx context.Context, d Delivery)

// Subscription describes a consumer the driver must open
type Subscription struct {
	Key contracts.Key
	// Policy is AckNone when no binding of the key settles messages, so the
	// driver may use transport-level auto-ack.
	Policy contracts.AckPolicy
	// Prefetch bounds unsettled deliveries in flight; zero means driver default
	Prefetch int
	// Temporary keys are private to this process and removed on close
	Temporary bool
}

// Consumer is an open subscription
type Consumer interface {
	Close() error
}

// OutboundMessage is an encoded message ready for the wire
type OutboundMessage struct {
	Body          []byte
	ContentType   string
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Headers       contracts.Headers
	Timestamp     time.Time
	// TTL expires the message on transports that support it
	TTL time.Duration
	// Priority is honoured by AMQP queues declared with a max priority
	Priority uint8
	// Retain asks MQTT brokers to keep the message for new subscribers
	Retain bool
}

// Driver is the transport capability a Broker consumes
type Driver interface {
	// Name identifies the transport in logs and errors
	Name() string

	// Connect establishes the connection; calling it when connected is a no-op
	Connect(ctx context.Context) error

	// Subscribe opens a consumer that feeds fn until the consumer is closed
	Subscribe(ctx context.Context, sub Subscription, fn DeliveryFunc) (Consumer, error)

	// Publish sends one message
	Publish(ctx context.Context, dest contracts.Destination, msg *OutboundMessage) error

	// Close releases the connection
	Close() error
}

// Pinger is implemented by drivers that can check connection health
type Pinger interface {
	Ping(ctx context.Context) error
}
