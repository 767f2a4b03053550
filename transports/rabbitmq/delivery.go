package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/rabbitmq"
	"github.com/glimte/relay/messaging"
)

// HeaderAttempt carries the attempt number of a message requeued by Nack
const HeaderAttempt = "x-relay-attempt"

// requeueFunc publishes a copy of a delivery back to its queue
type requeueFunc func(msg amqp.Publishing) error

// delivery adapts amqp.Delivery to messaging.Delivery. Auto-acked
// deliveries are already settled by the broker, so settling them is a no-op.
type delivery struct {
	raw     amqp.Delivery
	autoAck bool
	requeue requeueFunc
	settled atomic.Bool
}

var _ messaging.Delivery = (*delivery)(nil)

func newDelivery(raw amqp.Delivery, autoAck bool) *delivery {
	return &delivery{raw: raw, autoAck: autoAck}
}

// withRequeue makes Nack republish through fn instead of asking the broker
// to requeue
func (d *delivery) withRequeue(fn requeueFunc) *delivery {
	d.requeue = fn
	return d
}

func (d *delivery) Ack() error {
	return d.settle(func() error { return d.raw.Ack(false) })
}

// Nack republishes the message to its queue with HeaderAttempt raised and
// acks the original. Classic queues do not count deliveries, so this keeps
// the retry budget finite. If the republish fails the broker requeues it.
func (d *delivery) Nack() error {
	return d.settle(func() error {
		if d.requeue == nil {
			return d.raw.Nack(false, true)
		}
		if err := d.requeue(retryPublishing(d.raw, d.Attempt()+1)); err != nil {
			if nackErr := d.raw.Nack(false, true); nackErr != nil {
				return errors.Join(err, nackErr)
			}
			return fmt.Errorf("failed to republish message, requeued by the broker: %w", err)
		}
		return d.raw.Ack(false)
	})
}

// Reject does not requeue; queues with a dead letter exchange move the
// message there.
func (d *delivery) Reject() error {
	return d.settle(func() error { return d.raw.Nack(false, false) })
}

func (d *delivery) settle(fn func() error) error {
	if !d.settled.CompareAndSwap(false, true) {
		if d.autoAck {
			return nil
		}
		return contracts.ErrAlreadySettled
	}
	if d.autoAck {
		return nil
	}
	return fn()
}

func (d *delivery) Body() []byte          { return d.raw.Body }
func (d *delivery) ContentType() string   { return d.raw.ContentType }
func (d *delivery) MessageID() string     { return d.raw.MessageId }
func (d *delivery) CorrelationID() string { return d.raw.CorrelationId }
func (d *delivery) ReplyTo() string       { return d.raw.ReplyTo }
func (d *delivery) Redeliverable() bool   { return !d.autoAck }

// Headers returns the AMQP headers and delivery coordinates. HeaderAttempt
// is left out; it is reported by Attempt.
func (d *delivery) Headers() contracts.Headers {
	headers := make(contracts.Headers, len(d.raw.Headers)+3)
	for k, v := range d.raw.Headers {
		if k == HeaderAttempt {
			continue
		}
		headers[k] = v
	}
	if d.raw.Exchange != "" {
		headers["amqp.exchange"] = d.raw.Exchange
	}
	if d.raw.RoutingKey != "" {
		headers["amqp.routingKey"] = d.raw.RoutingKey
	}
	if !d.raw.Timestamp.IsZero() {
		headers["amqp.timestamp"] = d.raw.Timestamp
	}
	return headers
}

// Attempt starts from HeaderAttempt, set when Nack republished the message,
// and adds the quorum queue delivery count or, on classic queues, one for a
// broker redelivery.
func (d *delivery) Attempt() int {
	attempt := 1
	if n, ok := deliveryCount(d.raw.Headers[HeaderAttempt]); ok && n > 0 {
		attempt = n
	}
	if n, ok := deliveryCount(d.raw.Headers["x-delivery-count"]); ok {
		return attempt + n
	}
	if d.raw.Redelivered {
		return attempt + 1
	}
	return attempt
}

func deliveryCount(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// retryPublishing copies raw for republishing as the given attempt
func retryPublishing(raw amqp.Delivery, attempt int) amqp.Publishing {
	headers := make(amqp.Table, len(raw.Headers)+1)
	for k, v := range raw.Headers {
		if k == "x-delivery-count" {
			continue
		}
		headers[k] = v
	}
	headers[HeaderAttempt] = int64(attempt)

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     raw.ContentType,
		ContentEncoding: raw.ContentEncoding,
		DeliveryMode:    raw.DeliveryMode,
		Priority:        raw.Priority,
		CorrelationId:   raw.CorrelationId,
		ReplyTo:         raw.ReplyTo,
		Expiration:      raw.Expiration,
		MessageId:       raw.MessageId,
		Timestamp:       raw.Timestamp,
		Type:            raw.Type,
		AppId:           raw.AppId,
		Body:            raw.Body,
	}
}

// requeueTo republishes to queue through the default exchange, which routes
// by queue name. The republish outlives cancellation of ctx so messages
// nacked while the subscription closes still reach the queue.
func requeueTo(ctx context.Context, publisher *rabbitmq.Publisher, queue string) requeueFunc {
	return func(msg amqp.Publishing) error {
		return publisher.Publish(context.WithoutCancel(ctx), "", queue, msg)
	}
}

// publishing converts an outbound message to its AMQP form
func publishing(msg *messaging.OutboundMessage) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   msg.ContentType,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
		DeliveryMode:  amqp.Persistent,
		Priority:      msg.Priority,
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	if msg.TTL > 0 {
		p.Expiration = strconv.FormatInt(msg.TTL.Milliseconds(), 10)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	return p
}
