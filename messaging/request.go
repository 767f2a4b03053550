package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/serialization"
	"github.com/google/uuid"
)

// ReplyPrefix prefixes the temporary destinations used by Request
const ReplyPrefix = "relay.reply."

// Request publishes value with a private reply-to destination and waits for
// the first reply carrying the request's correlation id. The reply consumer
// is removed when Request returns; bound the wait with ctx.
func (b *Broker) Request(ctx context.Context, dest contracts.Destination, value any, options ...PublishOption) (*contracts.Envelope, error) {
	if state := b.State(); state != StateConnected {
		return nil, &contracts.StateError{Op: "request", State: state.String()}
	}

	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	replyKey := contracts.NewKey(ReplyPrefix + uuid.NewString())
	replies := make(chan *contracts.Envelope, 1)

	sub := Subscription{
		Key:       replyKey,
		Policy:    contracts.AckNone,
		Prefetch:  1,
		Temporary: true,
	}
	consumer, err := b.driver.Subscribe(ctx, sub, func(_ context.Context, d Delivery) {
		if d.CorrelationID() != correlationID {
			b.logger.Debug("discarding unrelated reply",
				"key", replyKey.String(),
				"correlationId", d.CorrelationID(),
			)
			return
		}

		env := b.dispatcher.envelope(replyKey, d)
		body, err := serialization.Decode(env.RawBody, env.ContentType)
		if err != nil {
			b.logger.Warn("failed to decode reply, keeping raw body", "correlationId", correlationID, "error", err)
			body = env.RawBody
		}
		env.Body = body

		select {
		case replies <- env:
		default:
		}
	})
	if err != nil {
		return nil, &contracts.ConnectionError{Transport: b.driver.Name(), Op: "subscribe " + replyKey.String(), Err: err}
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			b.logger.Warn("failed to close reply consumer", "key", replyKey.String(), "error", err)
		}
	}()

	options = append(options,
		WithReplyTo(replyKey.Destination),
		WithCorrelationID(correlationID),
	)
	if err := b.Publish(ctx, dest, value, options...); err != nil {
		return nil, err
	}

	select {
	case env := <-replies:
		return env, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for reply from %s: %w", dest, ctx.Err())
	}
}

// RequestAs sends a request and casts the reply body to T
func RequestAs[T any](ctx context.Context, b *Broker, dest contracts.Destination, value any, options ...PublishOption) (T, error) {
	var zero T
	env, err := b.Request(ctx, dest, value, options...)
	if err != nil {
		return zero, err
	}
	return serialization.CastTo[T](b.dispatcher.caster, env.Body)
}
