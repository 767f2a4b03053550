package messaging

import (
	"context"
	"time"

	"github.com/glimte/relay/contracts"
)

// PublishOptions configures one outbound message
type PublishOptions struct {
	ContentType   string
	Headers       contracts.Headers
	MessageID     string
	CorrelationID string
	ReplyTo       string
	TTL           time.Duration
	Priority      uint8
	Retain        bool
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithContentType overrides the inferred content type
func WithContentType(contentType string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ContentType = contentType
	}
}

// WithHeaders merges custom headers
func WithHeaders(headers contracts.Headers) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(contracts.Headers, len(headers))
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// WithHeader sets a single header
func WithHeader(key string, value any) PublishOption {
	return WithHeaders(contracts.Headers{key: value})
}

// WithMessageID sets the message id instead of generating one
func WithMessageID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.MessageID = id
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(correlationID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.CorrelationID = correlationID
	}
}

// WithReplyTo sets the destination replies should go to
func WithReplyTo(replyTo string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ReplyTo = replyTo
	}
}

// WithTTL sets the message time-to-live
func WithTTL(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.TTL = ttl
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// WithRetain marks the message as retained
func WithRetain(retain bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Retain = retain
	}
}

// Publisher is a reusable destination plus encoding configuration. It holds
// no per-call state and may be attached to any number of handlers.
//
// A chain of publishers is not atomic: when a later publisher fails, earlier
// ones have already sent their message.
type Publisher struct {
	broker      *Broker
	destination contracts.Destination
	options     []PublishOption
}

// Destination returns where the publisher sends
func (p *Publisher) Destination() contracts.Destination {
	return p.destination
}

// Publish encodes value and sends it through the owning broker
func (p *Publisher) Publish(ctx context.Context, value any, options ...PublishOption) error {
	return p.publish(ctx, value, -1, options...)
}

func (p *Publisher) publish(ctx context.Context, value any, position int, options ...PublishOption) error {
	opts := make([]PublishOption, 0, len(p.options)+len(options))
	opts = append(opts, p.options...)
	opts = append(opts, options...)

	if err := p.broker.send(ctx, p.destination, value, opts); err != nil {
		return &contracts.PublishError{
			Destination: p.destination,
			Position:    position,
			Err:         err,
		}
	}
	return nil
}
