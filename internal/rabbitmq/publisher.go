package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on pooled channels, waiting for broker
// confirms. It makes a single attempt; callers own retries.
type Publisher struct {
	pool           *ChannelPool
	confirms       bool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout applied when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirms:       true,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and, in confirm mode, waits for the broker to take it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	wrap := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return wrap(err)
	}

	if !p.confirms {
		err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
		p.pool.Put(ch)
		if err != nil {
			return wrap(err)
		}
		return nil
	}

	if err := ch.EnableConfirms(); err != nil {
		p.pool.Discard(ch)
		return wrap(err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		p.pool.Put(ch)
		return wrap(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	switch {
	case err != nil:
		// a late confirm would be matched to nothing; don't reuse the channel
		p.pool.Discard(ch)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return wrap(ErrPublishTimeout)
		}
		return wrap(err)
	case !acked:
		p.pool.Put(ch)
		p.logger.Warn("publish nacked by broker",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.MessageId)
		return wrap(ErrPublishNotConfirmed)
	}

	p.pool.Put(ch)
	return nil
}
