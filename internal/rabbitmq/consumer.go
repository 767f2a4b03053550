package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages. Settlement is up to the
// handler unless the subscription uses auto-ack.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// SetupFunc declares the topology a subscription consumes from. It runs on
// the consumer channel before every Consume, including after a reconnect.
type SetupFunc func(ch *amqp.Channel) error

// ConsumeOptions describes a single subscription
type ConsumeOptions struct {
	Queue     string
	Prefetch  int
	AutoAck   bool
	Exclusive bool
	Setup     SetupFunc
}

// Consumer opens subscriptions on dedicated channels
type Consumer struct {
	pool            *ChannelPool
	logger          *slog.Logger
	reopenDelay     time.Duration
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithReopenDelay sets the first delay before reopening a lost consumer channel
func WithReopenDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.reopenDelay = delay
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:        pool,
		logger:      slog.Default(),
		reopenDelay: 500 * time.Millisecond,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is a running consumer. It survives connection loss by
// reopening its channel; Close stops it for good.
type Subscription struct {
	consumer *Consumer
	opts     ConsumeOptions
	tag      string
	handler  MessageHandler
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	channel *PooledChannel
}

// Subscribe runs opts.Setup, starts consuming and hands every delivery to
// handler from a single goroutine.
func (c *Consumer) Subscribe(ctx context.Context, opts ConsumeOptions, handler MessageHandler) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		consumer: c,
		opts:     opts,
		tag:      "relay-" + uuid.NewString(),
		handler:  handler,
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	deliveries, err := s.open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	c.activeConsumers.Store(s.tag, s)
	go s.run(deliveries)

	c.logger.Info("subscribed to queue",
		"queue", opts.Queue,
		"consumerTag", s.tag,
		"prefetchCount", opts.Prefetch,
	)

	return s, nil
}

// Tag returns the consumer tag
func (s *Subscription) Tag() string {
	return s.tag
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string {
	return s.opts.Queue
}

// open takes a channel, declares topology and starts consuming. A closed
// subscription fails with ErrConsumerClosed.
func (s *Subscription) open(ctx context.Context) (<-chan amqp.Delivery, error) {
	fail := func(op string, err error) error {
		return &ConsumerError{
			Queue:       s.opts.Queue,
			ConsumerTag: s.tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if s.ctx.Err() != nil {
		return nil, fail("subscribe", ErrConsumerClosed)
	}

	ch, err := s.consumer.pool.Get(ctx)
	if err != nil {
		return nil, fail("subscribe", err)
	}

	if s.opts.Setup != nil {
		if err := s.opts.Setup(ch.Channel); err != nil {
			s.consumer.pool.Discard(ch)
			return nil, err
		}
	}

	if s.opts.Prefetch > 0 {
		if err := ch.Qos(s.opts.Prefetch, 0, false); err != nil {
			s.consumer.pool.Discard(ch)
			return nil, fail("qos", err)
		}
	}

	deliveries, err := ch.Consume(
		s.opts.Queue,
		s.tag,
		s.opts.AutoAck,
		s.opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		s.consumer.pool.Discard(ch)
		return nil, fail("consume", err)
	}

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	return deliveries, nil
}

// run feeds deliveries to the handler and reopens the channel when it dies
func (s *Subscription) run(deliveries <-chan amqp.Delivery) {
	defer close(s.done)
	logger := s.consumer.logger.With("queue", s.opts.Queue, "consumerTag", s.tag)

	for {
		s.drain(deliveries)
		if s.ctx.Err() != nil {
			return
		}

		logger.Warn("delivery channel closed, reopening")
		s.discardChannel()

		var err error
		deliveries, err = s.reopen()
		if err != nil {
			logger.Info("consumer stopped", "error", err)
			return
		}
		logger.Info("consumer reopened")
	}
}

func (s *Subscription) drain(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			s.handler(s.ctx, d)
		}
	}
}

func (s *Subscription) reopen() (<-chan amqp.Delivery, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.consumer.reopenDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var deliveries <-chan amqp.Delivery
	err := backoff.Retry(func() error {
		var err error
		deliveries, err = s.open(s.ctx)
		if err != nil && IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, s.ctx))

	return deliveries, err
}

func (s *Subscription) discardChannel() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	s.consumer.pool.Discard(ch)
}

// Close cancels the consumer and closes its channel. Unacknowledged
// deliveries go back to the queue.
func (s *Subscription) Close() error {
	s.cancel()

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil && !ch.Channel.IsClosed() {
		if err := ch.Cancel(s.tag, false); err != nil {
			s.consumer.logger.Debug("consumer cancel failed", "consumerTag", s.tag, "error", err)
		}
	}

	<-s.done
	s.discardChannel()
	s.consumer.activeConsumers.Delete(s.tag)
	return nil
}

// GetActiveConsumers returns the consumed queue of every running subscription
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(_, value any) bool {
		queues = append(queues, value.(*Subscription).opts.Queue)
		return true
	})
	return queues
}
