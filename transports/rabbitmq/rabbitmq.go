package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/rabbitmq"
	"github.com/glimte/relay/messaging"
)

// DefaultExchange is the exchange queues are bound to unless configured
const DefaultExchange = "relay"

// ErrNotConnected is returned by operations that need a connected driver
var ErrNotConnected = errors.New("rabbitmq: not connected")

type config struct {
	logger               *slog.Logger
	exchange             string
	exchangeType         string
	deadLetterExchange   string
	maxPriority          uint8
	singleActiveConsumer bool
	connectionOptions    []rabbitmq.ConnectionOption
	poolOptions          []rabbitmq.ChannelPoolOption
	publisherOptions     []rabbitmq.PublisherOption
	consumerOptions      []rabbitmq.ConsumerOption
}

// Option configures the Driver
type Option func(*config)

// WithLogger sets the logger used by the driver and its connection
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithExchange sets the exchange queues are bound to and publishes go through
func WithExchange(name, kind string) Option {
	return func(cfg *config) {
		cfg.exchange = name
		cfg.exchangeType = kind
	}
}

// WithDeadLetterExchange routes rejected messages of every durable queue
// to "<queue>.dlq" through exchange
func WithDeadLetterExchange(exchange string) Option {
	return func(cfg *config) {
		cfg.deadLetterExchange = exchange
	}
}

// WithMaxPriority declares queues with x-max-priority so message priority
// is honoured
func WithMaxPriority(max uint8) Option {
	return func(cfg *config) {
		cfg.maxPriority = max
	}
}

// WithFIFOMode declares durable queues with a single active consumer, so
// several processes consuming a key keep delivery order
func WithFIFOMode(enabled bool) Option {
	return func(cfg *config) {
		cfg.singleActiveConsumer = enabled
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(cfg *config) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) Option {
	return func(cfg *config) {
		cfg.poolOptions = append(cfg.poolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) Option {
	return func(cfg *config) {
		cfg.publisherOptions = append(cfg.publisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) Option {
	return func(cfg *config) {
		cfg.consumerOptions = append(cfg.consumerOptions, opts...)
	}
}

// Driver is the RabbitMQ messaging.Driver
type Driver struct {
	url string
	cfg config

	mu        sync.Mutex
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
}

var (
	_ messaging.Driver = (*Driver)(nil)
	_ messaging.Pinger = (*Driver)(nil)
)

// New creates a disconnected driver for url
func New(url string, options ...Option) *Driver {
	cfg := config{
		logger:       slog.Default(),
		exchange:     DefaultExchange,
		exchangeType: amqp.ExchangeTopic,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return &Driver{url: url, cfg: cfg}
}

// Name implements messaging.Driver
func (d *Driver) Name() string {
	return "rabbitmq"
}

// Connect implements messaging.Driver. It dials, opens the channel pool and
// declares the driver exchange.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.manager != nil {
		return nil
	}

	logger := d.cfg.logger
	manager := rabbitmq.NewConnectionManager(d.url,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, d.cfg.connectionOptions...)...)
	if err := manager.Connect(ctx); err != nil {
		return err
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(logger)}, d.cfg.poolOptions...)...)
	if err != nil {
		manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	if err := topology.DeclareExchange(ctx, d.exchangeDeclaration()); err != nil {
		pool.Close()
		manager.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	d.manager = manager
	d.pool = pool
	d.publisher = rabbitmq.NewPublisher(pool,
		append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, d.cfg.publisherOptions...)...)
	d.consumer = rabbitmq.NewConsumer(pool,
		append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, d.cfg.consumerOptions...)...)

	return nil
}

// Ping implements messaging.Pinger
func (d *Driver) Ping(ctx context.Context) error {
	d.mu.Lock()
	manager := d.manager
	d.mu.Unlock()

	if manager == nil {
		return ErrNotConnected
	}
	if _, err := manager.GetConnection(); err != nil {
		return err
	}
	return ctx.Err()
}

// Subscribe implements messaging.Driver. The key's queue is declared, bound
// and consumed on a dedicated channel; keys with AckNone use auto-ack.
// Nacked messages are republished to the queue with their attempt raised.
func (d *Driver) Subscribe(ctx context.Context, sub messaging.Subscription, fn messaging.DeliveryFunc) (messaging.Consumer, error) {
	d.mu.Lock()
	consumer := d.consumer
	publisher := d.publisher
	d.mu.Unlock()

	if consumer == nil {
		return nil, ErrNotConnected
	}

	autoAck := sub.Policy == contracts.AckNone
	queue := QueueName(sub.Key)
	topology := d.topologyFor(sub)

	s, err := consumer.Subscribe(ctx, rabbitmq.ConsumeOptions{
		Queue:     queue,
		Prefetch:  sub.Prefetch,
		AutoAck:   autoAck,
		Exclusive: sub.Temporary,
		Setup:     topology.Declare,
	}, func(ctx context.Context, raw amqp.Delivery) {
		fn(ctx, newDelivery(raw, autoAck).withRequeue(requeueTo(ctx, publisher, queue)))
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Publish implements messaging.Driver. Destinations without an exchange go
// through the driver exchange with the name as routing key.
func (d *Driver) Publish(ctx context.Context, dest contracts.Destination, msg *messaging.OutboundMessage) error {
	d.mu.Lock()
	publisher := d.publisher
	d.mu.Unlock()

	if publisher == nil {
		return ErrNotConnected
	}

	exchange := dest.Exchange
	if exchange == "" {
		exchange = d.cfg.exchange
	}
	return publisher.Publish(ctx, exchange, dest.Name, publishing(msg))
}

// Close implements messaging.Driver
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.manager == nil {
		return nil
	}

	poolErr := d.pool.Close()
	connErr := d.manager.Close()

	d.manager = nil
	d.pool = nil
	d.publisher = nil
	d.consumer = nil

	return errors.Join(poolErr, connErr)
}
