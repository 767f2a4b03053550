package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
)

// DefaultGroup is the consumer group of keys without one
const DefaultGroup = "relay"

var (
	// ErrNotConnected is returned by operations that need a connected driver
	ErrNotConnected = errors.New("kafka: not connected")

	// ErrNoBrokers is returned when the driver has no broker addresses
	ErrNoBrokers = errors.New("kafka: no brokers configured")
)

// reader is the part of kafka.Reader a consumer uses
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// writer is the part of kafka.Writer the driver uses
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type config struct {
	logger       *slog.Logger
	group        string
	startOffset  int64
	maxWait      time.Duration
	dialTimeout  time.Duration
	requiredAcks kafka.RequiredAcks
	batchTimeout time.Duration
}

// Option configures the Driver
type Option func(*config)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithGroup sets the consumer group used by keys without one
func WithGroup(group string) Option {
	return func(cfg *config) {
		cfg.group = group
	}
}

// WithStartOffset sets where new groups start reading: kafka.FirstOffset
// or kafka.LastOffset
func WithStartOffset(offset int64) Option {
	return func(cfg *config) {
		cfg.startOffset = offset
	}
}

// WithMaxWait bounds how long a fetch waits for new messages
func WithMaxWait(wait time.Duration) Option {
	return func(cfg *config) {
		cfg.maxWait = wait
	}
}

// WithDialTimeout bounds the connectivity check in Connect and Ping
func WithDialTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.dialTimeout = timeout
	}
}

// WithRequiredAcks sets how many replicas must acknowledge a write
func WithRequiredAcks(acks kafka.RequiredAcks) Option {
	return func(cfg *config) {
		cfg.requiredAcks = acks
	}
}

// Driver is the Kafka messaging.Driver. Each key gets a group reader on the
// key's topic; each destination topic gets its own writer.
type Driver struct {
	brokers []string
	cfg     config

	// replaced in tests
	dial      func(ctx context.Context, address string) error
	newReader func(kafka.ReaderConfig) reader
	newWriter func(topic string) writer

	mu        sync.Mutex
	connected bool
	writers   map[string]writer
	consumers map[*consumer]struct{}
}

var (
	_ messaging.Driver = (*Driver)(nil)
	_ messaging.Pinger = (*Driver)(nil)
)

// New creates a disconnected driver for the given brokers
func New(brokers []string, options ...Option) *Driver {
	cfg := config{
		logger:       slog.Default(),
		group:        DefaultGroup,
		startOffset:  kafka.FirstOffset,
		maxWait:      500 * time.Millisecond,
		dialTimeout:  10 * time.Second,
		requiredAcks: kafka.RequireAll,
		batchTimeout: 10 * time.Millisecond,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	d := &Driver{
		brokers:   brokers,
		cfg:       cfg,
		writers:   make(map[string]writer),
		consumers: make(map[*consumer]struct{}),
	}
	d.dial = d.dialBroker
	d.newReader = func(rc kafka.ReaderConfig) reader { return kafka.NewReader(rc) }
	d.newWriter = d.topicWriter
	return d
}

// Name implements messaging.Driver
func (d *Driver) Name() string {
	return "kafka"
}

func (d *Driver) dialBroker(ctx context.Context, address string) error {
	dialer := &kafka.Dialer{Timeout: d.cfg.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (d *Driver) topicWriter(topic string) writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(d.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           d.cfg.batchTimeout,
		RequiredAcks:           d.cfg.requiredAcks,
		AllowAutoTopicCreation: true,
	}
}

// reachable checks that at least one broker accepts connections
func (d *Driver) reachable(ctx context.Context) error {
	if len(d.brokers) == 0 {
		return ErrNoBrokers
	}
	var errs []error
	for _, address := range d.brokers {
		err := d.dial(ctx, address)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", address, err))
	}
	return errors.Join(errs...)
}

// Connect implements messaging.Driver. Kafka clients connect lazily, so
// Connect only verifies that a broker is reachable.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}
	if err := d.reachable(ctx); err != nil {
		return err
	}
	d.connected = true
	d.cfg.logger.Info("connected to Kafka", "brokers", d.brokers)
	return nil
}

// Ping implements messaging.Pinger
func (d *Driver) Ping(ctx context.Context) error {
	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return d.reachable(ctx)
}

// Subscribe implements messaging.Driver. Keys without a group read as the
// driver group; temporary keys get a private group starting at the end of
// the topic.
func (d *Driver) Subscribe(ctx context.Context, sub messaging.Subscription, fn messaging.DeliveryFunc) (messaging.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, ErrNotConnected
	}

	group := sub.Key.Group
	startOffset := d.cfg.startOffset
	switch {
	case sub.Temporary:
		group = "relay-" + uuid.NewString()
		startOffset = kafka.LastOffset
	case group == "":
		group = d.cfg.group
	}

	r := d.newReader(kafka.ReaderConfig{
		Brokers:     d.brokers,
		GroupID:     group,
		Topic:       sub.Key.Destination,
		StartOffset: startOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     d.cfg.maxWait,
		// commits are synchronous, on ack
		CommitInterval: 0,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		driver: d,
		reader: r,
		sub:    sub,
		group:  group,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		logger: d.cfg.logger.With("topic", sub.Key.Destination, "group", group),
	}
	d.consumers[c] = struct{}{}

	go c.run(runCtx, fn)

	c.logger.Info("subscribed to topic")
	return c, nil
}

// Publish implements messaging.Driver. dest.Key is the partition key.
func (d *Driver) Publish(ctx context.Context, dest contracts.Destination, msg *messaging.OutboundMessage) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return ErrNotConnected
	}
	w, ok := d.writers[dest.Name]
	if !ok {
		w = d.newWriter(dest.Name)
		d.writers[dest.Name] = w
	}
	d.mu.Unlock()

	out := kafka.Message{
		Value:   msg.Body,
		Headers: encodeHeaders(msg),
		Time:    msg.Timestamp,
	}
	if dest.Key != "" {
		out.Key = []byte(dest.Key)
	}
	if err := w.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", dest.Name, err)
	}
	return nil
}

// Close implements messaging.Driver. Consumers stop without committing
// unsettled messages, so the group reads them again.
func (d *Driver) Close() error {
	d.mu.Lock()
	consumers := make([]*consumer, 0, len(d.consumers))
	for c := range d.consumers {
		consumers = append(consumers, c)
	}
	writers := d.writers
	d.writers = make(map[string]writer)
	d.connected = false
	d.mu.Unlock()

	var g errgroup.Group
	for _, c := range consumers {
		g.Go(c.Close)
	}
	for topic, w := range writers {
		topic, w := topic, w
		g.Go(func() error {
			if err := w.Close(); err != nil {
				return fmt.Errorf("kafka: close writer %s: %w", topic, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Driver) remove(c *consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.consumers, c)
}
