package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
)

// ErrNotConnected is returned by operations that need a connected driver
var ErrNotConnected = errors.New("memory: not connected")

// Settlement records how a delivery was settled
type Settlement struct {
	Key       contracts.Key
	MessageID string
	Outcome   contracts.Outcome
	Attempt   int
}

// Option configures the Driver
type Option func(*Driver)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithConnectError makes Connect fail with err
func WithConnectError(err error) Option {
	return func(d *Driver) {
		d.connectErr = err
	}
}

// WithSubscribeError makes subscriptions to destination fail with err
func WithSubscribeError(destination string, err error) Option {
	return func(d *Driver) {
		d.subscribeErrs[destination] = err
	}
}

// Driver is an in-process messaging.Driver
type Driver struct {
	logger        *slog.Logger
	connectErr    error
	subscribeErrs map[string]error

	mu          sync.Mutex
	connected   bool
	queues      map[contracts.Key]*queue
	consumers   map[*consumer]struct{}
	published   map[string][]*messaging.OutboundMessage
	history     []string
	publishErrs map[string][]error
	settled     []Settlement
}

var (
	_ messaging.Driver = (*Driver)(nil)
	_ messaging.Pinger = (*Driver)(nil)
)

// New creates a disconnected driver
func New(options ...Option) *Driver {
	d := &Driver{
		logger:        slog.Default(),
		subscribeErrs: make(map[string]error),
		queues:        make(map[contracts.Key]*queue),
		consumers:     make(map[*consumer]struct{}),
		published:     make(map[string][]*messaging.OutboundMessage),
		publishErrs:   make(map[string][]error),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Name implements messaging.Driver
func (d *Driver) Name() string {
	return "memory"
}

// Connect implements messaging.Driver
func (d *Driver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	return nil
}

// Ping implements messaging.Pinger
func (d *Driver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}
	return ctx.Err()
}

// Subscribe implements messaging.Driver. Messages already queued for the
// key's destination are delivered first.
func (d *Driver) Subscribe(ctx context.Context, sub messaging.Subscription, fn messaging.DeliveryFunc) (messaging.Consumer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, ErrNotConnected
	}
	if err := d.subscribeErrs[sub.Key.Destination]; err != nil {
		return nil, err
	}

	q := d.queueFor(sub.Key)
	if sub.Temporary {
		q.temporary = true
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		driver: d,
		queue:  q,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.consumers[c] = struct{}{}

	go c.run(runCtx, fn)

	d.logger.Debug("memory consumer started",
		"key", sub.Key.String(),
		"ackPolicy", sub.Policy.String(),
	)
	return c, nil
}

// queueFor returns the queue of key, creating it. A buffer created by a
// publish before anyone subscribed is handed to the first subscriber of the
// destination. Caller holds d.mu.
func (d *Driver) queueFor(key contracts.Key) *queue {
	if q, ok := d.queues[key]; ok {
		q.subscribed = true
		return q
	}

	q := newQueue(key)
	bare := contracts.NewKey(key.Destination)
	if buffered, ok := d.queues[bare]; ok && key != bare && !buffered.subscribed {
		q.items = buffered.items
		delete(d.queues, bare)
	}
	q.subscribed = true
	d.queues[key] = q
	return q
}

// Publish implements messaging.Driver. The message is copied into every queue
// subscribed to dest.Name, one per consumer group.
func (d *Driver) Publish(ctx context.Context, dest contracts.Destination, msg *messaging.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}
	if errs := d.publishErrs[dest.Name]; len(errs) > 0 {
		d.publishErrs[dest.Name] = errs[1:]
		return errs[0]
	}

	d.published[dest.Name] = append(d.published[dest.Name], msg)
	d.history = append(d.history, dest.Name)

	delivered := false
	for key, q := range d.queues {
		if key.Destination == dest.Name {
			q.push(newMessage(msg))
			delivered = true
		}
	}
	if !delivered {
		q := newQueue(contracts.NewKey(dest.Name))
		d.queues[q.key] = q
		q.push(newMessage(msg))
	}
	return nil
}

// Close implements messaging.Driver. Open consumers are stopped.
func (d *Driver) Close() error {
	d.mu.Lock()
	consumers := make([]*consumer, 0, len(d.consumers))
	for c := range d.consumers {
		consumers = append(consumers, c)
	}
	d.connected = false
	d.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	return nil
}

// FailPublish makes the next len(errs) publishes to destination fail
func (d *Driver) FailPublish(destination string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishErrs[destination] = append(d.publishErrs[destination], errs...)
}

// Published returns the messages published to destination, in order
func (d *Driver) Published(destination string) []*messaging.OutboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*messaging.OutboundMessage(nil), d.published[destination]...)
}

// Destinations returns the destination of every publish, in publish order
func (d *Driver) Destinations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

// Settlements returns the settlements recorded for key, in order
func (d *Driver) Settlements(key contracts.Key) []Settlement {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Settlement
	for _, s := range d.settled {
		if s.Key == key {
			out = append(out, s)
		}
	}
	return out
}

// Outcomes returns the outcomes recorded for key, in order
func (d *Driver) Outcomes(key contracts.Key) []contracts.Outcome {
	settled := d.Settlements(key)
	out := make([]contracts.Outcome, len(settled))
	for i, s := range settled {
		out[i] = s.Outcome
	}
	return out
}

// Pending returns the number of queued, undelivered messages of key
func (d *Driver) Pending(key contracts.Key) int {
	d.mu.Lock()
	q, ok := d.queues[key]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Consumers returns the number of open consumers
func (d *Driver) Consumers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.consumers)
}

func (d *Driver) record(s Settlement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = append(d.settled, s)
}

func (d *Driver) remove(c *consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.consumers, c)
	if !c.queue.temporary {
		return
	}
	for other := range d.consumers {
		if other.queue == c.queue {
			return
		}
	}
	delete(d.queues, c.queue.key)
}

type consumer struct {
	driver *Driver
	queue  *queue
	sub    messaging.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	unsettled map[*delivery]struct{}
}

func (c *consumer) run(ctx context.Context, fn messaging.DeliveryFunc) {
	defer close(c.done)

	for {
		m, ok := c.queue.pop(ctx)
		if !ok {
			return
		}

		dl := &delivery{message: m, consumer: c}
		if c.sub.Policy == contracts.AckNone {
			dl.settled = true
			c.driver.record(Settlement{Key: c.sub.Key, MessageID: m.MessageID, Outcome: contracts.OutcomeAck, Attempt: m.attempt})
		} else {
			c.track(dl)
		}
		fn(ctx, dl)
	}
}

func (c *consumer) track(d *delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsettled == nil {
		c.unsettled = make(map[*delivery]struct{})
	}
	c.unsettled[d] = struct{}{}
}

func (c *consumer) untrack(d *delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unsettled, d)
}

// Close stops the consumer and waits for its goroutine. Deliveries still
// unsettled go back to the queue as redeliveries, like a broker does when a
// channel closes.
func (c *consumer) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done

		c.mu.Lock()
		pending := c.unsettled
		c.unsettled = nil
		c.mu.Unlock()
		for d := range pending {
			if d.returnToQueue() {
				c.queue.requeue(d.message.redelivered())
			}
		}

		c.driver.remove(c)
		c.driver.logger.Debug("memory consumer stopped", "key", c.sub.Key.String())
	})
	return nil
}

type delivery struct {
	*message
	consumer *consumer

	mu      sync.Mutex
	settled bool
}

var _ messaging.Delivery = (*delivery)(nil)

func (d *delivery) Body() []byte { return d.OutboundMessage.Body }
func (d *delivery) ContentType() string { return d.OutboundMessage.ContentType }
func (d *delivery) Headers() contracts.Headers { return d.OutboundMessage.Headers.Clone() }
func (d *delivery) MessageID() string { return d.OutboundMessage.MessageID }
func (d *delivery) CorrelationID() string { return d.OutboundMessage.CorrelationID }
func (d *delivery) ReplyTo() string { return d.OutboundMessage.ReplyTo }
func (d *delivery) Attempt() int { return d.attempt }
func (d *delivery) Redeliverable() bool { return d.consumer.sub.Policy != contracts.AckNone }
func (d *delivery) Ack() error { return d.settle(contracts.OutcomeAck) }
func (d *delivery) Nack() error { return d.settle(contracts.OutcomeNack) }
func (d *delivery) Reject() error { return d.settle(contracts.OutcomeReject) }

func (d *delivery) settle(o contracts.Outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		if d.consumer.sub.Policy == contracts.AckNone {
			return nil
		}
		return fmt.Errorf("memory: delivery %s already settled", d.OutboundMessage.MessageID)
	}
	d.settled = true

	c := d.consumer
	c.untrack(d)
	c.driver.record(Settlement{Key: c.sub.Key, MessageID: d.OutboundMessage.MessageID, Outcome: o, Attempt: d.attempt})
	if o == contracts.OutcomeNack {
		c.queue.requeue(d.message.redelivered())
	}
	return nil
}

// returnToQueue marks an unsettled delivery as returned by its closing
// consumer. Later settle calls fail.
func (d *delivery) returnToQueue() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return false
	}
	d.settled = true
	return true
}
