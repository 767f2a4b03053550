package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
)

var (
	// ErrNotConnected is returned by operations that need a connected driver
	ErrNotConnected = errors.New("mqtt: not connected")
)

type config struct {
	logger       *slog.Logger
	clientID     string
	username     string
	password     string
	qos          byte
	cleanSession bool
	tls          *tls.Config
	buffer       int
	disconnect   time.Duration
}

// Option configures the Driver
type Option func(*config)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithClientID sets the client id; a random one is used otherwise
func WithClientID(id string) Option {
	return func(cfg *config) {
		cfg.clientID = id
	}
}

// WithCredentials sets the username and password
func WithCredentials(username, password string) Option {
	return func(cfg *config) {
		cfg.username = username
		cfg.password = password
	}
}

// WithQoS sets the QoS used for subscriptions and publishes
func WithQoS(qos byte) Option {
	return func(cfg *config) {
		cfg.qos = qos
	}
}

// WithCleanSession controls whether the broker drops the session, and
// with it unacknowledged QoS 1 messages, on disconnect
func WithCleanSession(clean bool) Option {
	return func(cfg *config) {
		cfg.cleanSession = clean
	}
}

// WithTLS sets the TLS configuration
func WithTLS(tlsConfig *tls.Config) Option {
	return func(cfg *config) {
		cfg.tls = tlsConfig
	}
}

// Driver is the MQTT messaging.Driver. MQTT 3.1.1 messages carry no
// properties, so payloads go out raw and the content type is inferred on
// receipt.
type Driver struct {
	url string
	cfg config

	// replaced in tests
	newClient func(*paho.ClientOptions) paho.Client

	mu        sync.Mutex
	client    paho.Client
	consumers map[*consumer]struct{}
}

var (
	_ messaging.Driver = (*Driver)(nil)
	_ messaging.Pinger = (*Driver)(nil)
)

// New creates a disconnected driver for the broker at url, e.g.
// "tcp://localhost:1883"
func New(url string, options ...Option) *Driver {
	cfg := config{
		logger:       slog.Default(),
		clientID:     "relay-" + uuid.NewString(),
		qos:          1,
		cleanSession: true,
		buffer:       64,
		disconnect:   250 * time.Millisecond,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return &Driver{
		url:       url,
		cfg:       cfg,
		newClient: paho.NewClient,
		consumers: make(map[*consumer]struct{}),
	}
}

// Name implements messaging.Driver
func (d *Driver) Name() string {
	return "mqtt"
}

func (d *Driver) clientOptions() *paho.ClientOptions {
	logger := d.cfg.logger
	opts := paho.NewClientOptions().
		AddBroker(d.url).
		SetClientID(d.cfg.clientID).
		SetCleanSession(d.cfg.cleanSession).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		}).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			logger.Info("mqtt reconnecting")
		})
	if d.cfg.username != "" {
		opts.SetUsername(d.cfg.username).SetPassword(d.cfg.password)
	}
	if d.cfg.tls != nil {
		opts.SetTLSConfig(d.cfg.tls)
	}
	return opts
}

// Connect implements messaging.Driver
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return nil
	}

	client := d.newClient(d.clientOptions())
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", d.url, err)
	}

	d.client = client
	d.cfg.logger.Info("connected to MQTT broker", "clientId", d.cfg.clientID)
	return nil
}

// Ping implements messaging.Pinger
func (d *Driver) Ping(ctx context.Context) error {
	client := d.currentClient()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return ctx.Err()
}

func (d *Driver) currentClient() paho.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// TopicFilter returns the filter a key subscribes to. Keys with a group use
// a shared subscription, so the group's members split the messages.
func TopicFilter(key contracts.Key) string {
	if key.Group == "" {
		return key.Destination
	}
	return "$share/" + key.Group + "/" + key.Destination
}

// Subscribe implements messaging.Driver
func (d *Driver) Subscribe(ctx context.Context, sub messaging.Subscription, fn messaging.DeliveryFunc) (messaging.Consumer, error) {
	client := d.currentClient()
	if client == nil {
		return nil, ErrNotConnected
	}

	filter := TopicFilter(sub.Key)
	runCtx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		driver:  d,
		client:  client,
		filter:  filter,
		autoAck: sub.Policy == contracts.AckNone,
		inbox:   make(chan paho.Message, max(d.cfg.buffer, sub.Prefetch)),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  d.cfg.logger.With("topic", filter),
	}

	if err := wait(ctx, client.Subscribe(filter, d.cfg.qos, c.receive)); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}

	d.mu.Lock()
	d.consumers[c] = struct{}{}
	d.mu.Unlock()

	go c.run(runCtx, fn)

	c.logger.Info("subscribed to topic", "qos", d.cfg.qos)
	return c, nil
}

// Publish implements messaging.Driver. Headers, ids and TTL have no MQTT
// 3.1.1 representation and are dropped.
func (d *Driver) Publish(ctx context.Context, dest contracts.Destination, msg *messaging.OutboundMessage) error {
	client := d.currentClient()
	if client == nil {
		return ErrNotConnected
	}

	if err := wait(ctx, client.Publish(dest.Name, d.cfg.qos, msg.Retain, msg.Body)); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", dest.Name, err)
	}
	return nil
}

// Close implements messaging.Driver
func (d *Driver) Close() error {
	d.mu.Lock()
	client := d.client
	consumers := make([]*consumer, 0, len(d.consumers))
	for c := range d.consumers {
		consumers = append(consumers, c)
	}
	d.client = nil
	d.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	if client != nil {
		client.Disconnect(uint(d.cfg.disconnect.Milliseconds()))
	}
	return errors.Join(errs...)
}

func (d *Driver) remove(c *consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.consumers, c)
}

// wait blocks until token completes or ctx is done
func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
