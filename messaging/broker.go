package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/relay/appctx"
	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/reliability"
	"github.com/glimte/relay/serialization"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// State is the broker connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Hook runs during Start or Close with the broker's context repository
type Hook func(ctx context.Context, repo *appctx.Repository) error

// Broker owns a transport connection and the handlers registered on it.
// It moves through disconnected, connecting, connected and closing.
type Broker struct {
	driver          Driver
	registry        *Registry
	dispatcher      *Dispatcher
	repo            *appctx.Repository
	sharedRepo      bool
	logger          *slog.Logger
	metrics         MetricsCollector
	retry           reliability.RetryPolicy
	breaker         *reliability.CircuitBreaker
	onError         func(error)
	shutdownTimeout time.Duration
	dispatchOpts    []DispatcherOption

	mu            sync.Mutex
	state         State
	started       bool
	hooksDone     bool
	startupHooks  []Hook
	shutdownHooks []Hook
	consumers     []Consumer
	runCtx        context.Context
	cancel        context.CancelFunc

	flightMu sync.RWMutex
	draining bool
	inflight sync.WaitGroup
}

// BrokerOption configures a Broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithRepository shares a context repository with the broker. The broker
// does not freeze a shared repository; its owner does once every broker
// using it has started.
func WithRepository(repo *appctx.Repository) BrokerOption {
	return func(b *Broker) {
		b.repo = repo
		b.sharedRepo = repo != nil
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) BrokerOption {
	return func(b *Broker) {
		b.metrics = metrics
	}
}

// WithRetryPolicy sets the publish retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) BrokerOption {
	return func(b *Broker) {
		b.retry = policy
	}
}

// WithCircuitBreaker guards publishing with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) BrokerOption {
	return func(b *Broker) {
		b.breaker = cb
	}
}

// WithErrorHandler receives errors returned by dispatch, such as handler
// errors of manually acknowledged bindings
func WithErrorHandler(fn func(error)) BrokerOption {
	return func(b *Broker) {
		b.onError = fn
	}
}

// WithShutdownTimeout bounds how long Close waits for in-flight messages
func WithShutdownTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		b.shutdownTimeout = timeout
	}
}

// WithDispatcherOptions configures the broker's dispatcher
func WithDispatcherOptions(options ...DispatcherOption) BrokerOption {
	return func(b *Broker) {
		b.dispatchOpts = append(b.dispatchOpts, options...)
	}
}

// NewBroker creates a disconnected broker over driver
func NewBroker(driver Driver, options ...BrokerOption) *Broker {
	b := &Broker{
		driver:          driver,
		registry:        NewRegistry(),
		logger:          slog.Default(),
		metrics:         NoOpMetricsCollector{},
		retry:           reliability.DefaultRetryPolicy(),
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(b)
	}

	b.logger = b.logger.With("transport", driver.Name())
	if b.repo == nil {
		b.repo = appctx.New(appctx.WithLogger(b.logger))
	}
	if b.onError == nil {
		b.onError = func(err error) {
			b.logger.Error("message handling failed", "error", err)
		}
	}

	opts := []DispatcherOption{
		WithDispatcherLogger(b.logger),
		WithDispatcherMetrics(b.metrics),
		WithDispatcherRepository(b.repo),
	}
	b.dispatcher = NewDispatcher(b.registry, append(opts, b.dispatchOpts...)...)
	b.dispatcher.broker = b
	return b
}

// Name returns the transport name
func (b *Broker) Name() string {
	return b.driver.Name()
}

// Registry returns the broker's handler registry
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Repository returns the context repository
func (b *Broker) Repository() *appctx.Repository {
	return b.repo
}

// Logger returns the broker logger
func (b *Broker) Logger() *slog.Logger {
	return b.logger
}

// State returns the current connection state
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStartup registers a hook run once by Start before subscribing
func (b *Broker) OnStartup(hook Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startupHooks = append(b.startupHooks, hook)
}

// OnShutdown registers a hook run by Close, in reverse registration order
func (b *Broker) OnShutdown(hook Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdownHooks = append(b.shutdownHooks, hook)
}

// Subscriber binds handler to key. Handlers must be registered before Start.
func (b *Broker) Subscriber(key contracts.Key, handler any, options ...BindingOption) (*Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil, &contracts.StateError{Op: "register a subscriber", State: "started"}
	}
	binding, err := NewBinding(key, handler, options...)
	if err != nil {
		return nil, err
	}
	b.registry.Register(binding)
	return binding, nil
}

// Subscribe binds handler to a destination without a consumer group
func (b *Broker) Subscribe(destination string, handler any, options ...BindingOption) (*Binding, error) {
	return b.Subscriber(contracts.NewKey(destination), handler, options...)
}

// Publisher creates a reusable publisher bound to this broker
func (b *Broker) Publisher(dest contracts.Destination, options ...PublishOption) *Publisher {
	return &Publisher{
		broker:      b,
		destination: dest,
		options:     append([]PublishOption(nil), options...),
	}
}

// Connect opens the transport connection. It is a no-op when connected.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateConnected:
		b.mu.Unlock()
		return nil
	case StateConnecting, StateClosing:
		state := b.state
		b.mu.Unlock()
		return &contracts.StateError{Op: "connect", State: state.String()}
	}
	b.state = StateConnecting
	b.mu.Unlock()

	err := b.driver.Connect(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateConnecting {
		// closed while dialing
		_ = b.driver.Close()
		b.state = StateDisconnected
		return &contracts.StateError{Op: "connect", State: StateClosing.String()}
	}
	if err != nil {
		b.state = StateDisconnected
		var connErr *contracts.ConnectionError
		if !errors.As(err, &connErr) {
			err = &contracts.ConnectionError{Transport: b.driver.Name(), Op: "connect", Err: err}
		}
		b.logger.Error("failed to connect", "error", err)
		return err
	}

	b.runCtx, b.cancel = context.WithCancel(context.Background())
	b.flightMu.Lock()
	b.draining = false
	b.flightMu.Unlock()
	b.state = StateConnected
	b.logger.Info("broker connected")
	return nil
}

// Start runs the startup hooks, freezes the context repository unless it is
// shared and opens a consumer for every registered key. When any subscription fails, the ones
// already opened are closed and the broker stays connected.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateConnected {
		return &contracts.StateError{Op: "start", State: b.state.String()}
	}
	if b.started {
		return nil
	}

	if !b.hooksDone {
		for _, hook := range b.startupHooks {
			if err := hook(ctx, b.repo); err != nil {
				return fmt.Errorf("startup hook failed: %w", err)
			}
		}
		b.hooksDone = true
	}
	if !b.sharedRepo {
		b.repo.Freeze()
	}

	consumers := make([]Consumer, 0, len(b.registry.Keys()))
	for _, key := range b.registry.Keys() {
		sub := b.registry.subscriptionFor(key)
		consumer, err := b.driver.Subscribe(ctx, sub, b.deliver(key, sub.Prefetch))
		if err != nil {
			if cerr := closeConsumers(consumers); cerr != nil {
				b.logger.Warn("failed to close consumers after subscribe failure", "error", cerr)
			}
			var connErr *contracts.ConnectionError
			if !errors.As(err, &connErr) {
				err = &contracts.ConnectionError{Transport: b.driver.Name(), Op: "subscribe " + key.String(), Err: err}
			}
			b.logger.Error("failed to subscribe", "key", key.String(), "error", err)
			return err
		}
		consumers = append(consumers, consumer)
		b.metrics.RecordSubscribe(key.String())
		b.logger.Info("subscribed",
			"key", key.String(),
			"prefetch", sub.Prefetch,
			"ackPolicy", sub.Policy.String(),
		)
	}

	b.consumers = consumers
	b.started = true
	return nil
}

// deliver feeds deliveries of key into the dispatcher, at most limit at a
// time. With a limit of one the consumer blocks until the previous message
// is done, which keeps delivery order.
func (b *Broker) deliver(key contracts.Key, limit int) DeliveryFunc {
	sem := semaphore.NewWeighted(int64(max(limit, 1)))
	runCtx := b.runCtx

	return func(_ context.Context, d Delivery) {
		if err := sem.Acquire(runCtx, 1); err != nil {
			b.giveBack(key, d)
			return
		}

		b.flightMu.RLock()
		if b.draining {
			b.flightMu.RUnlock()
			sem.Release(1)
			b.giveBack(key, d)
			return
		}
		b.inflight.Add(1)
		b.flightMu.RUnlock()

		go func() {
			defer b.inflight.Done()
			defer sem.Release(1)

			if err := b.dispatcher.Dispatch(runCtx, key, d); err != nil {
				b.onError(err)
			}
		}()
	}
}

// giveBack leaves a delivery that arrived while closing unsettled; the
// transport returns it to the queue when the consumer closes.
func (b *Broker) giveBack(key contracts.Key, d Delivery) {
	b.logger.Debug("broker closing, leaving message unsettled",
		"key", key.String(),
		"messageId", d.MessageID(),
	)
}

// Publish encodes value and sends it to dest. It requires a connected broker.
func (b *Broker) Publish(ctx context.Context, dest contracts.Destination, value any, options ...PublishOption) error {
	err := b.send(ctx, dest, value, options)
	if err == nil {
		return nil
	}
	var stateErr *contracts.StateError
	if errors.As(err, &stateErr) {
		return err
	}
	return &contracts.PublishError{Destination: dest, Position: -1, Err: err}
}

func (b *Broker) send(ctx context.Context, dest contracts.Destination, value any, options []PublishOption) error {
	if state := b.State(); state != StateConnected {
		return &contracts.StateError{Op: "publish", State: state.String()}
	}

	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}

	body, contentType, err := serialization.Encode(value, opts.ContentType)
	if err != nil {
		return err
	}

	msg := &OutboundMessage{
		Body:          body,
		ContentType:   contentType,
		MessageID:     opts.MessageID,
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		Headers:       opts.Headers,
		Timestamp:     time.Now().UTC(),
		TTL:           opts.TTL,
		Priority:      opts.Priority,
		Retain:        opts.Retain,
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.MessageID
	}
	if msg.Headers == nil {
		msg.Headers = contracts.Headers{}
	}

	start := time.Now()
	publish := func() error {
		return reliability.Retry(ctx, b.retry, "publish to "+dest.String(), func() error {
			return b.driver.Publish(ctx, dest, msg)
		})
	}
	if b.breaker != nil {
		err = b.breaker.Execute("publish", publish)
	} else {
		err = publish()
	}
	b.metrics.RecordPublish(dest.String(), time.Since(start), err == nil)

	if err != nil {
		b.logger.Debug("publish failed",
			"destination", dest.String(),
			"messageId", msg.MessageID,
			"error", err,
		)
	}
	return err
}

// Ping checks that the broker is connected and, when the driver supports it,
// that the transport answers.
func (b *Broker) Ping(ctx context.Context) error {
	if state := b.State(); state != StateConnected {
		return &contracts.StateError{Op: "ping", State: state.String()}
	}
	if p, ok := b.driver.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close cancels in-flight dispatches and waits for them, closes the
// consumers, runs the shutdown hooks and closes the connection. It is valid
// in any state and closing twice is a no-op. Results of handlers finishing
// during close are not published.
func (b *Broker) Close() error {
	b.mu.Lock()
	switch b.state {
	case StateDisconnected, StateClosing:
		b.mu.Unlock()
		return nil
	case StateConnecting:
		b.state = StateClosing
		b.mu.Unlock()
		return b.driver.Close()
	}
	b.state = StateClosing
	consumers := b.consumers
	b.consumers = nil
	cancel := b.cancel
	hooks := append([]Hook(nil), b.shutdownHooks...)
	b.mu.Unlock()

	b.logger.Info("closing broker")

	var errs []error
	b.flightMu.Lock()
	b.draining = true
	b.flightMu.Unlock()
	cancel()
	b.waitInflight()

	if err := closeConsumers(consumers); err != nil {
		errs = append(errs, fmt.Errorf("close consumers: %w", err))
	}

	ctx, cancelHooks := context.WithTimeout(context.Background(), b.shutdownTimeout)
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx, b.repo); err != nil {
			b.logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, fmt.Errorf("shutdown hook failed: %w", err))
		}
	}
	cancelHooks()

	if err := b.driver.Close(); err != nil {
		errs = append(errs, &contracts.ConnectionError{Transport: b.driver.Name(), Op: "close", Err: err})
	}

	b.mu.Lock()
	b.state = StateDisconnected
	b.started = false
	b.mu.Unlock()

	b.logger.Info("broker closed")
	return errors.Join(errs...)
}

func (b *Broker) waitInflight() {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(b.shutdownTimeout):
		b.logger.Warn("timed out waiting for in-flight messages", "timeout", b.shutdownTimeout)
	}
}

func closeConsumers(consumers []Consumer) error {
	var g errgroup.Group
	for _, c := range consumers {
		g.Go(c.Close)
	}
	return g.Wait()
}

// Run connects, calls fn and always closes the broker afterwards, also when
// fn or Connect fail.
func (b *Broker) Run(ctx context.Context, fn func(ctx context.Context, b *Broker) error) (err error) {
	defer func() {
		if cerr := b.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := b.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, b)
}

// Serve connects, starts consuming and blocks until ctx is done, then closes
func (b *Broker) Serve(ctx context.Context) error {
	return b.Run(ctx, func(ctx context.Context, b *Broker) error {
		if err := b.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
}
