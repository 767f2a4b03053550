package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url               string
	dial              func(url string) (*amqp.Connection, error)
	conn              *amqp.Connection
	mu                sync.RWMutex
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	dialTimeout       time.Duration
	maxRetries        int
	logger            *slog.Logger
	isConnected       bool
	ctx               context.Context
	cancel            context.CancelFunc
	stateListeners    []ConnectionStateListener
	listenersMu       sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay; later attempts back
// off exponentially up to max.
func WithReconnectDelay(delay, max time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
		cm.maxReconnectDelay = max
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; zero or
// less retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		dial:              amqp.Dial,
		reconnectDelay:    time.Second,
		maxReconnectDelay: time.Minute,
		dialTimeout:       30 * time.Second,
		logger:            slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.setConnection(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

// dialContext runs one dial attempt bounded by ctx and the dial timeout
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// setConnection installs conn and starts watching it. Caller holds mu.
func (cm *ConnectionManager) setConnection(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.handleReconnect(notifyClose)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.ctx.Err() != nil {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Done is closed when the manager is closed
func (cm *ConnectionManager) Done() <-chan struct{} {
	return cm.ctx.Done()
}

// Close closes the connection and stops reconnection attempts
func (cm *ConnectionManager) Close() error {
	cm.cancel()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// closed by us
			return
		}
		cm.logger.Error("connection closed", "error", amqpErr)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(amqpErr)
		cm.reconnect()

	case <-cm.ctx.Done():
	}
}

// newBackOff returns the reconnection schedule
func (cm *ConnectionManager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cm.reconnectDelay
	b.MaxInterval = cm.maxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if cm.maxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(cm.maxRetries-1))
	}
	return backoff.WithContext(bo, cm.ctx)
}

// reconnect dials until it succeeds, runs out of attempts or the manager closes
func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	attempt := 0

	err := backoff.RetryNotify(func() error {
		attempt++
		cm.notifyReconnecting(attempt)

		conn, err := cm.dialContext(cm.ctx)
		if err != nil {
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.ctx.Err() != nil {
			conn.Close()
			return backoff.Permanent(ErrConnectionClosed)
		}
		cm.setConnection(conn)
		return nil
	}, cm.newBackOff(), func(err error, next time.Duration) {
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", next)
	})

	if err == nil {
		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(start))
		cm.notifyConnected()
		return
	}
	if cm.ctx.Err() != nil {
		return
	}

	cm.logger.Error("max reconnection attempts reached",
		"attempts", attempt,
		"duration", time.Since(start))
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  attempt,
	})
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
