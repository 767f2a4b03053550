package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
	"github.com/glimte/relay/serialization"
)

// Headers written on replayed messages and read back when they die again
const (
	HeaderOrigin     = "x-original-destination"
	HeaderRetryCount = "x-retry-count"
	HeaderLastError  = "x-last-error"
	HeaderFirstDeath = "x-first-death-time"
	HeaderLastRetry  = "x-last-retry-time"
)

// Actions reported to MetricsCollector
const (
	ActionReplayed = "replayed"
	ActionParked   = "parked"
	ActionFailed   = "failed"
)

var (
	// ErrNotFound is returned by stores for unknown ids
	ErrNotFound = errors.New("deadletter: message not found")
)

// Publisher republishes replayed messages. *messaging.Broker implements it.
type Publisher interface {
	Publish(ctx context.Context, dest contracts.Destination, body any, options ...messaging.PublishOption) error
}

// MetricsCollector records what happened to dead letters
type MetricsCollector interface {
	RecordDeadLetter(destination, action string)
}

// Metadata is what a dead letter tells about its history
type Metadata struct {
	// Origin is the destination the message was first published to
	Origin       string
	Reason       string
	RetryCount   int
	FirstDeathAt time.Time
}

// Handler replays dead letters to their origin until the retry budget is
// spent, then parks them in a Store
type Handler struct {
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
	store      Store
	metrics    MetricsCollector
	publisher  Publisher
	now        func() time.Time
}

// Option configures the handler
type Option func(*Handler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxRetries sets how often a message is replayed before it is parked
func WithMaxRetries(retries int) Option {
	return func(h *Handler) {
		h.maxRetries = retries
	}
}

// WithRetryDelay sets the pause before a replay
func WithRetryDelay(delay time.Duration) Option {
	return func(h *Handler) {
		h.retryDelay = delay
	}
}

// WithStore sets where parked messages are kept
func WithStore(store Store) Option {
	return func(h *Handler) {
		h.store = store
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithPublisher sets the publisher used for replays; without one every
// message is parked
func WithPublisher(publisher Publisher) Option {
	return func(h *Handler) {
		h.publisher = publisher
	}
}

// NewHandler creates a dead letter handler. Parked messages go to a
// MemoryStore unless WithStore is given.
func NewHandler(options ...Option) *Handler {
	h := &Handler{
		logger:     slog.Default(),
		maxRetries: 3,
		retryDelay: time.Minute,
		now:        time.Now,
	}
	for _, opt := range options {
		opt(h)
	}
	if h.store == nil {
		h.store = NewMemoryStore()
	}
	return h
}

// Store returns the store parked messages are written to
func (h *Handler) Store() Store {
	return h.store
}

// Handle processes one dead letter. It has the signature the broker injects,
// so it can be subscribed directly.
func (h *Handler) Handle(ctx context.Context, env *contracts.Envelope) error {
	meta := Inspect(env)

	h.logger.Info("processing dead letter",
		"messageId", env.MessageID,
		"origin", meta.Origin,
		"retryCount", meta.RetryCount,
		"reason", meta.Reason,
	)

	if h.publisher != nil && meta.Origin != "" && meta.RetryCount < h.maxRetries {
		return h.replay(ctx, env, meta)
	}

	if err := h.park(ctx, env, meta); err != nil {
		h.record(meta.Origin, ActionFailed)
		return err
	}
	h.record(meta.Origin, ActionParked)
	return nil
}

// Subscribe binds the handler to key on b
func (h *Handler) Subscribe(b *messaging.Broker, key contracts.Key, options ...messaging.BindingOption) (*messaging.Binding, error) {
	return b.Subscriber(key, h.Handle, options...)
}

func (h *Handler) replay(ctx context.Context, env *contracts.Envelope, meta Metadata) error {
	if h.retryDelay > 0 {
		timer := time.NewTimer(h.retryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	headers := make(contracts.Headers, len(env.Headers)+4)
	for k, v := range env.Headers {
		if k == "x-death" || transportHeader(k) {
			continue
		}
		headers[k] = v
	}
	headers[HeaderOrigin] = meta.Origin
	headers[HeaderRetryCount] = meta.RetryCount + 1
	headers[HeaderLastRetry] = h.now().Unix()
	if meta.Reason != "" {
		headers[HeaderLastError] = meta.Reason
	}
	if !meta.FirstDeathAt.IsZero() {
		headers[HeaderFirstDeath] = meta.FirstDeathAt.Unix()
	}

	opts := []messaging.PublishOption{
		messaging.WithHeaders(headers),
		messaging.WithMessageID(env.MessageID),
		messaging.WithCorrelationID(env.CorrelationID),
	}
	if env.ContentType != "" {
		opts = append(opts, messaging.WithContentType(env.ContentType))
	}
	if env.ReplyTo != "" {
		opts = append(opts, messaging.WithReplyTo(env.ReplyTo))
	}

	body := serialization.Encoded(env.RawBody)
	if err := h.publisher.Publish(ctx, contracts.To(meta.Origin), body, opts...); err != nil {
		h.logger.Error("failed to replay dead letter",
			"error", err,
			"messageId", env.MessageID,
			"retryCount", meta.RetryCount+1,
		)
		h.record(meta.Origin, ActionFailed)
		return fmt.Errorf("failed to replay dead letter %s: %w", env.MessageID, err)
	}

	h.logger.Info("dead letter replayed",
		"messageId", env.MessageID,
		"origin", meta.Origin,
		"retryCount", meta.RetryCount+1,
	)
	h.record(meta.Origin, ActionReplayed)
	return nil
}

func (h *Handler) park(ctx context.Context, env *contracts.Envelope, meta Metadata) error {
	msg := FailedMessage{
		ID:            env.MessageID,
		Origin:        meta.Origin,
		Key:           env.Key.String(),
		Headers:       env.Headers.Clone(),
		Body:          env.RawBody,
		ContentType:   env.ContentType,
		CorrelationID: env.CorrelationID,
		Reason:        meta.Reason,
		RetryCount:    meta.RetryCount,
		FirstFailedAt: meta.FirstDeathAt,
		LastFailedAt:  h.now(),
	}
	if err := h.store.Store(ctx, msg); err != nil {
		h.logger.Error("failed to park dead letter", "error", err, "messageId", env.MessageID)
		return fmt.Errorf("failed to park dead letter %s: %w", env.MessageID, err)
	}
	h.logger.Warn("dead letter parked",
		"messageId", env.MessageID,
		"origin", meta.Origin,
		"retryCount", meta.RetryCount,
	)
	return nil
}

func (h *Handler) record(origin, action string) {
	if h.metrics != nil {
		h.metrics.RecordDeadLetter(origin, action)
	}
}

// Inspect reads the history of a dead letter from relay headers and, for
// AMQP, the broker's x-death header. The AMQP origin is the dead lettering
// queue, which the rabbitmq transport binds under its own name.
func Inspect(env *contracts.Envelope) Metadata {
	h := env.Headers
	meta := Metadata{
		Origin:       headerString(h, HeaderOrigin),
		Reason:       headerString(h, HeaderLastError),
		RetryCount:   headerInt(h[HeaderRetryCount]),
		FirstDeathAt: headerTime(h[HeaderFirstDeath]),
	}

	if death, ok := firstDeath(h["x-death"]); ok {
		// the queue name addresses only the group that gave up
		if meta.Origin == "" {
			meta.Origin, _ = death["queue"].(string)
		}
		if meta.Origin == "" {
			if keys, ok := death["routing-keys"].([]any); ok && len(keys) > 0 {
				meta.Origin, _ = keys[0].(string)
			}
		}
		if meta.Reason == "" {
			meta.Reason, _ = death["reason"].(string)
		}
		if meta.FirstDeathAt.IsZero() {
			meta.FirstDeathAt = headerTime(death["time"])
		}
	}
	return meta
}

func firstDeath(v any) (map[string]any, bool) {
	deaths, ok := v.([]any)
	if !ok || len(deaths) == 0 {
		return nil, false
	}
	switch d := deaths[0].(type) {
	case amqp.Table:
		return d, true
	case map[string]any:
		return d, true
	}
	return nil, false
}

// transportHeader reports coordinates a transport adds on delivery
func transportHeader(key string) bool {
	for _, prefix := range []string{"amqp.", "kafka.", "mqtt."} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func headerString(h contracts.Headers, key string) string {
	s, _ := h.Get(key)
	return s
}

func headerInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	case []byte:
		n, _ := strconv.Atoi(string(t))
		return n
	}
	return 0
}

func headerTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case int64:
		return time.Unix(t, 0)
	case float64:
		return time.Unix(int64(t), 0)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}
