package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/deadletter"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/messaging"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "relay"

// Collector records broker metrics in Prometheus. It serves both the broker
// (messaging.MetricsCollector) and the metrics interceptor.
type Collector struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	messages        *prometheus.CounterVec
	processing      *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	subscriptions   *prometheus.CounterVec
	errors          *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
}

var (
	_ messaging.MetricsCollector    = (*Collector)(nil)
	_ interceptors.MetricsCollector = (*Collector)(nil)
	_ deadletter.MetricsCollector   = (*Collector)(nil)
)

type options struct {
	namespace string
	registry  *prometheus.Registry
	buckets   []float64
}

// Option configures a Collector
type Option func(*options)

// WithNamespace sets the metric namespace
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithRegistry registers the metrics on registry instead of a new one
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithBuckets sets the histogram buckets, in seconds
func WithBuckets(buckets []float64) Option {
	return func(o *options) {
		o.buckets = buckets
	}
}

// NewCollector creates a Collector and registers its metrics
func NewCollector(opts ...Option) (*Collector, error) {
	o := options{
		namespace: DefaultNamespace,
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: o.registry,
		gatherer: o.registry,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "messages_total",
			Help:      "Messages dispatched, by key and settled outcome.",
		}, []string{"key", "outcome"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "message_processing_seconds",
			Help:      "Time from delivery to settlement.",
			Buckets:   o.buckets,
		}, []string{"key"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "handler_errors_total",
			Help:      "Failed dispatches, by key and error type.",
		}, []string{"key", "type"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "publishes_total",
			Help:      "Publish attempts, by destination and result.",
		}, []string{"destination", "result"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "publish_seconds",
			Help:      "Publish latency.",
			Buckets:   o.buckets,
		}, []string{"destination"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "subscriptions_total",
			Help:      "Subscriptions opened, by key.",
		}, []string{"key"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "errors_total",
			Help:      "Errors outside message processing, by component and type.",
		}, []string{"component", "type"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "dead_letters_total",
			Help:      "Dead letters processed, by origin and action.",
		}, []string{"destination", "action"}),
	}

	for _, collector := range []prometheus.Collector{
		c.messages, c.processing, c.handlerErrors,
		c.publishes, c.publishDuration, c.subscriptions, c.errors, c.deadLetters,
	} {
		if err := c.registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the registry the metrics live in
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

// RecordMessage implements messaging.MetricsCollector
func (c *Collector) RecordMessage(key string, duration time.Duration, outcome contracts.Outcome, errorType string) {
	c.messages.WithLabelValues(key, outcome.String()).Inc()
	c.processing.WithLabelValues(key).Observe(duration.Seconds())
	if errorType != "" {
		c.handlerErrors.WithLabelValues(key, errorType).Inc()
	}
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(destination string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.publishes.WithLabelValues(destination, result).Inc()
	c.publishDuration.WithLabelValues(destination).Observe(duration.Seconds())
}

// RecordSubscribe implements messaging.MetricsCollector
func (c *Collector) RecordSubscribe(key string) {
	c.subscriptions.WithLabelValues(key).Inc()
}

// RecordError implements messaging.MetricsCollector
func (c *Collector) RecordError(component string, errorType string) {
	c.errors.WithLabelValues(component, errorType).Inc()
}

// IncrementMessageCount implements interceptors.MetricsCollector. The
// interceptor sees handler invocations only, so they are counted under the
// "invoked" outcome.
func (c *Collector) IncrementMessageCount(key string) {
	c.messages.WithLabelValues(key, "invoked").Inc()
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *Collector) RecordProcessingTime(key string, duration time.Duration) {
	c.processing.WithLabelValues(key).Observe(duration.Seconds())
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *Collector) IncrementErrorCount(key string, errorType string) {
	c.handlerErrors.WithLabelValues(key, errorType).Inc()
}

// RecordDeadLetter implements deadletter.MetricsCollector
func (c *Collector) RecordDeadLetter(destination, action string) {
	c.deadLetters.WithLabelValues(destination, action).Inc()
}
