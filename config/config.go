package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/internal/reliability"
	"github.com/glimte/relay/messaging"
	"github.com/glimte/relay/transports/kafka"
	"github.com/glimte/relay/transports/memory"
	"github.com/glimte/relay/transports/mqtt"
	"github.com/glimte/relay/transports/rabbitmq"
)

// Supported driver names
const (
	DriverAMQP   = "amqp"
	DriverKafka  = "kafka"
	DriverMQTT   = "mqtt"
	DriverMemory = "memory"
)

// Environment variables that override the file
const (
	EnvDriver   = "RELAY_DRIVER"
	EnvURL      = "RELAY_URL"
	EnvBrokers  = "RELAY_BROKERS"
	EnvGroup    = "RELAY_GROUP"
	EnvUsername = "RELAY_USERNAME"
	EnvPassword = "RELAY_PASSWORD"
	EnvLogLevel = "RELAY_LOG_LEVEL"
)

type BrokerConfig struct {
	Driver string `yaml:"driver"`
	// URL is the AMQP or MQTT broker address
	URL string `yaml:"url"`
	// Brokers are the Kafka bootstrap addresses
	Brokers []string `yaml:"brokers"`

	Exchange           string `yaml:"exchange"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	MaxPriority        uint8  `yaml:"max_priority"`

	Group string `yaml:"group"`

	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

type DispatchConfig struct {
	AckPolicy string `yaml:"ack_policy"`
	// MaxConcurrency also sets the transport prefetch
	MaxConcurrency int `yaml:"max_concurrency"`
	MaxRetries     int `yaml:"max_retries"`
	// Timeout bounds each handler call; zero disables it
	Timeout time.Duration `yaml:"timeout"`
	// Retry retries a failing handler in-process; max_attempts 1 disables it
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Deduplicate    DeduplicateConfig    `yaml:"deduplicate"`
}

type DeduplicateConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type PublishConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type Config struct {
	Broker          BrokerConfig   `yaml:"broker"`
	Dispatch        DispatchConfig `yaml:"dispatch"`
	Publish         PublishConfig  `yaml:"publish"`
	Metrics         MetricsConfig  `yaml:"metrics"`
	LogLevel        string         `yaml:"log_level"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
}

// Default returns the configuration used for fields the file leaves out
func Default() *Config {
	retry := reliability.DefaultRetryPolicy()
	return &Config{
		Broker: BrokerConfig{
			Driver: DriverMemory,
			QoS:    1,
		},
		Dispatch: DispatchConfig{
			AckPolicy:      contracts.AckAuto.String(),
			MaxConcurrency: 1,
			Retry: RetryConfig{
				MaxAttempts:     1,
				InitialInterval: retry.InitialInterval,
				MaxInterval:     retry.MaxInterval,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
			Deduplicate: DeduplicateConfig{
				TTL: 10 * time.Minute,
			},
		},
		Publish: PublishConfig{
			Retry: RetryConfig{
				MaxAttempts:     retry.MaxAttempts,
				InitialInterval: retry.InitialInterval,
				MaxInterval:     retry.MaxInterval,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads path over the defaults, applies environment overrides, then
// overrides, and validates the result. An empty path loads defaults and
// environment only.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}

	cfg.applyEnv()
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDriver); v != "" {
		c.Broker.Driver = v
	}
	if v := os.Getenv(EnvURL); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv(EnvBrokers); v != "" {
		c.Broker.Brokers = splitList(v)
	}
	if v := os.Getenv(EnvGroup); v != "" {
		c.Broker.Group = v
	}
	if v := os.Getenv(EnvUsername); v != "" {
		c.Broker.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every problem in the configuration at once
func (c *Config) Validate() error {
	var errs []error

	if err := c.validateBroker(); err != nil {
		errs = append(errs, fmt.Errorf("broker: %w", err))
	}
	if err := c.validateDispatch(); err != nil {
		errs = append(errs, fmt.Errorf("dispatch: %w", err))
	}
	if err := c.validatePublish(); err != nil {
		errs = append(errs, fmt.Errorf("publish: %w", err))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout %s must be >= 0", c.ShutdownTimeout))
	}

	return errors.Join(errs...)
}

func (c *Config) validateBroker() error {
	var errs []error
	b := c.Broker

	switch b.Driver {
	case DriverAMQP:
		errs = append(errs, validateURL(b.URL, "amqp", "amqps"))
	case DriverMQTT:
		errs = append(errs, validateURL(b.URL, "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss"))
		if b.QoS < 0 || b.QoS > 2 {
			errs = append(errs, fmt.Errorf("qos %d is out of range (0..2)", b.QoS))
		}
	case DriverKafka:
		if len(b.Brokers) == 0 {
			errs = append(errs, errors.New("brokers are required for kafka"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", b.Driver))
	}

	return errors.Join(errs...)
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url is invalid: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("url scheme %q is not one of %v", u.Scheme, schemes)
}

func (c *Config) validateDispatch() error {
	var errs []error
	d := c.Dispatch

	if _, ok := contracts.ParseAckPolicy(d.AckPolicy); !ok {
		errs = append(errs, fmt.Errorf("unknown ack_policy %q", d.AckPolicy))
	}
	if d.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("max_concurrency %d must be >= 1", d.MaxConcurrency))
	}
	if d.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries %d must be >= 0", d.MaxRetries))
	}
	if d.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout %s must be >= 0", d.Timeout))
	}
	errs = append(errs, validateRetry(d.Retry), validateBreaker(d.CircuitBreaker))

	return errors.Join(errs...)
}

func (c *Config) validatePublish() error {
	var errs []error
	p := c.Publish

	errs = append(errs, validateRetry(p.Retry), validateBreaker(p.CircuitBreaker))

	return errors.Join(errs...)
}

func validateRetry(r RetryConfig) error {
	var errs []error
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must be >= 1", r.MaxAttempts))
	}
	if r.MaxInterval > 0 && r.InitialInterval > r.MaxInterval {
		errs = append(errs, fmt.Errorf(
			"retry.initial_interval %s must be <= retry.max_interval %s",
			r.InitialInterval, r.MaxInterval,
		))
	}
	return errors.Join(errs...)
}

func validateBreaker(cb CircuitBreakerConfig) error {
	if cb.Enabled && cb.FailureThreshold == 0 {
		return errors.New("circuit_breaker.failure_threshold must be > 0")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Level returns the configured log level, info when unset
func (c *Config) Level() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewDriver creates the configured transport driver
func (c *Config) NewDriver(logger *slog.Logger) (messaging.Driver, error) {
	b := c.Broker

	switch b.Driver {
	case DriverAMQP:
		opts := []rabbitmq.Option{rabbitmq.WithLogger(logger)}
		if b.Exchange != "" {
			opts = append(opts, rabbitmq.WithExchange(b.Exchange, "topic"))
		}
		if b.DeadLetterExchange != "" {
			opts = append(opts, rabbitmq.WithDeadLetterExchange(b.DeadLetterExchange))
		}
		if b.MaxPriority > 0 {
			opts = append(opts, rabbitmq.WithMaxPriority(b.MaxPriority))
		}
		return rabbitmq.New(b.URL, opts...), nil

	case DriverKafka:
		opts := []kafka.Option{kafka.WithLogger(logger)}
		if b.Group != "" {
			opts = append(opts, kafka.WithGroup(b.Group))
		}
		return kafka.New(b.Brokers, opts...), nil

	case DriverMQTT:
		opts := []mqtt.Option{
			mqtt.WithLogger(logger),
			mqtt.WithQoS(byte(b.QoS)),
		}
		if b.ClientID != "" {
			opts = append(opts, mqtt.WithClientID(b.ClientID))
		}
		if b.Username != "" {
			opts = append(opts, mqtt.WithCredentials(b.Username, b.Password))
		}
		return mqtt.New(b.URL, opts...), nil

	case DriverMemory:
		return memory.New(memory.WithLogger(logger)), nil
	}

	return nil, fmt.Errorf("unknown driver %q", b.Driver)
}

// RetryPolicy returns the publish retry policy
func (c *Config) RetryPolicy() reliability.RetryPolicy {
	return c.Publish.Retry.policy()
}

func (r RetryConfig) policy() reliability.RetryPolicy {
	policy := reliability.DefaultRetryPolicy()
	policy.MaxAttempts = r.MaxAttempts
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		policy.MaxInterval = r.MaxInterval
	}
	return policy
}

func (cb CircuitBreakerConfig) breaker(name string, logger *slog.Logger) *reliability.CircuitBreaker {
	return reliability.NewCircuitBreaker(
		reliability.WithName(name),
		reliability.WithFailureThreshold(cb.FailureThreshold),
		reliability.WithTimeout(cb.Timeout),
		reliability.WithBreakerLogger(logger),
	)
}

// Interceptors returns the handler interceptors the dispatch section enables,
// outermost first
func (c *Config) Interceptors(logger *slog.Logger) []interceptors.Interceptor {
	d := c.Dispatch
	var chain []interceptors.Interceptor
	if d.Deduplicate.Enabled {
		chain = append(chain, interceptors.NewDuplicateDetectionInterceptor(
			interceptors.NewMemoryDuplicateDetector(d.Deduplicate.TTL), logger))
	}
	if d.CircuitBreaker.Enabled {
		chain = append(chain, interceptors.NewCircuitBreakerInterceptor(d.CircuitBreaker.breaker("handler", logger)))
	}
	if d.Retry.MaxAttempts > 1 {
		chain = append(chain, interceptors.NewRetryInterceptor(d.Retry.policy()).WithLogger(logger))
	}
	if d.Timeout > 0 {
		chain = append(chain, interceptors.NewTimeoutInterceptor(d.Timeout))
	}
	return chain
}

// BrokerOptions returns the broker options the configuration describes
func (c *Config) BrokerOptions(logger *slog.Logger) []messaging.BrokerOption {
	opts := []messaging.BrokerOption{
		messaging.WithLogger(logger),
		messaging.WithRetryPolicy(c.RetryPolicy()),
		messaging.WithShutdownTimeout(c.ShutdownTimeout),
	}
	if cb := c.Publish.CircuitBreaker; cb.Enabled {
		opts = append(opts, messaging.WithCircuitBreaker(cb.breaker("publish", logger)))
	}
	if chain := c.Interceptors(logger); len(chain) > 0 {
		opts = append(opts, messaging.WithDispatcherOptions(messaging.WithInterceptors(chain...)))
	}
	return opts
}

// BindingOptions returns the default options for subscriptions
func (c *Config) BindingOptions() []messaging.BindingOption {
	policy, _ := contracts.ParseAckPolicy(c.Dispatch.AckPolicy)
	return []messaging.BindingOption{
		messaging.WithAckPolicy(policy),
		messaging.WithMaxConcurrency(c.Dispatch.MaxConcurrency),
		messaging.WithMaxRetries(c.Dispatch.MaxRetries),
	}
}

// NewBroker creates a broker over the configured driver
func (c *Config) NewBroker(logger *slog.Logger, extra ...messaging.BrokerOption) (*messaging.Broker, error) {
	driver, err := c.NewDriver(logger)
	if err != nil {
		return nil, err
	}
	return messaging.NewBroker(driver, append(c.BrokerOptions(logger), extra...)...), nil
}

// String renders the configuration with the password masked
func (c *Config) String() string {
	masked := *c
	if masked.Broker.Password != "" {
		masked.Broker.Password = "***"
	}
	data, err := yaml.Marshal(masked)
	if err != nil {
		return "config: " + err.Error()
	}
	return string(data)
}
