package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/relay"
	"github.com/glimte/relay/config"
	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/health"
	"github.com/glimte/relay/messaging"
	"github.com/glimte/relay/metrics"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globals are the persistent flags shared by every command
type globals struct {
	configPath string
	driver     string
	url        string
	brokers    []string
	verbose    bool
}

func (g *globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath, func(cfg *config.Config) {
		if g.driver != "" {
			cfg.Broker.Driver = g.driver
		}
		if g.url != "" {
			cfg.Broker.URL = g.url
		}
		if len(g.brokers) > 0 {
			cfg.Broker.Brokers = g.brokers
		}
	})
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Level()
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish and consume messages over AMQP, Kafka and MQTT",
		Long: `Relay is a CLI for the relay broker library. It publishes messages to a
configured transport and prints the messages arriving on a key.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&g.driver, "driver", "d", "", "Transport driver: amqp, kafka, mqtt or memory")
	rootCmd.PersistentFlags().StringVarP(&g.url, "url", "u", "", "Broker URL for amqp and mqtt")
	rootCmd.PersistentFlags().StringSliceVar(&g.brokers, "brokers", nil, "Kafka bootstrap addresses")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newPublishCmd(g), newConsumeCmd(g), newDeadLettersCmd(g), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildTime)
		},
	}
}

type publishFlags struct {
	contentType   string
	headers       []string
	exchange      string
	key           string
	correlationID string
	replyTo       string
	ttl           time.Duration
	priority      uint8
	retain        bool
	request       bool
	timeout       time.Duration
}

func newPublishCmd(g *globals) *cobra.Command {
	f := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish <destination> [body]",
		Short: "Publish a message",
		Long: `Publish a message to a destination. The body is read from the argument or,
when absent, from stdin. JSON bodies are sent decoded so the broker encodes
them with the requested content type.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}

			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
			} else if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			opts, err := f.options()
			if err != nil {
				return err
			}
			dest := contracts.Destination{Name: args[0], Exchange: f.exchange, Key: f.key}

			b, err := cfg.NewBroker(logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			return b.Run(ctx, func(ctx context.Context, b *messaging.Broker) error {
				if !f.request {
					return b.Publish(ctx, dest, body(raw), opts...)
				}
				reply, err := b.Request(ctx, dest, body(raw), opts...)
				if err != nil {
					return err
				}
				return printEnvelope(cmd.OutOrStdout(), reply)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.contentType, "content-type", "", "Content type used to encode the body")
	flags.StringArrayVarP(&f.headers, "header", "H", nil, "Header as key=value, repeatable")
	flags.StringVar(&f.exchange, "exchange", "", "AMQP exchange, the driver exchange when empty")
	flags.StringVar(&f.key, "key", "", "Kafka partition key")
	flags.StringVar(&f.correlationID, "correlation-id", "", "Correlation id")
	flags.StringVar(&f.replyTo, "reply-to", "", "Reply destination")
	flags.DurationVar(&f.ttl, "ttl", 0, "Message time to live")
	flags.Uint8Var(&f.priority, "priority", 0, "Message priority")
	flags.BoolVar(&f.retain, "retain", false, "Ask an MQTT broker to retain the message")
	flags.BoolVar(&f.request, "request", false, "Wait for a reply and print it")
	flags.DurationVar(&f.timeout, "timeout", 30*time.Second, "Overall timeout")

	return cmd
}

func (f *publishFlags) options() ([]messaging.PublishOption, error) {
	var opts []messaging.PublishOption
	if f.contentType != "" {
		opts = append(opts, messaging.WithContentType(f.contentType))
	}
	for _, h := range f.headers {
		k, v, ok := strings.Cut(h, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("header %q is not key=value", h)
		}
		opts = append(opts, messaging.WithHeader(k, v))
	}
	if f.correlationID != "" {
		opts = append(opts, messaging.WithCorrelationID(f.correlationID))
	}
	if f.replyTo != "" {
		opts = append(opts, messaging.WithReplyTo(f.replyTo))
	}
	if f.ttl > 0 {
		opts = append(opts, messaging.WithTTL(f.ttl))
	}
	if f.priority > 0 {
		opts = append(opts, messaging.WithPriority(f.priority))
	}
	if f.retain {
		opts = append(opts, messaging.WithRetain(true))
	}
	return opts, nil
}

// body decodes JSON input so it is re-encoded with the chosen content type;
// anything else is sent as text
func body(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return strings.TrimRight(string(raw), "\n")
}

type consumeFlags struct {
	group       string
	ackPolicy   string
	concurrency int
	count       int64
	listen      string
}

func newConsumeCmd(g *globals) *cobra.Command {
	f := &consumeFlags{}

	cmd := &cobra.Command{
		Use:   "consume <destination>",
		Short: "Print messages arriving on a key",
		Long:  "Subscribe to a destination and print each message as a JSON line until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			if f.ackPolicy != "" {
				cfg.Dispatch.AckPolicy = f.ackPolicy
			}
			if f.concurrency > 0 {
				cfg.Dispatch.MaxConcurrency = f.concurrency
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			driver, err := cfg.NewDriver(logger)
			if err != nil {
				return err
			}

			adm, err := newAdmin(cfg, f.listen)
			if err != nil {
				return err
			}

			app := relay.New(relay.WithLogger(logger))
			b := app.Broker(driver, adm.brokerOptions(cfg.BrokerOptions(logger))...)
			stop := adm.serve(app, logger)
			defer stop()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			var seen atomic.Int64
			key := contracts.Key{Destination: args[0], Group: f.group}
			handler := func(env *contracts.Envelope) error {
				err := printEnvelope(out, env)
				if f.count > 0 && seen.Add(1) >= f.count {
					cancel()
				}
				return err
			}
			if _, err := b.Subscriber(key, handler, cfg.BindingOptions()...); err != nil {
				return err
			}

			return app.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.group, "group", "g", "", "Consumer group sharing the key")
	flags.StringVar(&f.ackPolicy, "ack-policy", "", "auto, manual or none")
	flags.IntVar(&f.concurrency, "concurrency", 0, "Messages handled at once")
	flags.Int64VarP(&f.count, "count", "n", 0, "Exit after this many messages")
	flags.StringVar(&f.listen, "listen", "", "Serve /metrics and health endpoints on this address")

	return cmd
}

// admin holds the metrics and health endpoints of a long running command
type admin struct {
	addr      string
	mux       *http.ServeMux
	collector *metrics.Collector
}

// newAdmin returns nil when neither the config nor listen asks for endpoints
func newAdmin(cfg *config.Config, listen string) (*admin, error) {
	if !cfg.Metrics.Enabled && listen == "" {
		return nil, nil
	}
	collector, err := metrics.NewCollector()
	if err != nil {
		return nil, err
	}

	addr := listen
	if addr == "" {
		addr = cfg.Metrics.Address
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return &admin{addr: addr, mux: mux, collector: collector}, nil
}

func (a *admin) brokerOptions(options []messaging.BrokerOption) []messaging.BrokerOption {
	if a == nil {
		return options
	}
	return append(options, messaging.WithMetrics(a.collector))
}

// serve mounts health checks for the app's brokers and starts the server
func (a *admin) serve(app *relay.App, logger *slog.Logger) (stop func()) {
	if a == nil {
		return func() {}
	}
	registry := health.NewRegistry()
	registry.SetMetadata("version", version)
	registry.Register(health.NewRuntimeChecker(500, 1000))
	health.RegisterBrokers(registry, time.Second, app.Brokers()...)
	health.Mount(a.mux, registry, 5*time.Second)
	return serveAdmin(a.addr, a.mux, logger)
}

// serveAdmin serves handler on addr until the returned stop is called
func serveAdmin(addr string, handler http.Handler, logger *slog.Logger) (stop func()) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics and health", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type printedMessage struct {
	Key           string            `json:"key"`
	MessageID     string            `json:"messageId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	Attempt       int               `json:"attempt"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       contracts.Headers `json:"headers,omitempty"`
	Body          any               `json:"body"`
}

func printEnvelope(w io.Writer, env *contracts.Envelope) error {
	msg := printedMessage{
		Key:           env.Key.String(),
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		ContentType:   env.ContentType,
		Attempt:       env.Attempt,
		Timestamp:     env.Timestamp,
		Headers:       env.Headers,
		Body:          env.Body,
	}
	if b, ok := env.Body.([]byte); ok {
		msg.Body = string(b)
	}
	return json.NewEncoder(w).Encode(msg)
}
