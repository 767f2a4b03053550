package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/relay"
	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/deadletter"
	"github.com/glimte/relay/transports/rabbitmq"
)

type deadLetterFlags struct {
	group      string
	maxRetries int
	delay      time.Duration
	listen     string
}

func newDeadLettersCmd(g *globals) *cobra.Command {
	f := &deadLetterFlags{}

	cmd := &cobra.Command{
		Use:   "dead-letters <destination>",
		Short: "Replay or park the dead letters of a key",
		Long: `Consume the dead letter queue of a key. Messages are replayed to the queue
that gave up on them until --max-retries is reached; after that they are
parked and printed as JSON lines.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
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

			options := []deadletter.Option{
				deadletter.WithLogger(logger),
				deadletter.WithPublisher(b),
				deadletter.WithMaxRetries(f.maxRetries),
				deadletter.WithRetryDelay(f.delay),
				deadletter.WithStore(newPrintingStore(cmd.OutOrStdout())),
			}
			if adm != nil {
				options = append(options, deadletter.WithMetrics(adm.collector))
			}
			handler := deadletter.NewHandler(options...)

			dlq := rabbitmq.DeadLetterQueue(contracts.Key{Destination: args[0], Group: f.group})
			if _, err := handler.Subscribe(b, contracts.NewKey(dlq), cfg.BindingOptions()...); err != nil {
				return err
			}

			stop := adm.serve(app, logger)
			defer stop()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return app.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.group, "group", "g", "", "Consumer group whose dead letters are handled")
	flags.IntVar(&f.maxRetries, "max-retries", 3, "Replays before a message is parked")
	flags.DurationVar(&f.delay, "delay", 10*time.Second, "Pause before each replay")
	flags.StringVar(&f.listen, "listen", "", "Serve /metrics and health endpoints on this address")

	return cmd
}

// printingStore keeps parked messages in memory and prints each one
type printingStore struct {
	*deadletter.MemoryStore

	mu sync.Mutex
	w  io.Writer
}

func newPrintingStore(w io.Writer) *printingStore {
	return &printingStore{MemoryStore: deadletter.NewMemoryStore(), w: w}
}

func (s *printingStore) Store(ctx context.Context, message deadletter.FailedMessage) error {
	if err := s.MemoryStore.Store(ctx, message); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.NewEncoder(s.w).Encode(message)
}
