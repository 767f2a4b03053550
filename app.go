// Copyright 2024 Relay Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/glimte/relay/appctx"
	"github.com/glimte/relay/messaging"
)

// App runs one or more brokers that share a context repository. Startup
// hooks run before any broker connects; shutdown hooks run after every
// broker has closed.
type App struct {
	repo   *appctx.Repository
	logger *slog.Logger

	mu        sync.Mutex
	brokers   []*messaging.Broker
	startup   []messaging.Hook
	shutdown  []messaging.Hook
	hooksDone bool
	running   bool
}

// appConfig holds app configuration
type appConfig struct {
	logger *slog.Logger
	repo   *appctx.Repository
}

// AppOption configures the app
type AppOption func(*appConfig)

// WithLogger sets the logger for the app and the brokers it creates
func WithLogger(logger *slog.Logger) AppOption {
	return func(cfg *appConfig) {
		cfg.logger = logger
	}
}

// WithRepository sets the shared context repository
func WithRepository(repo *appctx.Repository) AppOption {
	return func(cfg *appConfig) {
		cfg.repo = repo
	}
}

// New creates an app without brokers
func New(options ...AppOption) *App {
	cfg := &appConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.repo == nil {
		cfg.repo = appctx.New(appctx.WithLogger(cfg.logger))
	}

	return &App{
		repo:   cfg.repo,
		logger: cfg.logger,
	}
}

// Repository returns the shared context repository
func (a *App) Repository() *appctx.Repository {
	return a.repo
}

// Logger returns the app logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Brokers returns the brokers in the order they were added
func (a *App) Brokers() []*messaging.Broker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*messaging.Broker(nil), a.brokers...)
}

// Broker creates a broker over driver that shares the app's repository and
// logger, and adds it to the app
func (a *App) Broker(driver messaging.Driver, options ...messaging.BrokerOption) *messaging.Broker {
	opts := append([]messaging.BrokerOption{
		messaging.WithLogger(a.logger),
		messaging.WithRepository(a.repo),
	}, options...)
	b := messaging.NewBroker(driver, opts...)
	a.Add(b)
	return b
}

// Add adds an existing broker. It should share the app's repository.
func (a *App) Add(brokers ...*messaging.Broker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.brokers = append(a.brokers, brokers...)
}

// OnStartup registers a hook that runs once, before the brokers connect
func (a *App) OnStartup(hook messaging.Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startup = append(a.startup, hook)
}

// OnShutdown registers a hook that runs after the brokers closed, in reverse
// registration order
func (a *App) OnShutdown(hook messaging.Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = append(a.shutdown, hook)
}

// Start runs the startup hooks, then connects and starts every broker, and
// freezes the repository once all of them started. When a broker fails the
// ones already started are closed again.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	if !a.hooksDone {
		for _, hook := range a.startup {
			if err := hook(ctx, a.repo); err != nil {
				return fmt.Errorf("startup hook failed: %w", err)
			}
		}
		a.hooksDone = true
	}

	for i, b := range a.brokers {
		err := b.Connect(ctx)
		if err == nil {
			err = b.Start(ctx)
		}
		if err != nil {
			a.logger.Error("failed to start broker", "transport", b.Name(), "error", err)
			if cerr := closeBrokers(a.brokers[:i+1]); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return err
		}
	}
	a.repo.Freeze()

	a.running = true
	a.logger.Info("app started", "brokers", len(a.brokers))
	return nil
}

// Close closes the brokers in reverse order, runs the shutdown hooks and
// releases the repository values. Closing a stopped app is a no-op.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	var errs []error
	if err := closeBrokers(a.brokers); err != nil {
		errs = append(errs, err)
	}

	ctx := context.Background()
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx, a.repo); err != nil {
			a.logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, fmt.Errorf("shutdown hook failed: %w", err))
		}
	}

	if err := a.repo.Teardown(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("app stopped")
	return errors.Join(errs...)
}

// Run starts the app and blocks until ctx is done or the process receives
// SIGINT or SIGTERM, then closes it
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutting down", "reason", context.Cause(ctx))
	return a.Close()
}

func closeBrokers(brokers []*messaging.Broker) error {
	var errs []error
	for i := len(brokers) - 1; i >= 0; i-- {
		if err := brokers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
