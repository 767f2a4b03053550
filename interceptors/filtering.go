package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/relay/contracts"
)

// MessageFilter decides whether an envelope reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently treats the message as handled
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the message so the ack policy applies
	SkipWithError
	// SkipWithLog treats the message as handled and logs it
	SkipWithLog
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("message filtered: key=%s, id=%s", env.Key, env.MessageID)
		case SkipWithLog:
			i.logger.Info("message skipped by filter", "messageId", env.MessageID, "key", env.Key.String())
		}
		return nil
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllOf combines filters with AND logic
func AllOf(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldProcess(ctx, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// AnyOf combines filters with OR logic
func AnyOf(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldProcess(ctx, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// HeaderEquals passes envelopes whose header renders to value
func HeaderEquals(name, value string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		v, ok := env.Headers.Get(name)
		return ok && v == value, nil
	})
}

// ContentTypeIn passes envelopes with one of the given content types
func ContentTypeIn(contentTypes ...string) MessageFilter {
	allowed := make(map[string]bool, len(contentTypes))
	for _, ct := range contentTypes {
		allowed[ct] = true
	}
	return MessageFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		return allowed[env.ContentType], nil
	})
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, env)
	if err != nil {
		return err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, env, next)
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
