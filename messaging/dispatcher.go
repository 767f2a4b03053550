package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/glimte/relay/appctx"
	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/serialization"
)

// Dispatcher turns deliveries into handler calls: it decodes the body once,
// builds one envelope per binding, resolves arguments, invokes the handler,
// applies the ack policy and forwards the result to the publisher chain.
type Dispatcher struct {
	registry     *Registry
	caster       serialization.Caster
	logger       *slog.Logger
	metrics      MetricsCollector
	repo         *appctx.Repository
	broker       *Broker
	interceptors []interceptors.Interceptor
	chain        *interceptors.InterceptorChain
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDispatcherRepository sets the repository used for named injection
func WithDispatcherRepository(repo *appctx.Repository) DispatcherOption {
	return func(d *Dispatcher) {
		d.repo = repo
	}
}

// WithInterceptors wraps every handler call, outermost first
func WithInterceptors(interceptors ...interceptors.Interceptor) DispatcherOption {
	return func(d *Dispatcher) {
		d.interceptors = append(d.interceptors, interceptors...)
	}
}

// WithCaster replaces the default lenient caster
func WithCaster(c serialization.Caster) DispatcherOption {
	return func(d *Dispatcher) {
		d.caster = c
	}
}

// NewDispatcher creates a dispatcher over registry. Handler panics are always
// recovered, inside any configured interceptors.
func NewDispatcher(registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
		metrics:  NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(d)
	}

	d.chain = interceptors.NewInterceptorChain(d.logger, d.interceptors...).
		Add(interceptors.NewRecoverInterceptor())
	return d
}

// Dispatch processes one delivery received on key. Decode and argument
// failures are settled here and not returned; handler errors of bindings
// with the manual ack policy are returned joined.
func (d *Dispatcher) Dispatch(ctx context.Context, key contracts.Key, delivery Delivery) error {
	bindings := d.registry.Resolve(key)
	if len(bindings) == 0 {
		d.logger.Warn("no handlers registered for key",
			"key", key.String(),
			"messageId", delivery.MessageID(),
		)
		if delivery.Redeliverable() {
			if err := delivery.Reject(); err != nil {
				d.logger.Error("failed to reject message", "key", key.String(), "error", err)
			}
		}
		d.metrics.RecordMessage(key.String(), 0, contracts.OutcomeReject, "no_handlers")
		return fmt.Errorf("%w for %s", contracts.ErrNoHandlers, key)
	}

	env := d.envelope(key, delivery)

	body, err := serialization.Decode(env.RawBody, env.ContentType)
	if err != nil {
		d.logger.Error("failed to decode message",
			"key", key.String(),
			"messageId", env.MessageID,
			"contentType", env.ContentType,
			"error", err,
		)
		if err := delivery.Reject(); err != nil {
			d.logger.Error("failed to reject message", "key", key.String(), "messageId", env.MessageID, "error", err)
		}
		d.metrics.RecordMessage(key.String(), 0, contracts.OutcomeReject, "decode_error")
		return nil
	}
	env.Body = body

	fan := newFanout(delivery, len(bindings))
	var errs []error
	for _, b := range bindings {
		member := fan.member()
		if err := d.handle(ctx, b, env.WithAcknowledger(member), member, delivery.Redeliverable()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) envelope(key contracts.Key, delivery Delivery) *contracts.Envelope {
	env := contracts.NewEnvelope(delivery.Body(), nil)
	env.Key = key
	env.ContentType = delivery.ContentType()
	env.MessageID = delivery.MessageID()
	env.CorrelationID = delivery.CorrelationID()
	env.ReplyTo = delivery.ReplyTo()
	env.Attempt = delivery.Attempt()
	if h := delivery.Headers(); h != nil {
		env.Headers = h
	}
	return env.Normalize()
}

func (d *Dispatcher) handle(ctx context.Context, b *Binding, env *contracts.Envelope, member *fanoutMember, redeliverable bool) error {
	start := time.Now()
	logger := d.logger.With(
		"key", b.key.String(),
		"handler", b.name,
		"messageId", env.MessageID,
	)

	if ctx.Err() != nil {
		d.abandon(b, env, member, logger)
		d.metrics.RecordMessage(b.key.String(), 0, env.Outcome(), "cancelled")
		return nil
	}

	var (
		resolveErr error
		result     any
	)
	sc := &scope{env: env, logger: d.logger, repo: d.repo, broker: d.broker}
	err := d.chain.Execute(ctx, env, interceptors.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		sc.ctx = ctx
		args, err := b.sig.resolve(d.caster, b.sig.bodyOf(env), sc)
		if err != nil {
			resolveErr = err
			return err
		}
		r, err := b.sig.call(args)
		result = r
		return err
	}))

	var returned error
	switch {
	case resolveErr != nil:
		logger.Warn("failed to resolve handler arguments",
			"attempt", env.Attempt,
			"error", resolveErr,
		)
		d.settleFailure(b, env, member, redeliverable, logger)
		d.metrics.RecordMessage(b.key.String(), time.Since(start), env.Outcome(), "cast_error")

	case err != nil:
		handlerErr := &contracts.HandlerError{
			Key:           b.key,
			Handler:       b.name,
			MessageID:     env.MessageID,
			CorrelationID: env.CorrelationID,
			Err:           err,
		}
		logger.Error("handler failed",
			"correlationId", env.CorrelationID,
			"attempt", env.Attempt,
			"error", err,
		)
		switch b.policy {
		case contracts.AckManual:
			returned = handlerErr
		default:
			d.settleFailure(b, env, member, redeliverable, logger)
		}
		d.metrics.RecordMessage(b.key.String(), time.Since(start), env.Outcome(), interceptors.ErrorType(err))

	default:
		switch b.policy {
		case contracts.AckAuto:
			if !env.Settled() {
				if err := env.Ack(); err != nil {
					logger.Error("failed to ack message", "error", err)
				}
			}
		case contracts.AckNone:
			release(member, logger)
		}
		d.metrics.RecordMessage(b.key.String(), time.Since(start), env.Outcome(), "")
		d.publishResult(ctx, b, env, result, logger)
	}

	if ctx.Err() != nil && b.policy != contracts.AckNone && !env.Settled() {
		d.abandon(b, env, member, logger)
	}
	return returned
}

// settleFailure nacks when the transport redelivers and the attempt is within
// the retry budget, and rejects otherwise. Bindings with the none policy only
// release their share of the delivery.
func (d *Dispatcher) settleFailure(b *Binding, env *contracts.Envelope, member *fanoutMember, redeliverable bool, logger *slog.Logger) {
	if b.policy == contracts.AckNone {
		release(member, logger)
		return
	}
	if env.Settled() {
		return
	}

	var err error
	if redeliverable && env.Attempt <= b.maxRetries {
		err = env.Nack()
	} else {
		logger.Warn("rejecting message after failed attempts",
			"attempt", env.Attempt,
			"maxRetries", b.maxRetries,
		)
		err = env.Reject()
	}
	if err != nil {
		logger.Error("failed to settle message", "error", err)
	}
}

// abandon hands an unsettled envelope back to the transport after cancellation
func (d *Dispatcher) abandon(b *Binding, env *contracts.Envelope, member *fanoutMember, logger *slog.Logger) {
	if b.policy == contracts.AckNone {
		release(member, logger)
		return
	}
	if env.Settled() {
		return
	}
	logger.Debug("dispatch cancelled, returning message")
	if err := env.Nack(); err != nil {
		logger.Warn("failed to nack cancelled message", "error", err)
	}
}

// release settles the member of a binding with the none policy. The last
// member settles the wire, so its error is logged.
func release(member *fanoutMember, logger *slog.Logger) {
	if err := member.release(); err != nil {
		logger.Error("failed to release message", "error", err)
	}
}

// publishResult forwards a handler result to the publisher chain and then to
// the envelope's reply-to destination. Failures are logged; the message is
// already settled.
func (d *Dispatcher) publishResult(ctx context.Context, b *Binding, env *contracts.Envelope, result any, logger *slog.Logger) {
	if result == nil || (len(b.publishers) == 0 && env.ReplyTo == "") {
		return
	}

	if rt := b.resultType; rt != nil && reflect.TypeOf(result) != rt {
		v, err := d.caster.Cast(result, rt)
		if err != nil {
			logger.Error("failed to cast handler result", "resultType", rt.String(), "error", err)
			d.metrics.RecordError("dispatcher", "cast_error")
			return
		}
		result = v.Interface()
	}

	var errs []error
	for i, p := range b.publishers {
		if err := p.publish(ctx, result, i, WithCorrelationID(env.CorrelationID)); err != nil {
			errs = append(errs, err)
		}
	}

	if env.ReplyTo != "" {
		if d.broker == nil {
			errs = append(errs, fmt.Errorf("no broker to reply to %s", env.ReplyTo))
		} else if err := d.broker.Publish(ctx, contracts.To(env.ReplyTo), result, WithCorrelationID(env.CorrelationID)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, err := range errs {
		logger.Error("failed to publish handler result",
			"correlationId", env.CorrelationID,
			"error", err,
		)
		d.metrics.RecordError("publisher", "publish_error")
	}
}
