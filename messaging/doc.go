// Package messaging provides the core of relay: brokers, handler bindings,
// dispatch and publishing.
//
// This package implements the primary pieces:
//   - Broker: Owns a transport Driver, its lifecycle and the handlers registered on it
//   - Binding: A handler function attached to a subscription key, with its ack policy
//   - Dispatcher: Decodes deliveries, resolves handler arguments and applies the ack policy
//   - Publisher: A reusable destination that also forwards handler results
//   - Registry: Maps subscription keys to bindings
//
// Handlers are plain functions. Parameters of well-known types (context.Context,
// *slog.Logger, *appctx.Repository, *Broker, *contracts.Envelope,
// contracts.Headers) are injected; the remaining parameters receive the
// decoded message body, cast to their declared type:
//
//	broker := messaging.NewBroker(driver)
//	replies := broker.Publisher(contracts.To("orders.accepted"))
//
//	_, err := broker.Subscriber(contracts.NewKey("orders"),
//		func(ctx context.Context, logger *slog.Logger, order Order) (Receipt, error) {
//			logger.Info("order received", "orderId", order.ID)
//			return Receipt{OrderID: order.ID}, nil
//		},
//		messaging.WithPublishers(replies),
//	)
//
// With several body parameters, a mapping body is spread by parameter name and
// a sequence body by position; names are given with Params:
//
//	broker.Subscriber(key, func(a, b int, rest ...int) int { ... },
//		messaging.Params("a", "b", "rest"))
//
// The returned value of a handler is published by each publisher of its
// binding in order, and to the message's reply-to destination when set.
package messaging
