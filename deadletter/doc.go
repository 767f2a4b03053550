// Package deadletter processes messages that a transport gave up on.
//
// A Handler subscribed to a dead letter key replays each message to its
// origin, tracking the replays in the
// x-retry-count header. Once the budget is spent the message is parked in a
// Store for inspection:
//
//	dl := deadletter.NewHandler(
//		deadletter.WithPublisher(broker),
//		deadletter.WithMaxRetries(3),
//		deadletter.WithRetryDelay(time.Minute),
//	)
//	_, err := dl.Subscribe(broker, contracts.NewKey(rabbitmq.DeadLetterQueue(key)))
//
// The origin is read from the x-original-destination header or, for AMQP
// dead letter exchanges, from the x-death header the broker adds. There it is
// the queue that rejected the message, so a replay reaches only that group.
package deadletter
