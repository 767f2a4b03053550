package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/internal/rabbitmq"
	"github.com/glimte/relay/messaging"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

func rawDelivery(ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   7,
		ContentType:   "application/json",
		MessageId:     "m-1",
		CorrelationId: "c-1",
		ReplyTo:       "relay.reply.1",
		Exchange:      "relay",
		RoutingKey:    "orders",
		Headers:       amqp.Table{"tenant": "acme"},
		Body:          []byte(`{"id":1}`),
	}
}

func TestDelivery(t *testing.T) {
	t.Run("exposes message metadata", func(t *testing.T) {
		d := newDelivery(rawDelivery(&mockAcknowledger{}), false)

		assert.Equal(t, []byte(`{"id":1}`), d.Body())
		assert.Equal(t, "application/json", d.ContentType())
		assert.Equal(t, "m-1", d.MessageID())
		assert.Equal(t, "c-1", d.CorrelationID())
		assert.Equal(t, "relay.reply.1", d.ReplyTo())
		assert.True(t, d.Redeliverable())
		assert.Equal(t, 1, d.Attempt())

		headers := d.Headers()
		assert.Equal(t, "acme", headers["tenant"])
		assert.Equal(t, "relay", headers["amqp.exchange"])
		assert.Equal(t, "orders", headers["amqp.routingKey"])
	})

	t.Run("settles on the wire", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()
		ack.On("Nack", uint64(7), false, false).Return(nil).Once()

		require.NoError(t, newDelivery(rawDelivery(ack), false).Ack())
		require.NoError(t, newDelivery(rawDelivery(ack), false).Nack())
		require.NoError(t, newDelivery(rawDelivery(ack), false).Reject())

		ack.AssertExpectations(t)
	})

	t.Run("second settle is an error", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		d := newDelivery(rawDelivery(ack), false)
		require.NoError(t, d.Ack())
		assert.ErrorIs(t, d.Nack(), contracts.ErrAlreadySettled)

		ack.AssertExpectations(t)
	})

	t.Run("auto-acked deliveries never touch the wire", func(t *testing.T) {
		ack := &mockAcknowledger{}
		d := newDelivery(rawDelivery(ack), true)

		assert.False(t, d.Redeliverable())
		assert.NoError(t, d.Ack())
		assert.NoError(t, d.Reject())

		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("attempt follows the delivery count", func(t *testing.T) {
		raw := rawDelivery(&mockAcknowledger{})
		raw.Redelivered = true
		assert.Equal(t, 2, newDelivery(raw, false).Attempt())

		raw.Headers["x-delivery-count"] = int64(3)
		assert.Equal(t, 4, newDelivery(raw, false).Attempt())

		raw.Headers["x-delivery-count"] = "bogus"
		assert.Equal(t, 2, newDelivery(raw, false).Attempt())
	})
}

func TestRequeue(t *testing.T) {
	t.Run("nack republishes with the next attempt and acks the original", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		var requeued []amqp.Publishing
		d := newDelivery(rawDelivery(ack), false).withRequeue(func(msg amqp.Publishing) error {
			requeued = append(requeued, msg)
			return nil
		})

		require.NoError(t, d.Nack())
		require.Len(t, requeued, 1)
		assert.Equal(t, int64(2), requeued[0].Headers[HeaderAttempt])
		assert.Equal(t, "acme", requeued[0].Headers["tenant"])
		assert.Equal(t, "m-1", requeued[0].MessageId)
		assert.Equal(t, "c-1", requeued[0].CorrelationId)
		assert.Equal(t, []byte(`{"id":1}`), requeued[0].Body)
		ack.AssertExpectations(t)
	})

	t.Run("a failed republish falls back to a broker requeue", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()
		pubErr := errors.New("channel closed")

		d := newDelivery(rawDelivery(ack), false).withRequeue(func(amqp.Publishing) error { return pubErr })

		assert.ErrorIs(t, d.Nack(), pubErr)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("the attempt header survives a broker redelivery and is hidden from handlers", func(t *testing.T) {
		raw := rawDelivery(&mockAcknowledger{})
		raw.Headers[HeaderAttempt] = int64(3)
		assert.Equal(t, 3, newDelivery(raw, false).Attempt())
		assert.NotContains(t, newDelivery(raw, false).Headers(), HeaderAttempt)

		raw.Redelivered = true
		assert.Equal(t, 4, newDelivery(raw, false).Attempt())
	})

	t.Run("a failing handler exhausts its retries on a classic queue", func(t *testing.T) {
		registry := messaging.NewRegistry()
		binding, err := messaging.NewBinding(contracts.NewKey("orders"), func(*contracts.Envelope) error {
			return errors.New("boom")
		})
		require.NoError(t, err)
		registry.Register(binding)
		dispatcher := messaging.NewDispatcher(registry)

		var attempts []int64
		raw := rawDelivery(nil)
		rejected := false
		for i := 0; i < 10 && !rejected; i++ {
			ack := &mockAcknowledger{}
			ack.On("Ack", uint64(7), false).Return(nil).Maybe()
			ack.On("Nack", uint64(7), false, false).Return(nil).Maybe()
			raw.Acknowledger = ack

			var next *amqp.Publishing
			d := newDelivery(raw, false).withRequeue(func(msg amqp.Publishing) error {
				next = &msg
				return nil
			})
			_ = dispatcher.Dispatch(context.Background(), contracts.NewKey("orders"), d)

			if next == nil {
				ack.AssertCalled(t, "Nack", uint64(7), false, false)
				rejected = true
				break
			}
			ack.AssertCalled(t, "Ack", uint64(7), false)
			attempts = append(attempts, next.Headers[HeaderAttempt].(int64))

			raw = rawDelivery(nil)
			raw.Headers = next.Headers
		}

		require.True(t, rejected)
		assert.Equal(t, []int64{2, 3, 4}, attempts)
	})
}

func TestPublishing(t *testing.T) {
	t.Run("maps outbound fields", func(t *testing.T) {
		ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		p := publishing(&messaging.OutboundMessage{
			Body:          []byte("hi"),
			ContentType:   "text/plain",
			MessageID:     "m-1",
			CorrelationID: "c-1",
			ReplyTo:       "replies",
			Headers:       contracts.Headers{"tenant": "acme"},
			Timestamp:     ts,
			TTL:           1500 * time.Millisecond,
			Priority:      4,
		})

		assert.Equal(t, []byte("hi"), p.Body)
		assert.Equal(t, "text/plain", p.ContentType)
		assert.Equal(t, "m-1", p.MessageId)
		assert.Equal(t, "c-1", p.CorrelationId)
		assert.Equal(t, "replies", p.ReplyTo)
		assert.Equal(t, amqp.Table{"tenant": "acme"}, p.Headers)
		assert.Equal(t, ts, p.Timestamp)
		assert.Equal(t, "1500", p.Expiration)
		assert.Equal(t, uint8(4), p.Priority)
		assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	})

	t.Run("leaves optional fields empty", func(t *testing.T) {
		p := publishing(&messaging.OutboundMessage{Body: []byte("hi")})

		assert.Nil(t, p.Headers)
		assert.Empty(t, p.Expiration)
		assert.False(t, p.Timestamp.IsZero())
	})
}

func TestTopology(t *testing.T) {
	t.Run("QueueName adds the group", func(t *testing.T) {
		assert.Equal(t, "orders", QueueName(contracts.NewKey("orders")))
		assert.Equal(t, "orders.billing", QueueName(contracts.Key{Destination: "orders", Group: "billing"}))
	})

	t.Run("durable queue bound to the driver exchange", func(t *testing.T) {
		d := New("amqp://localhost:5672")
		topology := d.topologyFor(messaging.Subscription{Key: contracts.Key{Destination: "orders", Group: "billing"}})

		assert.Equal(t, []rabbitmq.ExchangeDeclaration{{Name: DefaultExchange, Type: amqp.ExchangeTopic, Durable: true}}, topology.Exchanges)
		assert.Equal(t, []rabbitmq.QueueDeclaration{{Name: "orders.billing", Durable: true}}, topology.Queues)
		assert.Equal(t, []rabbitmq.Binding{
			{Queue: "orders.billing", Exchange: DefaultExchange, RoutingKey: "orders"},
			{Queue: "orders.billing", Exchange: DefaultExchange, RoutingKey: "orders.billing"},
		}, topology.Bindings)
	})

	t.Run("dead letter queues are consumed without dead lettering", func(t *testing.T) {
		d := New("amqp://localhost:5672", WithDeadLetterExchange("dlx"))
		key := contracts.Key{Destination: "orders", Group: "billing"}
		assert.Equal(t, "orders.billing.dlq", DeadLetterQueue(key))

		topology := d.topologyFor(messaging.Subscription{Key: contracts.NewKey(DeadLetterQueue(key))})

		require.Len(t, topology.Queues, 1)
		assert.Equal(t, "orders.billing.dlq", topology.Queues[0].Name)
		assert.Nil(t, topology.Queues[0].Arguments)
	})

	t.Run("temporary queue is exclusive and skips dead lettering", func(t *testing.T) {
		d := New("amqp://localhost:5672", WithDeadLetterExchange("dlx"), WithFIFOMode(true))
		topology := d.topologyFor(messaging.Subscription{Key: contracts.NewKey("relay.reply.1"), Temporary: true})

		require.Len(t, topology.Queues, 1)
		q := topology.Queues[0]
		assert.False(t, q.Durable)
		assert.True(t, q.AutoDelete)
		assert.True(t, q.Exclusive)
		assert.Nil(t, q.Arguments)
	})

	t.Run("queue arguments follow options", func(t *testing.T) {
		d := New("amqp://localhost:5672",
			WithExchange("events", amqp.ExchangeDirect),
			WithDeadLetterExchange("dlx"),
			WithMaxPriority(9),
			WithFIFOMode(true))
		topology := d.topologyFor(messaging.Subscription{Key: contracts.NewKey("orders")})

		require.Len(t, topology.Queues, 2)
		assert.Equal(t, "orders.dlq", topology.Queues[0].Name)
		assert.Equal(t, amqp.Table{
			"x-dead-letter-exchange":    "dlx",
			"x-dead-letter-routing-key": "orders.dlq",
			"x-max-priority":            int32(9),
			"x-single-active-consumer":  true,
		}, topology.Queues[1].Arguments)
		assert.Equal(t, "events", topology.Bindings[len(topology.Bindings)-1].Exchange)
		assert.Equal(t, amqp.ExchangeDirect, topology.Exchanges[0].Type)
	})
}

func TestDriver(t *testing.T) {
	t.Run("operations need a connection", func(t *testing.T) {
		d := New("amqp://localhost:5672")
		ctx := context.Background()

		assert.Equal(t, "rabbitmq", d.Name())
		assert.ErrorIs(t, d.Ping(ctx), ErrNotConnected)
		assert.ErrorIs(t, d.Publish(ctx, contracts.To("orders"), &messaging.OutboundMessage{}), ErrNotConnected)

		_, err := d.Subscribe(ctx, messaging.Subscription{Key: contracts.NewKey("orders")}, func(context.Context, messaging.Delivery) {})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.NoError(t, d.Close())
	})

	t.Run("Connect reports dial failures", func(t *testing.T) {
		d := New("invalid://url")

		err := d.Connect(context.Background())

		var connErr *rabbitmq.ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.ErrorIs(t, d.Ping(context.Background()), ErrNotConnected)
	})
}
