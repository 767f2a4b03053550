package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	mu         sync.Mutex
	deliveries []messaging.Delivery
}

func (r *received) fn(_ context.Context, d messaging.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func (r *received) at(i int) messaging.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveries[i]
}

func connected(t *testing.T, options ...Option) *Driver {
	t.Helper()
	d := New(options...)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func publish(t *testing.T, d *Driver, dest, id string) {
	t.Helper()
	require.NoError(t, d.Publish(context.Background(), contracts.To(dest), &messaging.OutboundMessage{
		Body:        []byte(`{"id":"` + id + `"}`),
		ContentType: "application/json",
		MessageID:   id,
	}))
}

func TestDriverLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("operations fail before connect", func(t *testing.T) {
		d := New()
		assert.ErrorIs(t, d.Publish(ctx, contracts.To("q"), &messaging.OutboundMessage{}), ErrNotConnected)
		_, err := d.Subscribe(ctx, messaging.Subscription{Key: contracts.NewKey("q")}, func(context.Context, messaging.Delivery) {})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.ErrorIs(t, d.Ping(ctx), ErrNotConnected)
	})

	t.Run("configured connect error is returned", func(t *testing.T) {
		boom := errors.New("refused")
		d := New(WithConnectError(boom))
		assert.ErrorIs(t, d.Connect(ctx), boom)
	})

	t.Run("configured subscribe error is returned for the destination only", func(t *testing.T) {
		boom := errors.New("no such queue")
		d := connected(t, WithSubscribeError("bad", boom))

		_, err := d.Subscribe(ctx, messaging.Subscription{Key: contracts.NewKey("bad")}, func(context.Context, messaging.Delivery) {})
		assert.ErrorIs(t, err, boom)

		c, err := d.Subscribe(ctx, messaging.Subscription{Key: contracts.NewKey("good")}, func(context.Context, messaging.Delivery) {})
		require.NoError(t, err)
		assert.NoError(t, c.Close())
	})

	t.Run("close stops consumers", func(t *testing.T) {
		d := connected(t)
		_, err := d.Subscribe(ctx, messaging.Subscription{Key: contracts.NewKey("q")}, func(context.Context, messaging.Delivery) {})
		require.NoError(t, err)
		assert.Equal(t, 1, d.Consumers())

		require.NoError(t, d.Close())
		assert.Equal(t, 0, d.Consumers())
	})
}

func TestDriverDelivery(t *testing.T) {
	ctx := context.Background()
	key := contracts.NewKey("orders")

	t.Run("messages published before subscribing are delivered in order", func(t *testing.T) {
		d := connected(t)
		publish(t, d, "orders", "m1")
		publish(t, d, "orders", "m2")
		assert.Equal(t, 2, d.Pending(key))

		var r received
		_, err := d.Subscribe(ctx, messaging.Subscription{Key: key, Policy: contracts.AckManual}, r.fn)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return r.len() == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "m1", r.at(0).MessageID())
		assert.Equal(t, "m2", r.at(1).MessageID())
		assert.Equal(t, "application/json", r.at(0).ContentType())
		assert.JSONEq(t, `{"id":"m1"}`, string(r.at(0).Body()))
	})

	t.Run("nack redelivers with a raised attempt", func(t *testing.T) {
		d := connected(t)
		var r received
		_, err := d.Subscribe(ctx, messaging.Subscription{Key: key, Policy: contracts.AckManual}, r.fn)
		require.NoError(t, err)

		publish(t, d, "orders", "m1")
		require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)
		first := r.at(0)
		assert.Equal(t, 1, first.Attempt())
		assert.True(t, first.Redeliverable())

		require.NoError(t, first.Nack())
		require.Eventually(t, func() bool { return r.len() == 2 }, time.Second, 5*time.Millisecond)
		second := r.at(1)
		assert.Equal(t, "m1", second.MessageID())
		assert.Equal(t, 2, second.Attempt())

		require.NoError(t, second.Ack())
		assert.Equal(t, []contracts.Outcome{contracts.OutcomeNack, contracts.OutcomeAck}, d.Outcomes(key))
	})

	t.Run("reject drops the message", func(t *testing.T) {
		d := connected(t)
		var r received
		_, err := d.Subscribe(ctx, messaging.Subscription{Key: key, Policy: contracts.AckManual}, r.fn)
		require.NoError(t, err)

		publish(t, d, "orders", "m1")
		require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, r.at(0).Reject())

		assert.Equal(t, []Settlement{{Key: key, MessageID: "m1", Outcome: contracts.OutcomeReject, Attempt: 1}}, d.Settlements(key))
		assert.Equal(t, 0, d.Pending(key))
	})

	t.Run("second settle of a delivery fails", func(t *testing.T) {
		d := connected(t)
		var r received
		_, err := d.Subscribe(ctx, messaging.Subscription{Key: key, Policy: contracts.AckManual}, r.fn)
		require.NoError(t, err)

		publish(t, d, "orders", "m1")
		require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, r.at(0).Ack())
		assert.Error(t, r.at(0).Nack())
		assert.Len(t, d.Settlements(key), 1)
	})

	t.Run("auto-ack subscriptions record an ack on delivery", func(t *testing.T) {
		d := connected(t)
		var r received
		_, err := d.Subscribe(ctx, messaging.Subscription{Key: key, Policy: contracts.AckNone}, r.fn)
		require.NoError(t, err)

		publish(t, d, "orders", "m1")
		require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.False(t, r.at(0).Redeliverable())
		assert.NoError(t, r.at(0).Nack())
		assert.Equal(t, []contracts.Outcome{contracts.OutcomeAck}, d.Outcomes(key))
	})

	t.Run("every consumer group receives its own copy", func(t *testing.T) {
		d := connected(t)
		billing := contracts.Key{Destination: "orders", Group: "billing"}
		shipping := contracts.Key{Destination: "orders", Group: "shipping"}

		var rb, rs received
		_, err := d.Subscribe(ctx, messaging.Subscription{Key: billing, Policy: contracts.AckNone}, rb.fn)
		require.NoError(t, err)
		_, err = d.Subscribe(ctx, messaging.Subscription{Key: shipping, Policy: contracts.AckNone}, rs.fn)
		require.NoError(t, err)

		publish(t, d, "orders", "m1")
		require.Eventually(t, func() bool { return rb.len() == 1 && rs.len() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("temporary queues are removed when their consumer closes", func(t *testing.T) {
		d := connected(t)
		reply := contracts.NewKey("reply.1")
		c, err := d.Subscribe(ctx, messaging.Subscription{Key: reply, Temporary: true}, func(context.Context, messaging.Delivery) {})
		require.NoError(t, err)
		require.NoError(t, c.Close())

		publish(t, d, "reply.1", "late")
		assert.Equal(t, 1, d.Pending(reply))
		assert.Empty(t, d.Settlements(reply))
	})
}

func TestDriverPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("published messages are recorded per destination", func(t *testing.T) {
		d := connected(t)
		publish(t, d, "a", "m1")
		publish(t, d, "b", "m2")
		publish(t, d, "a", "m3")

		got := d.Published("a")
		require.Len(t, got, 2)
		assert.Equal(t, "m1", got[0].MessageID)
		assert.Equal(t, "m3", got[1].MessageID)
	})

	t.Run("queued failures are returned once each", func(t *testing.T) {
		d := connected(t)
		boom := errors.New("boom")
		d.FailPublish("a", boom)

		msg := &messaging.OutboundMessage{MessageID: "m1"}
		assert.ErrorIs(t, d.Publish(ctx, contracts.To("a"), msg), boom)
		assert.NoError(t, d.Publish(ctx, contracts.To("a"), msg))
		assert.Len(t, d.Published("a"), 1)
	})

	t.Run("cancelled context is reported", func(t *testing.T) {
		d := connected(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, d.Publish(cctx, contracts.To("a"), &messaging.OutboundMessage{}), context.Canceled)
	})
}
