package mqtt

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
)

// consumer moves messages from the paho callback to its own goroutine so a
// slow handler does not stall the client's other subscriptions.
type consumer struct {
	driver  *Driver
	client  paho.Client
	filter  string
	autoAck bool
	inbox   chan paho.Message
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (c *consumer) receive(_ paho.Client, msg paho.Message) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

func (c *consumer) run(ctx context.Context, fn messaging.DeliveryFunc) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			d := &delivery{msg: msg}
			if c.autoAck {
				msg.Ack()
				d.settled.Store(true)
				d.autoAck = true
			}
			fn(ctx, d)
		}
	}
}

// Close unsubscribes and stops the consumer. Unacknowledged QoS 1 messages
// are redelivered by the broker when the session survives.
func (c *consumer) Close() error {
	var err error
	c.once.Do(func() {
		token := c.client.Unsubscribe(c.filter)
		if !token.WaitTimeout(5 * time.Second) {
			c.logger.Warn("unsubscribe timed out")
		} else {
			err = token.Error()
		}
		c.cancel()
		<-c.done
		c.driver.remove(c)
		c.logger.Info("consumer stopped")
	})
	return err
}

// delivery adapts paho.Message to messaging.Delivery
type delivery struct {
	msg     paho.Message
	autoAck bool
	settled atomic.Bool
}

var _ messaging.Delivery = (*delivery)(nil)

// Ack sends the PUBACK
func (d *delivery) Ack() error {
	if !d.settle() {
		return d.alreadySettled()
	}
	d.msg.Ack()
	return nil
}

// Nack withholds the PUBACK; MQTT has no negative acknowledgement, the
// broker resends on the next session resume.
func (d *delivery) Nack() error {
	if !d.settle() {
		return d.alreadySettled()
	}
	return nil
}

// Reject acknowledges the message so the broker forgets it
func (d *delivery) Reject() error {
	if !d.settle() {
		return d.alreadySettled()
	}
	d.msg.Ack()
	return nil
}

func (d *delivery) settle() bool {
	return d.settled.CompareAndSwap(false, true)
}

func (d *delivery) alreadySettled() error {
	if d.autoAck {
		return nil
	}
	return contracts.ErrAlreadySettled
}

func (d *delivery) Body() []byte          { return d.msg.Payload() }
func (d *delivery) ContentType() string   { return "" }
func (d *delivery) CorrelationID() string { return "" }
func (d *delivery) ReplyTo() string       { return "" }

// Redeliverable is false: nothing comes back within the session
func (d *delivery) Redeliverable() bool { return false }

func (d *delivery) MessageID() string {
	if id := d.msg.MessageID(); id != 0 {
		return strconv.Itoa(int(id))
	}
	return ""
}

func (d *delivery) Attempt() int {
	if d.msg.Duplicate() {
		return 2
	}
	return 1
}

func (d *delivery) Headers() contracts.Headers {
	return contracts.Headers{
		"mqtt.topic":    d.msg.Topic(),
		"mqtt.qos":      int(d.msg.Qos()),
		"mqtt.retained": d.msg.Retained(),
	}
}
