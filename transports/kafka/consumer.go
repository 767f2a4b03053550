package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
)

// Reserved headers carrying message properties Kafka has no field for
const (
	HeaderContentType   = "content-type"
	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "correlation-id"
	HeaderReplyTo       = "reply-to"
)

// consumer reads one key. Nacked messages are handed out again before the
// next fetch; Kafka itself only redelivers uncommitted offsets after a
// rebalance.
type consumer struct {
	driver *Driver
	reader reader
	sub    messaging.Subscription
	group  string
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	retries []*delivery
	wake    chan struct{}
}

type fetched struct {
	msg kafka.Message
	err error
}

func (c *consumer) run(ctx context.Context, fn messaging.DeliveryFunc) {
	defer close(c.done)

	messages := make(chan fetched)
	go c.fetch(ctx, messages)

	for {
		if d := c.nextRetry(); d != nil {
			fn(ctx, d)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case f := <-messages:
			if f.err != nil {
				c.logger.Error("fetch failed", "error", f.err)
				continue
			}
			fn(ctx, c.newDelivery(f.msg, 1))
		}
	}
}

// fetch reads messages until ctx is done, backing off after errors
func (c *consumer) fetch(ctx context.Context, out chan<- fetched) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if ctx.Err() != nil || isClosed(err) {
			return
		}
		select {
		case out <- fetched{msg, err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *consumer) newDelivery(msg kafka.Message, attempt int) *delivery {
	return &delivery{consumer: c, msg: msg, attempt: attempt}
}

// redeliver queues d for another attempt. After Close the offset stays
// uncommitted and the group reads it again.
func (c *consumer) redeliver(d *delivery) {
	c.mu.Lock()
	c.retries = append(c.retries, c.newDelivery(d.msg, d.attempt+1))
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) nextRetry() *delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.retries) == 0 {
		return nil
	}
	d := c.retries[0]
	c.retries = c.retries[1:]
	return d
}

// Close stops fetching and closes the reader
func (c *consumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		<-c.done
		err = c.reader.Close()
		c.driver.remove(c)
		c.logger.Info("consumer stopped")
	})
	return err
}

// delivery adapts kafka.Message to messaging.Delivery
type delivery struct {
	consumer *consumer
	msg      kafka.Message
	attempt  int
	settled  atomic.Bool
}

var _ messaging.Delivery = (*delivery)(nil)

// Ack commits the message offset
func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return contracts.ErrAlreadySettled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.consumer.reader.CommitMessages(ctx, d.msg); err != nil {
		return fmt.Errorf("kafka: commit %s: %w", d.MessageID(), err)
	}
	return nil
}

// Nack hands the message to the consumer again without committing
func (d *delivery) Nack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return contracts.ErrAlreadySettled
	}
	d.consumer.redeliver(d)
	return nil
}

// Reject drops the message without committing; the next commit on the
// partition moves past it.
func (d *delivery) Reject() error {
	if !d.settled.CompareAndSwap(false, true) {
		return contracts.ErrAlreadySettled
	}
	d.consumer.logger.Warn("message rejected",
		"messageId", d.MessageID(),
		"partition", d.msg.Partition,
		"offset", d.msg.Offset)
	return nil
}

func (d *delivery) Body() []byte          { return d.msg.Value }
func (d *delivery) ContentType() string   { return d.header(HeaderContentType) }
func (d *delivery) CorrelationID() string { return d.header(HeaderCorrelationID) }
func (d *delivery) ReplyTo() string       { return d.header(HeaderReplyTo) }
func (d *delivery) Attempt() int          { return d.attempt }
func (d *delivery) Redeliverable() bool   { return true }

// MessageID falls back to topic/partition/offset
func (d *delivery) MessageID() string {
	if id := d.header(HeaderMessageID); id != "" {
		return id
	}
	return d.msg.Topic + "/" + strconv.Itoa(d.msg.Partition) + "/" + strconv.FormatInt(d.msg.Offset, 10)
}

func (d *delivery) header(key string) string {
	for _, h := range d.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Headers returns the user headers as strings plus the kafka coordinates
func (d *delivery) Headers() contracts.Headers {
	headers := make(contracts.Headers, len(d.msg.Headers)+3)
	for _, h := range d.msg.Headers {
		switch h.Key {
		case HeaderContentType, HeaderMessageID, HeaderCorrelationID, HeaderReplyTo:
			continue
		}
		headers[h.Key] = string(h.Value)
	}
	headers["kafka.partition"] = d.msg.Partition
	headers["kafka.offset"] = d.msg.Offset
	if len(d.msg.Key) > 0 {
		headers["kafka.key"] = string(d.msg.Key)
	}
	return headers
}

// encodeHeaders writes message properties and user headers as Kafka headers
func encodeHeaders(msg *messaging.OutboundMessage) []kafka.Header {
	var headers []kafka.Header
	add := func(key, value string) {
		if value != "" {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}
	}
	add(HeaderContentType, msg.ContentType)
	add(HeaderMessageID, msg.MessageID)
	add(HeaderCorrelationID, msg.CorrelationID)
	add(HeaderReplyTo, msg.ReplyTo)

	for key, value := range msg.Headers {
		switch v := value.(type) {
		case []byte:
			headers = append(headers, kafka.Header{Key: key, Value: v})
		case string:
			headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
		case nil:
			continue
		default:
			headers = append(headers, kafka.Header{Key: key, Value: []byte(fmt.Sprint(v))})
		}
	}
	return headers
}

// isClosed reports errors that mean the reader is gone
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed)
}
