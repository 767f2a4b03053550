package memory

import (
	"context"
	"sync"

	"github.com/glimte/relay/contracts"
	"github.com/glimte/relay/messaging"
)

type message struct {
	*messaging.OutboundMessage
	attempt int
}

func newMessage(msg *messaging.OutboundMessage) *message {
	return &message{OutboundMessage: msg, attempt: 1}
}

func (m *message) redelivered() *message {
	return &message{OutboundMessage: m.OutboundMessage, attempt: m.attempt + 1}
}

// queue is an unbounded FIFO with blocking pop
type queue struct {
	key        contracts.Key
	temporary  bool
	subscribed bool

	mu    sync.Mutex
	items []*message
	ready chan struct{}
}

func newQueue(key contracts.Key) *queue {
	return &queue{key: key, ready: make(chan struct{})}
}

func (q *queue) push(m *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m)
	q.signal()
}

// requeue puts m back at the head of the queue
func (q *queue) requeue(m *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*message{m}, q.items...)
	q.signal()
}

// signal wakes every waiting pop. Caller holds q.mu.
func (q *queue) signal() {
	close(q.ready)
	q.ready = make(chan struct{})
}

func (q *queue) pop(ctx context.Context) (*message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, true
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
