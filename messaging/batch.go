package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Batch collects values to be sent by one publisher in a single call
type Batch struct {
	publisher *Publisher
	values    []batchValue
	mu        sync.Mutex
}

type batchValue struct {
	value   any
	options []PublishOption
}

// NewBatch creates an empty batch for the publisher
func (p *Publisher) NewBatch() *Batch {
	return &Batch{publisher: p}
}

// Add queues a value. Nil values are rejected since they encode to an empty
// body that cannot be told apart from a missing message.
func (b *Batch) Add(value any, options ...PublishOption) error {
	if value == nil {
		return fmt.Errorf("batch value cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.values = append(b.values, batchValue{value: value, options: options})
	return nil
}

// Size returns the number of queued values
func (b *Batch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.values)
}

// Clear removes all queued values
func (b *Batch) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values = b.values[:0]
}

// Publish sends every queued value in order and clears the batch. All values
// are attempted; failures are returned joined, each a PublishError whose
// Position is the value's index in the batch.
func (b *Batch) Publish(ctx context.Context) error {
	b.mu.Lock()
	values := append([]batchValue(nil), b.values...)
	b.values = b.values[:0]
	b.mu.Unlock()

	if len(values) == 0 {
		return nil
	}

	logger := b.publisher.broker.logger
	logger.Debug("publishing batch",
		"destination", b.publisher.destination.String(),
		"messageCount", len(values),
	)

	var errs []error
	for i, v := range values {
		if err := b.publisher.publish(ctx, v.value, i, v.options...); err != nil {
			logger.Error("failed to publish message in batch",
				"destination", b.publisher.destination.String(),
				"index", i,
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("batch publish completed with errors: %d/%d succeeded: %w",
			len(values)-len(errs), len(values), errors.Join(errs...))
	}
	return nil
}
