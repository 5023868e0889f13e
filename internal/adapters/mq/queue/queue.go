// Package queue carries change batches from the score store to the
// aggregation workers.
//
// The in-memory queue is bounded and never blocks the writer: a full queue
// rejects the batch and the reconciliation job repairs what was missed.
package queue

import (
	"context"
	"sync"

	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/pkg/metrics"
)

const defaultQueueCapacity = 10000

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a batch. It returns false if the batch was not accepted.
	Enqueue(ctx context.Context, b model.ChangeBatch) bool

	// Dequeue returns a channel that receives batches as they become
	// available. The channel is closed when the queue is closed and drained.
	Dequeue(ctx context.Context) <-chan model.ChangeBatch

	// Len returns the current number of queued batches.
	Len(ctx context.Context) int

	// Close stops accepting batches. Queued batches are still delivered.
	Close() error

	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	batches  chan model.ChangeBatch
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.batches = make(chan model.ChangeBatch, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	metrics.UpdateQueueUtilization(0)
	return q
}

// Publish hands a committed change batch to the queue. It lets the queue
// serve as the store's change sink.
func (q *InMemoryQueue) Publish(ctx context.Context, b model.ChangeBatch) bool {
	return q.Enqueue(ctx, b)
}

// Enqueue adds a batch to the queue without blocking.
func (q *InMemoryQueue) Enqueue(ctx context.Context, b model.ChangeBatch) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.rejected("closed")
		return false
	}
	if ctx.Err() != nil {
		q.rejected("context_cancelled")
		return false
	}

	select {
	case q.batches <- b:
		metrics.RecordQueueEnqueue()
		q.observe()
		return true
	default:
		q.rejected("queue_full")
		return false
	}
}

func (q *InMemoryQueue) rejected(reason string) {
	metrics.RecordQueueEnqueueError()
	metrics.RecordErrorByComponent("queue", reason)
}

// Dequeue returns a channel that receives batches as they become available.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan model.ChangeBatch {
	out := make(chan model.ChangeBatch)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-q.batches:
				if !ok {
					return
				}
				select {
				case out <- b:
					metrics.RecordQueueDequeue()
					q.observe()
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len returns the current number of queued batches.
func (q *InMemoryQueue) Len(_ context.Context) int {
	q.observe()
	return len(q.batches)
}

func (q *InMemoryQueue) observe() {
	size := len(q.batches)
	metrics.UpdateQueueSize(size)
	metrics.UpdateQueueUtilization(float64(size) / float64(q.capacity))
}

// Close gracefully shuts down the queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.batches)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
