// Package pipeline runs the ingestion queue and worker pool that carry an
// inbound event through context load, retrieval, generation, and delivery.
package pipeline

import (
	"errors"
	"sync"

	"github.com/dkrasnov/replybot/internal/channel"
)

// ErrQueueSaturated is returned when the bounded queue is full. The HTTP
// boundary translates it into a retry-later response instead of blocking
// or growing memory.
var ErrQueueSaturated = errors.New("pipeline: queue saturated")

// ErrQueueClosed is returned once shutdown has begun; new inbound
// acceptance stops immediately while in-flight events drain.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// Queue is the bounded buffer between the webhook boundary and the worker
// pool. Enqueue never blocks.
type Queue struct {
	mu     sync.Mutex
	events chan channel.InboundEvent
	closed bool
}

// NewQueue creates a Queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{events: make(chan channel.InboundEvent, capacity)}
}

// Enqueue adds a validated event without blocking. Returns
// ErrQueueSaturated when the queue is full and ErrQueueClosed after
// shutdown has begun.
func (q *Queue) Enqueue(ev channel.InboundEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		return ErrQueueSaturated
	}
}

// Close stops acceptance. Buffered events remain readable so workers can
// drain them. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}

// Events returns the receive side of the queue. The channel is closed by
// Close; a worker reading a closed, drained queue exits.
func (q *Queue) Events() <-chan channel.InboundEvent {
	return q.events
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	return len(q.events)
}
