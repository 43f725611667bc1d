package delivery

import (
	"context"
	"sync"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
)

// Queue is a multi-producer, single-consumer FIFO of messages for one subscription.
// A capacity <= 0 makes the queue unbounded and the overflow policy irrelevant.
type Queue struct {
	mu       sync.Mutex
	items    []*message.Message
	capacity int
	policy   delivery.OverflowPolicy
	closed   bool

	// ready holds at most one token; Push leaves one behind for the consumer
	ready chan struct{}

	// space is closed and replaced every time Pop frees a slot, waking blocked producers
	space chan struct{}
}

// NewQueue creates a queue with the given capacity and overflow policy
func NewQueue(capacity int, policy delivery.OverflowPolicy) *Queue {
	return &Queue{
		items:    make([]*message.Message, 0, initialCap(capacity)),
		capacity: capacity,
		policy:   policy,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}),
	}
}

func initialCap(capacity int) int {
	if capacity <= 0 || capacity > 64 {
		return 64
	}
	return capacity
}

// Push appends msg. When the queue is full the overflow policy decides:
// DropOldest returns the evicted head, DropNewest returns msg itself without
// enqueuing it, BlockUntilSpace waits until a slot frees up, ctx is done or the
// queue closes.
func (q *Queue) Push(ctx context.Context, msg *message.Message) (*message.Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, delivery.ErrQueueClosed
		}

		if q.capacity <= 0 || len(q.items) < q.capacity {
			q.items = append(q.items, msg)
			q.mu.Unlock()
			q.signal()
			return nil, nil
		}

		switch q.policy {
		case delivery.DropNewest:
			q.mu.Unlock()
			return msg, nil

		case delivery.BlockUntilSpace:
			space := q.space
			q.mu.Unlock()
			select {
			case <-space:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		default:
			evicted := q.items[0]
			q.items[0] = nil
			q.items = append(q.items[1:], msg)
			q.mu.Unlock()
			q.signal()
			return evicted, nil
		}
	}
}

// Pop removes and returns the head of the queue without blocking
func (q *Queue) Pop() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	// Drop the drained backing array so it does not grow without bound
	if len(q.items) == 0 {
		q.items = q.items[:0:0]
	}

	if q.capacity > 0 && !q.closed {
		close(q.space)
		q.space = make(chan struct{})
	}
	return msg, true
}

// Ready returns a channel that receives a token after a Push.
// A token may be stale; consumers must Pop until it reports false.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured capacity (<= 0 is unbounded)
func (q *Queue) Capacity() int {
	return q.capacity
}

// Policy returns the configured overflow policy
func (q *Queue) Policy() delivery.OverflowPolicy {
	return q.policy
}

// Close marks the queue closed, wakes blocked producers and returns the discarded
// messages. Closing twice returns nil the second time.
func (q *Queue) Close() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	discarded := q.items
	q.items = nil
	close(q.space)
	return discarded
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
