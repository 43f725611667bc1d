package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
)

// LoopConfig configures a delivery loop
type LoopConfig struct {
	// SubscriptionID is reported to the observer with every event
	SubscriptionID string

	// Handler is invoked once per message, never concurrently
	Handler delivery.Handler

	// QueueCapacity bounds the queue (<= 0 is unbounded)
	QueueCapacity int

	// Overflow is the full-queue policy
	Overflow delivery.OverflowPolicy

	// MessageTTL discards messages older than this when dequeued (0 disables)
	MessageTTL time.Duration

	// Observer receives delivery outcomes; nil means NopObserver
	Observer delivery.Observer

	// Clock returns the current time; nil means time.Now
	Clock func() time.Time
}

// Loop delivers one subscription's queued messages to its handler in FIFO order
// on a dedicated goroutine.
type Loop struct {
	id       string
	handler  delivery.Handler
	queue    *Queue
	ttl      time.Duration
	observer delivery.Observer
	clock    func() time.Time

	state  atomic.Int32
	active atomic.Bool

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	expired   atomic.Uint64
}

// NewLoop creates a loop in the Idle state. Call Start to begin delivering.
func NewLoop(config LoopConfig) (*Loop, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if config.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription ID cannot be empty")
	}

	observer := config.Observer
	if observer == nil {
		observer = delivery.NopObserver{}
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	l := &Loop{
		id:       config.SubscriptionID,
		handler:  config.Handler,
		queue:    NewQueue(config.QueueCapacity, config.Overflow),
		ttl:      config.MessageTTL,
		observer: observer,
		clock:    clock,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	l.active.Store(true)
	l.state.Store(int32(delivery.Idle))
	return l, nil
}

// Start launches the loop goroutine. Calling Start more than once has no effect.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Enqueue pushes msg onto the loop's queue, applying the overflow policy.
// Returns delivery.ErrQueueClosed after Stop.
func (l *Loop) Enqueue(ctx context.Context, msg *message.Message) error {
	if !l.active.Load() {
		return delivery.ErrQueueClosed
	}

	dropped, err := l.queue.Push(ctx, msg)
	if err != nil {
		return err
	}
	if dropped != nil {
		l.dropped.Add(1)
		l.notify(func() { l.observer.Dropped(l.id, dropped, l.queue.Policy()) })
	}
	return nil
}

// Stop deactivates the loop and discards anything still queued. A handler call
// already in progress is not interrupted. Safe to call from any goroutine,
// including from inside the handler, and more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.active.Store(false)
		close(l.stop)
		l.queue.Close()

		// A loop that was never started has no goroutine to close done
		l.startOnce.Do(func() {
			l.state.Store(int32(delivery.Stopped))
			close(l.done)
		})
	})
}

// Done is closed once the loop goroutine has exited
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// State returns the current lifecycle state
func (l *Loop) State() delivery.State {
	return delivery.State(l.state.Load())
}

// ID returns the subscription ID this loop serves
func (l *Loop) ID() string {
	return l.id
}

// Capacity returns the queue capacity (<= 0 is unbounded)
func (l *Loop) Capacity() int {
	return l.queue.Capacity()
}

// Overflow returns the queue overflow policy
func (l *Loop) Overflow() delivery.OverflowPolicy {
	return l.queue.Policy()
}

// TTL returns the message TTL (0 disables expiry)
func (l *Loop) TTL() time.Duration {
	return l.ttl
}

// Stats returns a snapshot of the loop's counters
func (l *Loop) Stats() delivery.Stats {
	return delivery.Stats{
		Queued:    l.queue.Len(),
		Delivered: l.delivered.Load(),
		Failed:    l.failed.Load(),
		Dropped:   l.dropped.Load(),
		Expired:   l.expired.Load(),
	}
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.state.Store(int32(delivery.Stopped))

	for {
		if !l.active.Load() {
			return
		}

		msg, ok := l.queue.Pop()
		if !ok {
			l.state.Store(int32(delivery.Idle))
			select {
			case <-l.queue.Ready():
				continue
			case <-l.stop:
				return
			}
		}

		l.state.Store(int32(delivery.Draining))

		if msg.Expired(l.clock(), l.ttl) {
			l.expired.Add(1)
			l.notify(func() { l.observer.Expired(l.id, msg) })
			continue
		}

		if err := l.invoke(msg); err != nil {
			l.failed.Add(1)
			l.notify(func() { l.observer.HandlerFailed(l.id, msg, err) })
			continue
		}

		l.delivered.Add(1)
		l.notify(func() { l.observer.Delivered(l.id, msg) })
	}
}

// invoke calls the handler, converting a panic into an error
func (l *Loop) invoke(msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.handler.HandleMessage(msg)
}

// notify runs one observer callback. A panicking observer is logged and skipped.
func (l *Loop) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("observer panic", "subscription", l.id, "panic", r)
		}
	}()
	fn()
}
