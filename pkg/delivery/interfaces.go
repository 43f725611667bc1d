package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
)

var (
	// ErrQueueClosed is returned when pushing onto a queue whose subscription has stopped
	ErrQueueClosed = errors.New("delivery queue is closed")
	// ErrUnknownOverflowPolicy is returned when parsing an unrecognised policy name
	ErrUnknownOverflowPolicy = errors.New("unknown overflow policy")
)

// Handler receives messages for one subscription.
type Handler interface {
	HandleMessage(msg *message.Message) error
}

// HandlerFunc adapts a plain (routingKey, payload) callback to a Handler.
type HandlerFunc func(routingKey string, payload []byte) error

// HandleMessage calls f(msg.RoutingKey, msg.Payload).
func (f HandlerFunc) HandleMessage(msg *message.Message) error {
	return f(msg.RoutingKey, msg.Payload)
}

// MessageHandlerFunc adapts a callback that needs the whole message (headers, ID).
type MessageHandlerFunc func(msg *message.Message) error

// HandleMessage calls f(msg).
func (f MessageHandlerFunc) HandleMessage(msg *message.Message) error {
	return f(msg)
}

// OverflowPolicy selects what happens when a bounded queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the queue to make room (at-most-once, newest wins)
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming message and keeps the queue untouched
	DropNewest

	// BlockUntilSpace makes the publisher wait until the consumer frees a slot
	BlockUntilSpace
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case BlockUntilSpace:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses the names produced by String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "dropoldest":
		return DropOldest, nil
	case "drop-newest", "dropnewest":
		return DropNewest, nil
	case "block", "block-until-space", "blockuntilspace":
		return BlockUntilSpace, nil
	default:
		return DropOldest, fmt.Errorf("%w: %q", ErrUnknownOverflowPolicy, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p OverflowPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so policies can be set from
// YAML and flags by name.
func (p *OverflowPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseOverflowPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// State is the lifecycle state of a delivery loop.
type State int32

const (
	// Idle means the loop is waiting for messages
	Idle State = iota

	// Draining means the loop is dequeuing and invoking the handler
	Draining

	// Stopped means the loop has exited; queued messages were discarded
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Stats is a point-in-time snapshot of one subscription's delivery counters.
type Stats struct {
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Expired   uint64 `json:"expired"`
}

// Observer is notified of delivery outcomes. Implementations must be safe for
// concurrent use: every loop calls the same observer from its own goroutine.
type Observer interface {
	// Delivered is called after the handler returned nil
	Delivered(subscriptionID string, msg *message.Message)

	// HandlerFailed is called when the handler returned an error or panicked
	HandlerFailed(subscriptionID string, msg *message.Message, err error)

	// Dropped is called when a message is discarded because the queue was full
	Dropped(subscriptionID string, msg *message.Message, policy OverflowPolicy)

	// Expired is called when a message outlived the subscription's TTL before delivery
	Expired(subscriptionID string, msg *message.Message)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) Delivered(string, *message.Message)               {}
func (NopObserver) HandlerFailed(string, *message.Message, error)    {}
func (NopObserver) Dropped(string, *message.Message, OverflowPolicy) {}
func (NopObserver) Expired(string, *message.Message)                 {}

// Observers fans each notification out to every non-nil observer in order.
type Observers []Observer

func (o Observers) Delivered(id string, msg *message.Message) {
	for _, obs := range o {
		if obs != nil {
			obs.Delivered(id, msg)
		}
	}
}

func (o Observers) HandlerFailed(id string, msg *message.Message, err error) {
	for _, obs := range o {
		if obs != nil {
			obs.HandlerFailed(id, msg, err)
		}
	}
}

func (o Observers) Dropped(id string, msg *message.Message, policy OverflowPolicy) {
	for _, obs := range o {
		if obs != nil {
			obs.Dropped(id, msg, policy)
		}
	}
}

func (o Observers) Expired(id string, msg *message.Message) {
	for _, obs := range o {
		if obs != nil {
			obs.Expired(id, msg)
		}
	}
}
