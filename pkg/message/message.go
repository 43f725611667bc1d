package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single published message.
type Message struct {
	// ID uniquely identifies this message across all subscriptions it was routed to
	ID string

	// RoutingKey is the dot-delimited key the message was published with
	RoutingKey string

	// Payload is the raw message body (immutable after creation)
	Payload []byte

	// Headers are key-value metadata used by headers bindings (immutable after creation)
	Headers map[string]string

	// EnqueuedAt is when the message was accepted by the publisher
	EnqueuedAt time.Time
}

// New creates a new Message with the given routing key and payload.
// The payload is copied to ensure immutability.
func New(routingKey string, payload []byte) *Message {
	return NewWithHeaders(routingKey, payload, nil)
}

// NewWithHeaders creates a new Message with headers.
// Both payload and headers are copied to ensure immutability.
func NewWithHeaders(routingKey string, payload []byte, headers map[string]string) *Message {
	var payloadCopy []byte
	if payload != nil {
		payloadCopy = make([]byte, len(payload))
		copy(payloadCopy, payload)
	}

	headersCopy := make(map[string]string, len(headers))
	for k, v := range headers {
		headersCopy[k] = v
	}

	return &Message{
		ID:         uuid.NewString(),
		RoutingKey: routingKey,
		Payload:    payloadCopy,
		Headers:    headersCopy,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Header returns the value of a header and whether it was set.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// Age returns how long the message has been in the relay as of now.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.EnqueuedAt)
}

// Expired reports whether the message is older than ttl. A zero ttl never expires.
func (m *Message) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return m.Age(now) > ttl
}
