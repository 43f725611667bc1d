package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

var (
	// ErrRelayClosed is returned by every operation after Close
	ErrRelayClosed = errors.New("relay is closed")
	// ErrRelayNotStarted is returned when publishing before Start
	ErrRelayNotStarted = errors.New("relay is not started")
	// ErrNilMessage is returned when publishing a nil message
	ErrNilMessage = errors.New("message cannot be nil")
)

// Relay routes published messages to the delivery queues of matching subscriptions.
type Relay interface {
	io.Closer

	// Start makes the relay accept publishes. Idempotent.
	Start(ctx context.Context) error

	// Subscribe registers handler for a topic pattern with default queue options.
	Subscribe(ctx context.Context, pattern string, handler delivery.Handler) (string, error)

	// SubscribeBinding registers handler for any exchange kind with explicit options.
	SubscribeBinding(ctx context.Context, binding routingtable.Binding, handler delivery.Handler, opts routingtable.SubscribeOptions) (string, error)

	// Unsubscribe stops a subscription. In-flight deliveries finish, queued ones are
	// discarded. Unknown IDs are a no-op.
	Unsubscribe(ctx context.Context, id string) error

	// Publish routes payload under routingKey and returns the number of matched
	// subscriptions. Zero matches is not an error.
	Publish(ctx context.Context, routingKey string, payload []byte) (int, error)

	// PublishMessage routes a prepared message (with headers) the same way.
	PublishMessage(ctx context.Context, msg *message.Message) (int, error)

	// Subscription returns a snapshot of one subscription.
	Subscription(ctx context.Context, id string) (routingtable.Subscription, bool)

	// Subscriptions returns snapshots of every subscription in subscribe order.
	Subscriptions(ctx context.Context) ([]routingtable.Subscription, error)

	// Stats returns relay-wide counters.
	Stats(ctx context.Context) (Stats, error)

	// Health reports whether the relay is accepting publishes.
	Health(ctx context.Context) (HealthStatus, error)

	// NodeID returns the relay's configured identifier.
	NodeID() string
}

// Stats are relay-wide counters
type Stats struct {
	// Published counts messages accepted for routing
	Published uint64 `json:"published"`

	// Matched counts subscription deliveries enqueued (one per matched subscription)
	Matched uint64 `json:"matched"`

	// Unrouted counts accepted messages that matched no subscription
	Unrouted uint64 `json:"unrouted"`

	// Rejected counts publishes refused for an invalid routing key
	Rejected uint64 `json:"rejected"`

	// Subscriptions is the number of active subscriptions
	Subscriptions int `json:"subscriptions"`

	// Delivery sums the delivery counters of the active subscriptions
	Delivery delivery.Stats `json:"delivery"`
}

// HealthStatus represents the overall health of a relay
type HealthStatus struct {
	// Healthy indicates if the relay is accepting publishes
	Healthy bool `json:"healthy"`

	// NodeID is the relay's configured identifier
	NodeID string `json:"nodeId"`

	// Subscriptions is the number of active subscriptions
	Subscriptions int `json:"subscriptions"`

	// Uptime is the time since Start
	Uptime time.Duration `json:"uptime"`

	// Message provides additional health information
	Message string `json:"message"`
}
