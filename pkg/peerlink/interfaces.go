package peerlink

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "topicrelay.peerlink.v1.Relay"

	// PublishMethod is the full method name of the unary publish call
	PublishMethod = "/" + ServiceName + "/Publish"

	// SubscribeMethod is the full method name of the server-streaming subscribe call
	SubscribeMethod = "/" + ServiceName + "/Subscribe"

	// AuthorizationKey is the metadata key carrying "Bearer <token>"
	AuthorizationKey = "authorization"

	// SubscriptionIDKey is the header metadata key the server sends once a
	// Subscribe call is registered
	SubscriptionIDKey = "x-subscription-id"

	// PathHeader is the message header listing, comma separated, the node IDs
	// of the relays a message was streamed from
	PathHeader = "x-relay-path"
)

// Stream is an open remote subscription
type Stream interface {
	io.Closer

	// ID returns the subscription ID assigned by the remote relay
	ID() string

	// Messages delivers matched messages in order. Closed when the stream ends.
	Messages() <-chan *message.Message

	// Err reports why the stream ended once Messages is closed.
	// Nil after Close or context cancellation.
	Err() error
}

// Link is a connection to a remote relay
type Link interface {
	io.Closer

	// Publish routes msg through the remote relay and returns its match count.
	Publish(ctx context.Context, msg *message.Message) (int, error)

	// Subscribe returns once the remote relay has registered the binding.
	// The stream lives until ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, binding routingtable.Binding, opts routingtable.SubscribeOptions) (Stream, error)
}
