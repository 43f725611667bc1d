package routingtable

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
)

// ExchangeKind selects the matching strategy of a binding
type ExchangeKind int

const (
	// Topic bindings use the full "*" / "#" wildcard grammar
	Topic ExchangeKind = iota

	// Direct bindings match only the identical routing key
	Direct

	// Fanout bindings match every message
	Fanout

	// Headers bindings match on message headers and ignore the routing key
	Headers
)

func (k ExchangeKind) String() string {
	switch k {
	case Topic:
		return "topic"
	case Direct:
		return "direct"
	case Fanout:
		return "fanout"
	case Headers:
		return "headers"
	default:
		return "unknown"
	}
}

// ParseExchangeKind parses the names produced by String. Empty means Topic.
func ParseExchangeKind(s string) (ExchangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "topic":
		return Topic, nil
	case "direct":
		return Direct, nil
	case "fanout":
		return Fanout, nil
	case "headers", "header":
		return Headers, nil
	default:
		return Topic, fmt.Errorf("unknown exchange kind %q", s)
	}
}

// HeadersMatch is the x-match mode of a headers binding
type HeadersMatch int

const (
	// MatchAll requires every binding header to match
	MatchAll HeadersMatch = iota

	// MatchAny requires at least one binding header to match
	MatchAny
)

func (m HeadersMatch) String() string {
	if m == MatchAny {
		return "any"
	}
	return "all"
}

// ParseHeadersMatch parses "all" or "any". Empty means MatchAll.
func ParseHeadersMatch(s string) (HeadersMatch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return MatchAll, nil
	case "any":
		return MatchAny, nil
	default:
		return MatchAll, fmt.Errorf("unknown x-match mode %q", s)
	}
}

// Binding describes which messages a subscription selects
type Binding struct {
	// Kind is the exchange kind (matching strategy)
	Kind ExchangeKind

	// Pattern is the binding pattern for Topic and Direct kinds
	Pattern string

	// Headers are the binding headers for the Headers kind
	Headers map[string]string

	// Match is the x-match mode for the Headers kind
	Match HeadersMatch
}

// TopicBinding returns a Topic binding for pattern
func TopicBinding(pattern string) Binding {
	return Binding{Kind: Topic, Pattern: pattern}
}

// DirectBinding returns a Direct binding for key
func DirectBinding(key string) Binding {
	return Binding{Kind: Direct, Pattern: key}
}

// FanoutBinding returns a Fanout binding
func FanoutBinding() Binding {
	return Binding{Kind: Fanout, Pattern: MultiWildcard}
}

// HeadersBinding returns a Headers binding
func HeadersBinding(headers map[string]string, match HeadersMatch) Binding {
	return Binding{Kind: Headers, Headers: headers, Match: match}
}

func (b Binding) String() string {
	switch b.Kind {
	case Fanout:
		return "fanout"
	case Headers:
		return fmt.Sprintf("headers(x-match=%s, %d keys)", b.Match, len(b.Headers))
	default:
		return fmt.Sprintf("%s(%s)", b.Kind, b.Pattern)
	}
}

// Matcher decides whether a published message is selected by one binding.
// Implementations are immutable and safe for concurrent use.
type Matcher interface {
	Matches(msg *message.Message) bool
}

// SubscribeOptions tunes one subscription's delivery queue.
// Zero values fall back to the routing table's defaults.
type SubscribeOptions struct {
	// Owner identifies who created the subscription (client ID, peer address)
	Owner string

	// QueueCapacity bounds the queue; 0 uses the table default, negative is unbounded
	QueueCapacity int

	// Overflow selects the full-queue policy; nil uses the table default
	Overflow *delivery.OverflowPolicy

	// MessageTTL discards messages older than this at dequeue time; 0 uses the table default
	MessageTTL time.Duration
}

// Subscription is a read-only snapshot of a registered subscription
type Subscription struct {
	ID            string
	Binding       Binding
	Owner         string
	CreatedAt     time.Time
	QueueCapacity int
	Overflow      delivery.OverflowPolicy
	MessageTTL    time.Duration
	State         delivery.State
	Stats         delivery.Stats
}

// RoutingTable is the subscription registry.
//
// Mutations (Subscribe, Unsubscribe) and reads (MatchAll, MatchMessage, List) are
// mutually exclusive: a match never observes a half-added or half-removed entry.
type RoutingTable interface {
	io.Closer

	// Subscribe registers a handler for a binding and starts its delivery loop.
	// Fails only for a malformed binding, a nil handler or a closed table.
	Subscribe(ctx context.Context, binding Binding, handler delivery.Handler, opts SubscribeOptions) (string, error)

	// Unsubscribe stops a subscription. Unknown IDs are a silent no-op.
	Unsubscribe(ctx context.Context, id string) error

	// MatchAll returns the IDs of active subscriptions whose binding selects routingKey.
	// Headers bindings never match a bare routing key.
	MatchAll(ctx context.Context, routingKey string) ([]string, error)

	// MatchMessage returns the IDs of active subscriptions that select msg.
	MatchMessage(ctx context.Context, msg *message.Message) ([]string, error)

	// Get returns a snapshot of one subscription.
	Get(ctx context.Context, id string) (Subscription, bool)

	// List returns snapshots of all active subscriptions in subscribe order.
	List(ctx context.Context) ([]Subscription, error)

	// Count returns the number of active subscriptions.
	Count(ctx context.Context) (int, error)
}
