package routingtable

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	internaldelivery "github.com/rmacdonaldsmith/topicrelay-go/internal/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

var log = logging.Logger("relay/routingtable")

// DefaultQueueCapacity is the per-subscription queue bound when none is configured
const DefaultQueueCapacity = 1024

// Config holds the defaults applied to new subscriptions
type Config struct {
	// QueueCapacity bounds each subscription queue (negative is unbounded)
	QueueCapacity int

	// Overflow is the default full-queue policy
	Overflow delivery.OverflowPolicy

	// MessageTTL is the default message TTL (0 disables expiry)
	MessageTTL time.Duration

	// Observer receives delivery outcomes of every subscription
	Observer delivery.Observer

	// Clock is passed to every delivery loop; nil means time.Now
	Clock func() time.Time
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Observer == nil {
		c.Observer = internaldelivery.NewLogObserver()
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.MessageTTL < 0 {
		return fmt.Errorf("message TTL cannot be negative: %v", c.MessageTTL)
	}
	switch c.Overflow {
	case delivery.DropOldest, delivery.DropNewest, delivery.BlockUntilSpace:
	default:
		return fmt.Errorf("%w: %d", delivery.ErrUnknownOverflowPolicy, c.Overflow)
	}
	return nil
}

// Entry is one registered subscription: its compiled binding plus its delivery loop.
type Entry struct {
	id        string
	owner     string
	createdAt time.Time
	matcher   *BindingMatcher
	loop      *internaldelivery.Loop
}

// ID returns the subscription ID
func (e *Entry) ID() string {
	return e.id
}

// Enqueue hands msg to the subscription's delivery loop
func (e *Entry) Enqueue(ctx context.Context, msg *message.Message) error {
	return e.loop.Enqueue(ctx, msg)
}

// Snapshot returns the read-only view of the subscription
func (e *Entry) Snapshot() routingtable.Subscription {
	return routingtable.Subscription{
		ID:            e.id,
		Binding:       e.matcher.Binding(),
		Owner:         e.owner,
		CreatedAt:     e.createdAt,
		QueueCapacity: e.loop.Capacity(),
		Overflow:      e.loop.Overflow(),
		MessageTTL:    e.loop.TTL(),
		State:         e.loop.State(),
		Stats:         e.loop.Stats(),
	}
}

// InMemoryRoutingTable is the in-memory subscription registry.
// Entries are kept in subscribe order; a single RWMutex makes matching and
// mutation mutually exclusive.
type InMemoryRoutingTable struct {
	config Config

	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	closed  bool
}

// NewInMemoryRoutingTable creates a routing table with default configuration
func NewInMemoryRoutingTable() *InMemoryRoutingTable {
	rt, _ := NewInMemoryRoutingTableWithConfig(Config{})
	return rt
}

// NewInMemoryRoutingTableWithConfig creates a routing table with the given defaults
func NewInMemoryRoutingTableWithConfig(config Config) (*InMemoryRoutingTable, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing table config: %w", err)
	}

	return &InMemoryRoutingTable{
		config: config,
		byID:   make(map[string]*Entry),
	}, nil
}

// Subscribe registers handler for binding and starts its delivery loop
func (rt *InMemoryRoutingTable) Subscribe(ctx context.Context, binding routingtable.Binding, handler delivery.Handler, opts routingtable.SubscribeOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", routingtable.ErrNilHandler
	}

	matcher, err := NewMatcher(binding)
	if err != nil {
		return "", err
	}

	capacity := opts.QueueCapacity
	if capacity == 0 {
		capacity = rt.config.QueueCapacity
	}
	overflow := rt.config.Overflow
	if opts.Overflow != nil {
		overflow = *opts.Overflow
	}
	ttl := opts.MessageTTL
	if ttl == 0 {
		ttl = rt.config.MessageTTL
	}

	id := uuid.NewString()
	loop, err := internaldelivery.NewLoop(internaldelivery.LoopConfig{
		SubscriptionID: id,
		Handler:        handler,
		QueueCapacity:  capacity,
		Overflow:       overflow,
		MessageTTL:     ttl,
		Observer:       rt.config.Observer,
		Clock:          rt.config.Clock,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create delivery loop: %w", err)
	}

	entry := &Entry{
		id:        id,
		owner:     opts.Owner,
		createdAt: time.Now().UTC(),
		matcher:   matcher,
		loop:      loop,
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return "", routingtable.ErrClosed
	}
	rt.entries = append(rt.entries, entry)
	rt.byID[id] = entry
	rt.mu.Unlock()

	loop.Start()
	log.Debugw("subscribed", "id", id, "binding", matcher.Binding().String(), "owner", opts.Owner)
	return id, nil
}

// Unsubscribe removes the subscription and stops its delivery loop. A delivery
// already in progress finishes; queued messages are discarded. Unknown IDs are ignored.
func (rt *InMemoryRoutingTable) Unsubscribe(ctx context.Context, id string) error {
	rt.mu.Lock()
	entry, ok := rt.byID[id]
	if ok {
		delete(rt.byID, id)
		rt.entries = slices.DeleteFunc(rt.entries, func(e *Entry) bool { return e == entry })
	}
	rt.mu.Unlock()

	if !ok {
		return nil
	}

	entry.loop.Stop()
	log.Debugw("unsubscribed", "id", id)
	return nil
}

// MatchAll returns the IDs of subscriptions whose binding selects routingKey
func (rt *InMemoryRoutingTable) MatchAll(ctx context.Context, routingKey string) ([]string, error) {
	key, err := routingtable.ParseRoutingKey(routingKey)
	if err != nil {
		return nil, err
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var ids []string
	for _, entry := range rt.entries {
		if entry.matcher.MatchKey(key) {
			ids = append(ids, entry.id)
		}
	}
	return ids, nil
}

// MatchMessage returns the IDs of subscriptions that select msg
func (rt *InMemoryRoutingTable) MatchMessage(ctx context.Context, msg *message.Message) ([]string, error) {
	targets, err := rt.Targets(ctx, msg)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(targets))
	for i, entry := range targets {
		ids[i] = entry.id
	}
	return ids, nil
}

// Targets returns the entries that select msg, in subscribe order, from one
// consistent snapshot of the registry.
func (rt *InMemoryRoutingTable) Targets(ctx context.Context, msg *message.Message) ([]*Entry, error) {
	key, err := routingtable.ParseRoutingKey(msg.RoutingKey)
	if err != nil {
		return nil, err
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var targets []*Entry
	for _, entry := range rt.entries {
		if entry.matcher.match(key, msg) {
			targets = append(targets, entry)
		}
	}
	return targets, nil
}

// Get returns a snapshot of one subscription
func (rt *InMemoryRoutingTable) Get(ctx context.Context, id string) (routingtable.Subscription, bool) {
	rt.mu.RLock()
	entry, ok := rt.byID[id]
	rt.mu.RUnlock()

	if !ok {
		return routingtable.Subscription{}, false
	}
	return entry.Snapshot(), true
}

// List returns snapshots of all subscriptions in subscribe order
func (rt *InMemoryRoutingTable) List(ctx context.Context) ([]routingtable.Subscription, error) {
	rt.mu.RLock()
	entries := slices.Clone(rt.entries)
	rt.mu.RUnlock()

	subs := make([]routingtable.Subscription, len(entries))
	for i, entry := range entries {
		subs[i] = entry.Snapshot()
	}
	return subs, nil
}

// Count returns the number of registered subscriptions
func (rt *InMemoryRoutingTable) Count(ctx context.Context) (int, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.entries), nil
}

// Close stops every delivery loop and rejects further subscriptions.
// Safe to call multiple times.
func (rt *InMemoryRoutingTable) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	entries := rt.entries
	rt.entries = nil
	rt.byID = make(map[string]*Entry)
	rt.mu.Unlock()

	for _, entry := range entries {
		entry.loop.Stop()
	}
	log.Debugw("routing table closed", "stopped", len(entries))
	return nil
}

var _ routingtable.RoutingTable = (*InMemoryRoutingTable)(nil)
