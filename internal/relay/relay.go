package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	internaldelivery "github.com/rmacdonaldsmith/topicrelay-go/internal/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/routingtable"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/relay"
	routingtablepkg "github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

var log = logging.Logger("relay")

// Relay implements the relay.Relay interface on top of the in-memory routing table.
// It is the Publisher: it resolves matches and enqueues, it never calls handlers.
type Relay struct {
	mu     sync.RWMutex
	config *Config

	table    *routingtable.InMemoryRoutingTable
	metrics  *Metrics
	gatherer prometheus.Gatherer

	// State management
	started   bool
	closed    bool
	startedAt time.Time

	published atomic.Uint64
	matched   atomic.Uint64
	unrouted  atomic.Uint64
	rejected  atomic.Uint64
}

// NewRelay creates a relay with the given configuration. It accepts subscriptions
// immediately; call Start before publishing.
func NewRelay(config *Config) (*Relay, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Relay{config: config}

	registerer := config.Registerer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer = registry
		r.gatherer = registry
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		r.gatherer = g
	} else {
		r.gatherer = prometheus.DefaultGatherer
	}

	metrics, err := NewMetrics(registerer, r.activeSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	r.metrics = metrics

	table, err := routingtable.NewInMemoryRoutingTableWithConfig(routingtable.Config{
		QueueCapacity: config.QueueCapacity,
		Overflow:      config.Overflow,
		MessageTTL:    config.MessageTTL,
		Observer: delivery.Observers{
			internaldelivery.NewLogObserver(),
			metrics,
			config.Observer,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create routing table: %w", err)
	}
	r.table = table

	return r, nil
}

// Start makes the relay accept publishes
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return relay.ErrRelayClosed
	}
	if r.started {
		return nil
	}

	r.started = true
	r.startedAt = time.Now()
	log.Infow("relay started",
		"node", r.config.NodeID,
		"queueCapacity", r.config.QueueCapacity,
		"overflow", r.config.Overflow.String(),
		"messageTTL", r.config.MessageTTL)
	return nil
}

// Close stops every subscription and rejects further operations. Idempotent.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.started = false
	r.mu.Unlock()

	if err := r.table.Close(); err != nil {
		return fmt.Errorf("failed to close routing table: %w", err)
	}
	log.Infow("relay closed", "node", r.config.NodeID)
	return nil
}

// Subscribe registers handler for a topic pattern with the relay's queue defaults
func (r *Relay) Subscribe(ctx context.Context, pattern string, handler delivery.Handler) (string, error) {
	return r.SubscribeBinding(ctx, routingtablepkg.TopicBinding(pattern), handler, routingtablepkg.SubscribeOptions{})
}

// SubscribeBinding registers handler for binding with explicit options
func (r *Relay) SubscribeBinding(ctx context.Context, binding routingtablepkg.Binding, handler delivery.Handler, opts routingtablepkg.SubscribeOptions) (string, error) {
	if r.isClosed() {
		return "", relay.ErrRelayClosed
	}

	id, err := r.table.Subscribe(ctx, binding, handler, opts)
	if errors.Is(err, routingtablepkg.ErrClosed) {
		return "", relay.ErrRelayClosed
	}
	return id, err
}

// Unsubscribe stops a subscription. Unknown IDs are a no-op.
func (r *Relay) Unsubscribe(ctx context.Context, id string) error {
	if r.isClosed() {
		return nil
	}
	return r.table.Unsubscribe(ctx, id)
}

// Publish routes payload under routingKey
func (r *Relay) Publish(ctx context.Context, routingKey string, payload []byte) (int, error) {
	return r.PublishMessage(ctx, message.New(routingKey, payload))
}

// PublishMessage routes msg to every matching subscription and returns how many
// subscriptions it was enqueued on.
//
// Subscriptions removed between matching and enqueuing are not counted. Under the
// BlockUntilSpace policy a cancelled ctx stops the fan-out; the subscriptions
// already reached keep the message and are included in the returned count.
func (r *Relay) PublishMessage(ctx context.Context, msg *message.Message) (int, error) {
	if msg == nil {
		return 0, relay.ErrNilMessage
	}

	r.mu.RLock()
	closed, started := r.closed, r.started
	r.mu.RUnlock()
	if closed {
		return 0, relay.ErrRelayClosed
	}
	if !started {
		return 0, relay.ErrRelayNotStarted
	}

	begin := time.Now()
	defer func() { r.metrics.publishLatency.Observe(time.Since(begin).Seconds()) }()

	targets, err := r.table.Targets(ctx, msg)
	if err != nil {
		r.rejected.Add(1)
		r.metrics.rejected.Inc()
		return 0, fmt.Errorf("publish %q: %w", msg.RoutingKey, err)
	}

	r.published.Add(1)
	r.metrics.published.Inc()

	matched := 0
	for _, target := range targets {
		if err := target.Enqueue(ctx, msg); err != nil {
			if errors.Is(err, delivery.ErrQueueClosed) {
				continue
			}
			r.recordMatched(matched)
			return matched, fmt.Errorf("publish %q: enqueue on %s: %w", msg.RoutingKey, target.ID(), err)
		}
		matched++
	}

	r.recordMatched(matched)
	return matched, nil
}

func (r *Relay) recordMatched(n int) {
	if n == 0 {
		r.unrouted.Add(1)
		r.metrics.unrouted.Inc()
		return
	}
	r.matched.Add(uint64(n))
	r.metrics.matched.Add(float64(n))
}

// Subscription returns a snapshot of one subscription
func (r *Relay) Subscription(ctx context.Context, id string) (routingtablepkg.Subscription, bool) {
	return r.table.Get(ctx, id)
}

// Subscriptions returns snapshots of every subscription
func (r *Relay) Subscriptions(ctx context.Context) ([]routingtablepkg.Subscription, error) {
	return r.table.List(ctx)
}

// Stats returns relay-wide counters
func (r *Relay) Stats(ctx context.Context) (relay.Stats, error) {
	subs, err := r.table.List(ctx)
	if err != nil {
		return relay.Stats{}, err
	}

	stats := relay.Stats{
		Published:     r.published.Load(),
		Matched:       r.matched.Load(),
		Unrouted:      r.unrouted.Load(),
		Rejected:      r.rejected.Load(),
		Subscriptions: len(subs),
	}
	for _, sub := range subs {
		stats.Delivery.Queued += sub.Stats.Queued
		stats.Delivery.Delivered += sub.Stats.Delivered
		stats.Delivery.Failed += sub.Stats.Failed
		stats.Delivery.Dropped += sub.Stats.Dropped
		stats.Delivery.Expired += sub.Stats.Expired
	}
	return stats, nil
}

// Health reports whether the relay accepts publishes
func (r *Relay) Health(ctx context.Context) (relay.HealthStatus, error) {
	r.mu.RLock()
	closed, started, startedAt := r.closed, r.started, r.startedAt
	r.mu.RUnlock()

	count, err := r.table.Count(ctx)
	if err != nil {
		return relay.HealthStatus{}, err
	}

	status := relay.HealthStatus{
		Healthy:       started && !closed,
		NodeID:        r.config.NodeID,
		Subscriptions: count,
	}
	switch {
	case closed:
		status.Message = "relay is closed"
	case !started:
		status.Message = "relay is not started"
	default:
		status.Uptime = time.Since(startedAt)
		status.Message = "all systems operational"
	}
	return status, nil
}

// NodeID returns the relay's configured identifier
func (r *Relay) NodeID() string {
	return r.config.NodeID
}

// Gatherer exposes the relay's Prometheus metrics for a /metrics handler
func (r *Relay) Gatherer() prometheus.Gatherer {
	return r.gatherer
}

func (r *Relay) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Relay) activeSubscriptions() float64 {
	count, _ := r.table.Count(context.Background())
	return float64(count)
}

var _ relay.Relay = (*Relay)(nil)
