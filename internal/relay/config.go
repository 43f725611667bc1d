package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrNegativeTTL is returned when the message TTL is negative
	ErrNegativeTTL = errors.New("message TTL cannot be negative")
)

// DefaultQueueCapacity is the per-subscription queue bound used when none is set
const DefaultQueueCapacity = 1024

// Config represents configuration for a Relay
type Config struct {
	// NodeID identifies this relay in logs, health and peer links
	NodeID string `yaml:"nodeId"`

	// QueueCapacity bounds each subscription queue; negative means unbounded
	QueueCapacity int `yaml:"queueCapacity"`

	// Overflow selects what a full queue does with the next message
	Overflow delivery.OverflowPolicy `yaml:"overflow"`

	// MessageTTL discards messages older than this when dequeued (0 disables)
	MessageTTL time.Duration `yaml:"messageTTL"`

	// Observer receives delivery outcomes in addition to logging and metrics
	Observer delivery.Observer `yaml:"-"`

	// Registerer receives the relay's Prometheus collectors; nil uses a private registry
	Registerer prometheus.Registerer `yaml:"-"`
}

// NewConfig creates a new Relay configuration with safe defaults
func NewConfig(nodeID string) *Config {
	config := &Config{NodeID: nodeID}
	config.SetDefaults()
	return config
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.MessageTTL < 0 {
		return ErrNegativeTTL
	}
	switch c.Overflow {
	case delivery.DropOldest, delivery.DropNewest, delivery.BlockUntilSpace:
	default:
		return fmt.Errorf("%w: %d", delivery.ErrUnknownOverflowPolicy, c.Overflow)
	}
	return nil
}

// WithQueueCapacity sets the per-subscription queue bound
func (c *Config) WithQueueCapacity(capacity int) *Config {
	c.QueueCapacity = capacity
	return c
}

// WithOverflow sets the default overflow policy
func (c *Config) WithOverflow(policy delivery.OverflowPolicy) *Config {
	c.Overflow = policy
	return c
}

// WithMessageTTL sets the default message TTL
func (c *Config) WithMessageTTL(ttl time.Duration) *Config {
	c.MessageTTL = ttl
	return c
}

// WithObserver sets an additional delivery observer
func (c *Config) WithObserver(observer delivery.Observer) *Config {
	c.Observer = observer
	return c
}

// WithRegisterer sets the Prometheus registerer for relay metrics
func (c *Config) WithRegisterer(registerer prometheus.Registerer) *Config {
	c.Registerer = registerer
	return c
}
