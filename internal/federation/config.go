package federation

import (
	"errors"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

// ErrNegativeCapacity is returned for a negative upstream queue capacity
var ErrNegativeCapacity = errors.New("upstream queue capacity cannot be negative")

// Config selects the upstream relays to follow and what to pull from them
type Config struct {
	// Peers are seeds of the form "address" or "id=address"
	Peers []string `yaml:"peers"`

	// Pattern is the topic binding subscribed on every upstream
	Pattern string `yaml:"pattern"`

	// Token authenticates against upstreams that require it
	Token string `yaml:"token"`

	// QueueCapacity bounds the upstream-side queue (0 uses the upstream default)
	QueueCapacity int `yaml:"queueCapacity"`

	// InitialBackoff and MaxBackoff bound the reconnect delay
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.Pattern == "" {
		c.Pattern = routingtable.MultiWildcard
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if _, err := routingtable.ParsePattern(c.Pattern); err != nil {
		return fmt.Errorf("upstream pattern: %w", err)
	}
	if c.QueueCapacity < 0 {
		return ErrNegativeCapacity
	}
	return nil
}
