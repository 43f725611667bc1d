package httpapi

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultSecretKey signs tokens when no key is configured. Development only.
const DefaultSecretKey = "topicrelay-dev-secret-key-change-in-production"

var (
	// ErrEmptyAddr is returned when the listen address is empty
	ErrEmptyAddr = errors.New("listen address cannot be empty")
	// ErrInvalidRateLimit is returned for a negative publish rate or burst
	ErrInvalidRateLimit = errors.New("publish rate limit cannot be negative")
	// ErrNegativeDuration is returned for a negative keepalive interval
	ErrNegativeDuration = errors.New("keepalive interval cannot be negative")
	// ErrNegativeCapacity is returned for a negative stream queue bound
	ErrNegativeCapacity = errors.New("max queue capacity cannot be negative")
)

// DefaultMaxQueueCapacity caps the queue bound a stream may request
const DefaultMaxQueueCapacity = 10000

// Config holds server configuration
type Config struct {
	// Addr is the listen address, e.g. ":8081"
	Addr string `yaml:"addr"`

	// SecretKey signs and verifies JWT bearer tokens
	SecretKey string `yaml:"secretKey"`

	// TokenTTL is the lifetime of issued tokens
	TokenTTL time.Duration `yaml:"tokenTTL"`

	// AdminClientID is the client ID that receives the admin claim at login
	AdminClientID string `yaml:"adminClientId"`

	// NoAuth bypasses authentication for non-admin endpoints (development mode)
	NoAuth bool `yaml:"noAuth"`

	// PublishRate is the sustained publishes per second allowed per client (0 disables)
	PublishRate float64 `yaml:"publishRate"`

	// PublishBurst is the publish burst allowed per client
	PublishBurst int `yaml:"publishBurst"`

	// KeepaliveInterval is the SSE comment / WebSocket ping period
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval"`

	// MaxQueueCapacity caps the capacity query parameter of streams
	MaxQueueCapacity int `yaml:"maxQueueCapacity"`

	// MaxBodyBytes bounds request bodies
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`

	// Gatherer backs GET /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer `yaml:"-"`
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8081"
	}
	if c.SecretKey == "" {
		c.SecretKey = DefaultSecretKey
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.AdminClientID == "" {
		c.AdminClientID = "admin"
	}
	if c.PublishRate > 0 && c.PublishBurst == 0 {
		c.PublishBurst = int(c.PublishRate) + 1
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.MaxQueueCapacity == 0 {
		c.MaxQueueCapacity = DefaultMaxQueueCapacity
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Addr == "" {
		return ErrEmptyAddr
	}
	if c.PublishRate < 0 || c.PublishBurst < 0 {
		return ErrInvalidRateLimit
	}
	if c.KeepaliveInterval < 0 {
		return ErrNegativeDuration
	}
	if c.MaxQueueCapacity < 0 {
		return ErrNegativeCapacity
	}
	return nil
}
