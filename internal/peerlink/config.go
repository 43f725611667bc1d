package peerlink

import (
	"errors"
	"time"
)

var (
	// ErrEmptyListenAddress is returned when the server has nowhere to listen
	ErrEmptyListenAddress = errors.New("listen address cannot be empty")
	// ErrAuthWithoutKey is returned when authentication is required but no key is set
	ErrAuthWithoutKey = errors.New("authentication requires a secret key")
)

// Config holds configuration for the gRPC peer link server
type Config struct {
	// ListenAddress is the gRPC listen address, e.g. ":9090"
	ListenAddress string `yaml:"listenAddress"`

	// RequireAuth rejects calls without a valid bearer token
	RequireAuth bool `yaml:"requireAuth"`

	// SecretKey verifies bearer tokens when RequireAuth is set
	SecretKey string `yaml:"secretKey"`

	// SendQueueSize is the default queue capacity of streamed subscriptions
	SendQueueSize int `yaml:"sendQueueSize"`

	// MaxQueueCapacity caps the queue capacity a remote subscriber may request
	MaxQueueCapacity int `yaml:"maxQueueCapacity"`

	// HeartbeatInterval is the keepalive ping period for idle connections
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// MaxMessageSize bounds received messages in bytes
	MaxMessageSize int `yaml:"maxMessageSize"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return ErrEmptyListenAddress
	}
	if c.RequireAuth && c.SecretKey == "" {
		return ErrAuthWithoutKey
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":9090"
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.MaxQueueCapacity <= 0 {
		c.MaxQueueCapacity = 10000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 * 1024 * 1024 // 4MB
	}
}
