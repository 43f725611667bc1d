// Package config loads the daemon configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/topicrelay-go/internal/amqpbridge"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/federation"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/httpapi"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/peerlink"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/relay"
)

// Config represents the daemon configuration.
type Config struct {
	LogLevel string         `yaml:"logLevel"`
	Relay    relay.Config   `yaml:"relay"`
	HTTP     httpapi.Config `yaml:"http"`
	PeerLink PeerLinkConfig `yaml:"peerlink"`
	AMQP     AMQPConfig     `yaml:"amqp"`

	// Upstream relays to follow; none disables federation
	Upstream federation.Config `yaml:"upstream"`
}

// PeerLinkConfig enables the gRPC peer link server.
type PeerLinkConfig struct {
	Enabled         bool `yaml:"enabled"`
	peerlink.Config `yaml:",inline"`
}

// AMQPConfig enables the RabbitMQ bridge.
type AMQPConfig struct {
	Enabled           bool `yaml:"enabled"`
	amqpbridge.Config `yaml:",inline"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		LogLevel: "info",
		Relay:    *relay.NewConfig("relay-1"),
		PeerLink: PeerLinkConfig{Enabled: true},
	}
	cfg.HTTP.SetDefaults()
	cfg.PeerLink.SetDefaults()
	cfg.Upstream.SetDefaults()
	return cfg
}

// Load overlays the YAML file at path on Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Relay.SetDefaults()
	cfg.HTTP.SetDefaults()
	cfg.PeerLink.SetDefaults()
	if cfg.AMQP.Enabled {
		cfg.AMQP.SetDefaults()
	}
	cfg.Upstream.SetDefaults()
	return cfg, cfg.Validate()
}

// Validate checks every enabled section.
func (c *Config) Validate() error {
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if c.PeerLink.Enabled {
		if err := c.PeerLink.Validate(); err != nil {
			return fmt.Errorf("peerlink: %w", err)
		}
	}
	if c.AMQP.Enabled {
		if err := c.AMQP.Validate(); err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
	}
	if len(c.Upstream.Peers) > 0 {
		if err := c.Upstream.Validate(); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}
	return nil
}
