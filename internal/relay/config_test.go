package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
)

// TestConfig_NewConfig tests creating new configuration with defaults
func TestConfig_NewConfig(t *testing.T) {
	config := NewConfig("relay-1")

	if config.NodeID != "relay-1" {
		t.Errorf("Expected NodeID 'relay-1', got '%s'", config.NodeID)
	}
	if config.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("Expected QueueCapacity %d, got %d", DefaultQueueCapacity, config.QueueCapacity)
	}
	if config.Overflow != delivery.DropOldest {
		t.Errorf("Expected default overflow drop-oldest, got %s", config.Overflow)
	}
	if config.MessageTTL != 0 {
		t.Errorf("Expected MessageTTL disabled by default, got %v", config.MessageTTL)
	}
}

// TestConfig_Validate tests configuration validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    *Config
		wantError bool
		errorType error
	}{
		{
			name:      "valid config",
			config:    NewConfig("relay-1"),
			wantError: false,
		},
		{
			name:      "empty node ID",
			config:    NewConfig(""),
			wantError: true,
			errorType: ErrEmptyNodeID,
		},
		{
			name:      "negative TTL",
			config:    NewConfig("relay-1").WithMessageTTL(-time.Second),
			wantError: true,
			errorType: ErrNegativeTTL,
		},
		{
			name:      "unknown overflow policy",
			config:    NewConfig("relay-1").WithOverflow(delivery.OverflowPolicy(42)),
			wantError: true,
			errorType: delivery.ErrUnknownOverflowPolicy,
		},
		{
			name:      "unbounded queues",
			config:    NewConfig("relay-1").WithQueueCapacity(-1),
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError {
				if err == nil {
					t.Errorf("Expected error for %s, got nil", tt.name)
				}
				if tt.errorType != nil && !errors.Is(err, tt.errorType) {
					t.Errorf("Expected error %v, got %v", tt.errorType, err)
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error for %s, got %v", tt.name, err)
				}
			}
		})
	}
}

// TestConfig_WithMethods tests the fluent configuration methods
func TestConfig_WithMethods(t *testing.T) {
	registry := prometheus.NewRegistry()
	observer := delivery.NopObserver{}

	config := NewConfig("relay-1").
		WithQueueCapacity(16).
		WithOverflow(delivery.BlockUntilSpace).
		WithMessageTTL(30 * time.Second).
		WithObserver(observer).
		WithRegisterer(registry)

	if config.QueueCapacity != 16 {
		t.Errorf("Expected QueueCapacity 16, got %d", config.QueueCapacity)
	}
	if config.Overflow != delivery.BlockUntilSpace {
		t.Errorf("Expected overflow block, got %s", config.Overflow)
	}
	if config.MessageTTL != 30*time.Second {
		t.Errorf("Expected MessageTTL 30s, got %v", config.MessageTTL)
	}
	if config.Observer == nil {
		t.Error("Expected observer to be set")
	}
	if config.Registerer != registry {
		t.Error("Expected registerer to be set")
	}
}
