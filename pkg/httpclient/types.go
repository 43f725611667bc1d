package httpclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the relay HTTP API (e.g., "http://localhost:8081")
	ServerURL string

	// ClientID is the identifier for this client
	ClientID string

	// Token is a previously issued bearer token (optional - Authenticate obtains one)
	Token string

	// Timeout for HTTP requests (not applied to streams)
	Timeout time.Duration

	// MaxRetries for idempotent requests that fail with a network error or 5xx
	MaxRetries int

	// RetryInterval is the initial backoff between retries
	RetryInterval time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *APIError) Error() string {
	if e.Response.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Response.Message)
	}
	return fmt.Sprintf("API error (%d)", e.StatusCode)
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PublishRequest represents a message publishing request
type PublishRequest struct {
	RoutingKey string            `json:"routingKey"`
	Payload    interface{}       `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// PublishResponse represents a message publishing response
type PublishResponse struct {
	MessageID string    `json:"messageId"`
	Matched   int       `json:"matched"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryStats are one subscription's delivery counters
type DeliveryStats struct {
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Expired   uint64 `json:"expired"`
}

// SubscriptionResponse represents a subscription
type SubscriptionResponse struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Pattern       string            `json:"pattern,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Match         string            `json:"match,omitempty"`
	ClientID      string            `json:"clientId"`
	CreatedAt     time.Time         `json:"createdAt"`
	QueueCapacity int               `json:"queueCapacity"`
	Overflow      string            `json:"overflow"`
	MessageTTL    string            `json:"messageTtl,omitempty"`
	State         string            `json:"state"`
	Stats         DeliveryStats     `json:"stats"`
}

// SubscriptionsListResponse represents a list of subscriptions
type SubscriptionsListResponse struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

// AdminStatsResponse represents relay statistics
type AdminStatsResponse struct {
	NodeID        string        `json:"nodeId"`
	ActiveStreams int64         `json:"activeStreams"`
	Published     uint64        `json:"published"`
	Matched       uint64        `json:"matched"`
	Unrouted      uint64        `json:"unrouted"`
	Rejected      uint64        `json:"rejected"`
	Subscriptions int           `json:"subscriptions"`
	Delivery      DeliveryStats `json:"delivery"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	NodeID        string `json:"nodeId"`
	Subscriptions int    `json:"subscriptions"`
	Uptime        string `json:"uptime,omitempty"`
	Message       string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// EventStreamMessage is one message delivered on a stream
type EventStreamMessage struct {
	MessageID      string            `json:"messageId"`
	SubscriptionID string            `json:"subscriptionId"`
	RoutingKey     string            `json:"routingKey"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// StreamOpenedMessage is the first frame of a stream
type StreamOpenedMessage struct {
	SubscriptionID string `json:"subscriptionId"`
	Binding        string `json:"binding"`
}
