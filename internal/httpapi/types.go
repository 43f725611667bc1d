package httpapi

import (
	"encoding/json"
	"time"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/relay"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PublishRequest represents a message publishing request.
// Payload is any JSON value and is routed as its raw JSON bytes.
type PublishRequest struct {
	RoutingKey string            `json:"routingKey"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// PublishResponse represents a message publishing response
type PublishResponse struct {
	MessageID string    `json:"messageId"`
	Matched   int       `json:"matched"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscriptionResponse describes one subscription
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
	Stats         delivery.Stats    `json:"stats"`
}

// SubscriptionsListResponse represents a list of subscriptions
type SubscriptionsListResponse struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

// AdminStatsResponse represents relay statistics
type AdminStatsResponse struct {
	NodeID        string `json:"nodeId"`
	ActiveStreams int64  `json:"activeStreams"`
	relay.Stats
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

// EventStreamMessage is one delivered message on an SSE or WebSocket stream.
// Payloads that are valid JSON are embedded as-is, anything else as a JSON string.
type EventStreamMessage struct {
	MessageID      string            `json:"messageId"`
	SubscriptionID string            `json:"subscriptionId"`
	RoutingKey     string            `json:"routingKey"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// StreamOpenedMessage is the first frame of a stream, carrying the subscription ID
type StreamOpenedMessage struct {
	SubscriptionID string `json:"subscriptionId"`
	Binding        string `json:"binding"`
}

func newSubscriptionResponse(sub routingtable.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:            sub.ID,
		Kind:          sub.Binding.Kind.String(),
		Pattern:       sub.Binding.Pattern,
		Headers:       sub.Binding.Headers,
		ClientID:      sub.Owner,
		CreatedAt:     sub.CreatedAt,
		QueueCapacity: sub.QueueCapacity,
		Overflow:      sub.Overflow.String(),
		State:         sub.State.String(),
		Stats:         sub.Stats,
	}
	if sub.Binding.Kind == routingtable.Headers {
		resp.Match = sub.Binding.Match.String()
	}
	if sub.MessageTTL > 0 {
		resp.MessageTTL = sub.MessageTTL.String()
	}
	return resp
}
