package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/rmacdonaldsmith/topicrelay-go/internal/auth"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/relay"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	relay   relay.Relay
	jwtAuth *auth.JWTAuth
	config  Config

	activeStreams atomic.Int64
}

// NewHandlers creates a new handlers instance
func NewHandlers(r relay.Relay, jwtAuth *auth.JWTAuth, config Config) *Handlers {
	return &Handlers{
		relay:   r,
		jwtAuth: jwtAuth,
		config:  config,
	}
}

// Auth endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req AuthRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := validateAuthRequest(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Client IDs are trusted; only the configured admin ID gets the admin claim
	isAdmin := req.ClientID == h.config.AdminClientID

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, isAdmin)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  req.ClientID,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Publish endpoints

// Publish handles POST /api/v1/publish
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req PublishRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg := message.NewWithHeaders(req.RoutingKey, req.Payload, req.Headers)
	matched, err := h.relay.PublishMessage(r.Context(), msg)
	if err != nil {
		writeRelayError(w, "Failed to publish", err)
		return
	}

	log.Debugw("published", "client", GetClientID(r), "routingKey", msg.RoutingKey, "matched", matched)
	writeJSON(w, PublishResponse{
		MessageID: msg.ID,
		Matched:   matched,
		Timestamp: msg.EnqueuedAt,
	}, http.StatusCreated)
}

// Subscription endpoints

// ListSubscriptions handles GET /api/v1/subscriptions
func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.relay.Subscriptions(r.Context())
	if err != nil {
		writeRelayError(w, "Failed to list subscriptions", err)
		return
	}

	clientID := GetClientID(r)
	resp := SubscriptionsListResponse{Subscriptions: []SubscriptionResponse{}}
	for _, sub := range subs {
		if sub.Owner == clientID {
			resp.Subscriptions = append(resp.Subscriptions, newSubscriptionResponse(sub))
		}
	}

	writeJSON(w, resp, http.StatusOK)
}

// DeleteSubscription handles DELETE /api/v1/subscriptions/{id}.
// Clients may delete their own subscriptions; admins may delete any.
func (h *Handlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, "Subscription ID required", http.StatusBadRequest)
		return
	}

	sub, ok := h.relay.Subscription(r.Context(), id)
	if !ok {
		writeError(w, fmt.Sprintf("Subscription %s not found", id), http.StatusNotFound)
		return
	}
	if sub.Owner != GetClientID(r) && !IsAdmin(r) {
		writeError(w, "Subscription belongs to another client", http.StatusForbidden)
		return
	}

	if err := h.relay.Unsubscribe(r.Context(), id); err != nil {
		writeRelayError(w, "Failed to unsubscribe", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Admin endpoints

// AdminListSubscriptions handles GET /api/v1/admin/subscriptions
func (h *Handlers) AdminListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.relay.Subscriptions(r.Context())
	if err != nil {
		writeRelayError(w, "Failed to list subscriptions", err)
		return
	}

	resp := SubscriptionsListResponse{Subscriptions: make([]SubscriptionResponse, 0, len(subs))}
	for _, sub := range subs {
		resp.Subscriptions = append(resp.Subscriptions, newSubscriptionResponse(sub))
	}
	writeJSON(w, resp, http.StatusOK)
}

// AdminGetStats handles GET /api/v1/admin/stats
func (h *Handlers) AdminGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.relay.Stats(r.Context())
	if err != nil {
		writeRelayError(w, "Failed to get stats", err)
		return
	}

	writeJSON(w, AdminStatsResponse{
		NodeID:        h.relay.NodeID(),
		ActiveStreams: h.activeStreams.Load(),
		Stats:         stats,
	}, http.StatusOK)
}

// Health endpoint

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.relay.Health(r.Context())
	if err != nil {
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	resp := HealthResponse{
		Healthy:       health.Healthy,
		NodeID:        health.NodeID,
		Subscriptions: health.Subscriptions,
		Message:       health.Message,
	}
	if health.Uptime > 0 {
		resp.Uptime = health.Uptime.Round(time.Second).String()
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, resp, statusCode)
}

// Helper methods

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	return json.NewDecoder(body).Decode(v)
}

// writeRelayError maps relay errors onto HTTP status codes
func writeRelayError(w http.ResponseWriter, prefix string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, routingtable.ErrInvalidRoutingKey),
		errors.Is(err, routingtable.ErrInvalidPattern),
		errors.Is(err, routingtable.ErrNilHandler),
		errors.Is(err, relay.ErrNilMessage),
		errors.Is(err, delivery.ErrUnknownOverflowPolicy):
		status = http.StatusBadRequest
	case errors.Is(err, relay.ErrRelayClosed),
		errors.Is(err, relay.ErrRelayNotStarted),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	writeError(w, fmt.Sprintf("%s: %v", prefix, err), status)
}

// validateJSON validates that the request has a JSON content-type
func validateJSON(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

// validateAuthRequest validates authentication request fields
func validateAuthRequest(req *AuthRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if len(req.ClientID) < 2 {
		return fmt.Errorf("clientId must be at least 2 characters")
	}
	return nil
}
