package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmacdonaldsmith/topicrelay-go/internal/auth"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/relay"
)

// Server represents the HTTP API server
type Server struct {
	relay      relay.Relay
	config     Config
	jwtAuth    *auth.JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
}

// NewServer creates a new HTTP API server in front of r
func NewServer(r relay.Relay, config Config) (*Server, error) {
	if r == nil {
		return nil, errors.New("relay cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http config: %w", err)
	}

	jwtAuth := auth.NewJWTAuth(config.SecretKey).WithTokenTTL(config.TokenTTL)

	s := &Server{
		relay:      r,
		config:     config,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(r, jwtAuth, config),
		middleware: NewMiddleware(jwtAuth, config.NoAuth, config.PublishRate, config.PublishBurst),
	}

	// WriteTimeout stays zero: streams hold their response open
	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	if config.NoAuth {
		log.Warnw("authentication disabled, all requests run as " + DevClientID)
	}
	return s, nil
}

// Handler returns the routed handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Auth returns the token issuer used by the server
func (s *Server) Auth() *auth.JWTAuth {
	return s.jwtAuth
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	log.Infow("http api listening", "addr", s.config.Addr)
	return s.server.ListenAndServe()
}

// Serve serves on an existing listener until Stop
func (s *Server) Serve(l net.Listener) error {
	log.Infow("http api listening", "addr", l.Addr().String())
	return s.server.Serve(l)
}

// Stop gracefully stops the HTTP server. Open streams end when their request
// contexts are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	defer s.middleware.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		// Streams never go idle; force them closed
		_ = s.server.Close()
		return err
	}
	return nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Not found", http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	m := s.middleware
	h := s.handlers
	api := router.PathPrefix("/api/v1").Subrouter()

	// Authentication endpoints (no auth required)
	api.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)

	// Publishing and streaming (auth required)
	api.HandleFunc("/publish", m.AuthRequired(m.RateLimit(h.Publish))).Methods(http.MethodPost)
	api.HandleFunc("/events/stream", m.AuthRequired(h.StreamEvents)).Methods(http.MethodGet)
	api.HandleFunc("/ws", m.AuthRequired(h.ServeWS)).Methods(http.MethodGet)

	// Subscription endpoints (auth required)
	api.HandleFunc("/subscriptions", m.AuthRequired(h.ListSubscriptions)).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}", m.AuthRequired(h.DeleteSubscription)).Methods(http.MethodDelete)

	// Admin endpoints (admin auth required)
	api.HandleFunc("/admin/subscriptions", m.AdminRequired(h.AdminListSubscriptions)).Methods(http.MethodGet)
	api.HandleFunc("/admin/stats", m.AdminRequired(h.AdminGetStats)).Methods(http.MethodGet)

	// Health endpoint (no auth required)
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	if s.config.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)

	// Global middleware wraps the router so preflight requests never reach routing
	return m.Recovery(m.Logging(m.CORS(m.ContentType(router.ServeHTTP))))
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"service":     "topicrelay HTTP API",
		"version":     "1.0.0",
		"description": "Topic-based publish/subscribe relay",
		"nodeId":      s.relay.NodeID(),
		"endpoints": map[string]interface{}{
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"messages": map[string]string{
				"publish":   "POST /api/v1/publish",
				"stream":    "GET /api/v1/events/stream?pattern={pattern}&kind={kind}",
				"websocket": "GET /api/v1/ws?pattern={pattern}&kind={kind}",
			},
			"subscriptions": map[string]string{
				"list":   "GET /api/v1/subscriptions",
				"delete": "DELETE /api/v1/subscriptions/{id}",
			},
			"admin": map[string]string{
				"subscriptions": "GET /api/v1/admin/subscriptions",
				"stats":         "GET /api/v1/admin/stats",
			},
			"health":  "GET /api/v1/health",
			"metrics": "GET /metrics",
		},
		"authentication": "Bearer JWT token required for most endpoints",
	}

	writeJSON(w, info, http.StatusOK)
}
