package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotAuthenticated is returned by calls that need a token before one is set
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// Client provides HTTP client for the relay API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new relay HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	// Validate required config
	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	// Parse base URL
	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	client := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
		token:      config.Token,
	}

	return client, nil
}

// Authenticate authenticates with the relay and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	authReq := map[string]string{
		"clientId": c.config.ClientID,
	}

	var authResp AuthResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", authReq, &authResp, false)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.token = authResp.Token
	return nil
}

// Publish publishes a payload under a routing key. The payload is sent as JSON.
func (c *Client) Publish(ctx context.Context, routingKey string, payload interface{}) (*PublishResponse, error) {
	return c.PublishWithHeaders(ctx, routingKey, payload, nil)
}

// PublishWithHeaders publishes a payload with message headers
func (c *Client) PublishWithHeaders(ctx context.Context, routingKey string, payload interface{}, headers map[string]string) (*PublishResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	req := PublishRequest{
		RoutingKey: routingKey,
		Payload:    payload,
		Headers:    headers,
	}

	var resp PublishResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/publish", req, &resp, true)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	return &resp, nil
}

// ListSubscriptions returns all subscriptions owned by this client
func (c *Client) ListSubscriptions(ctx context.Context) ([]SubscriptionResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp SubscriptionsListResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/subscriptions", nil, &resp, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	return resp.Subscriptions, nil
}

// DeleteSubscription removes a subscription by ID
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if c.token == "" {
		return ErrNotAuthenticated
	}

	path := fmt.Sprintf("/api/v1/subscriptions/%s", url.PathEscape(subscriptionID))
	err := c.doRequest(ctx, http.MethodDelete, path, nil, nil, true)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	return nil
}

// GetHealth returns the health status of the relay. An unhealthy relay answers
// 503 with a body; that body is returned together with the error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, false)
	if err != nil {
		return &resp, fmt.Errorf("failed to get health status: %w", err)
	}

	return &resp, nil
}

// Admin Methods (require admin token)

// AdminListSubscriptions returns all subscriptions (admin only)
func (c *Client) AdminListSubscriptions(ctx context.Context) ([]SubscriptionResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp SubscriptionsListResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/subscriptions", nil, &resp, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list all subscriptions: %w", err)
	}

	return resp.Subscriptions, nil
}

// AdminGetStats returns relay statistics (admin only)
func (c *Client) AdminGetStats(ctx context.Context) (*AdminStatsResponse, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp AdminStatsResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/stats", nil, &resp, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return &resp, nil
}

// doRequest performs an HTTP request with optional authentication. GET and
// DELETE are retried with exponential backoff on network errors and 5xx.
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	var body []byte
	if reqBody != nil {
		var err error
		if body, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	operation := func() error {
		err := c.do(ctx, method, path, body, respBody, requireAuth)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	if method != http.MethodGet && method != http.MethodDelete {
		return c.do(ctx, method, path, body, respBody, requireAuth)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.RetryInterval
	retries := uint64(0)
	if c.config.MaxRetries > 0 {
		retries = uint64(c.config.MaxRetries)
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, respBody interface{}, requireAuth bool) error {
	fullURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &apiErr.Response); err != nil {
			apiErr.Response.Message = string(bodyBytes)
		}
		// Some endpoints (health) describe the failure in their regular body
		if respBody != nil {
			_ = json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}

// StatusCode returns the HTTP status of an API error, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
