package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StreamClient handles Server-Sent Events streaming
type StreamClient struct {
	client *Client
	events chan EventStreamMessage
	errors chan error
	done   chan struct{}
	cancel context.CancelFunc

	mu             sync.RWMutex
	subscriptionID string
}

// StreamConfig configures the streaming client. Each connection creates a
// fresh subscription on the relay that lives as long as the connection.
type StreamConfig struct {
	// Kind is the exchange kind: topic (default), direct, fanout or headers
	Kind string

	// Pattern is the binding pattern for topic and direct kinds
	Pattern string

	// Headers and Match configure a headers binding
	Headers map[string]string
	Match   string

	// Overflow policy and queue capacity for the server-side subscription
	Overflow string
	Capacity int

	// TTL drops messages that wait longer than this in the server queue
	TTL time.Duration

	// BufferSize for the event channel
	BufferSize int

	// ReconnectDelay for automatic reconnection
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
}

func (sc StreamConfig) query() url.Values {
	values := url.Values{}
	if sc.Kind != "" {
		values.Set("kind", sc.Kind)
	}
	if sc.Pattern != "" {
		values.Set("pattern", sc.Pattern)
	}
	if sc.Match != "" {
		values.Set("x-match", sc.Match)
	}
	for k, v := range sc.Headers {
		values.Set("h."+k, v)
	}
	if sc.Overflow != "" {
		values.Set("overflow", sc.Overflow)
	}
	if sc.Capacity > 0 {
		values.Set("capacity", strconv.Itoa(sc.Capacity))
	}
	if sc.TTL > 0 {
		values.Set("ttl", sc.TTL.String())
	}
	return values
}

// Stream opens an SSE stream and delivers matching messages on Events().
// The connection is re-established after failures until ctx ends, Close is
// called, or MaxReconnectAttempts is exceeded.
func (c *Client) Stream(ctx context.Context, config StreamConfig) (*StreamClient, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	config.SetDefaults()

	streamCtx, cancel := context.WithCancel(ctx)

	streamClient := &StreamClient{
		client: c,
		events: make(chan EventStreamMessage, config.BufferSize),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go streamClient.startStreaming(streamCtx, config)

	return streamClient, nil
}

// Events returns the channel for receiving events
func (sc *StreamClient) Events() <-chan EventStreamMessage {
	return sc.events
}

// Errors returns the channel for receiving errors
func (sc *StreamClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when streaming ends
func (sc *StreamClient) Done() <-chan struct{} {
	return sc.done
}

// SubscriptionID returns the relay subscription of the current connection,
// or "" before the first connection is established.
func (sc *StreamClient) SubscriptionID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.subscriptionID
}

// Close stops the streaming client and waits for it to finish
func (sc *StreamClient) Close() error {
	sc.cancel()
	<-sc.done
	return nil
}

func (sc *StreamClient) startStreaming(ctx context.Context, config StreamConfig) {
	defer close(sc.done)
	defer close(sc.events)
	defer close(sc.errors)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := sc.connectAndStream(ctx, config)
		if err != nil && ctx.Err() == nil {
			sc.reportError(fmt.Errorf("streaming error: %w", err))
		}

		if config.MaxReconnectAttempts > 0 && attempts >= config.MaxReconnectAttempts {
			sc.reportError(fmt.Errorf("max reconnect attempts (%d) exceeded", config.MaxReconnectAttempts))
			return
		}

		attempts++

		select {
		case <-time.After(config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// reportError never blocks; errors are dropped when nobody reads them
func (sc *StreamClient) reportError(err error) {
	select {
	case sc.errors <- err:
	default:
	}
}

func (sc *StreamClient) connectAndStream(ctx context.Context, config StreamConfig) error {
	streamURL := sc.client.baseURL.ResolveReference(&url.URL{Path: "/api/v1/events/stream"})
	streamURL.RawQuery = config.query().Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create streaming request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+sc.client.token)

	// Streams outlive the request timeout of the regular client
	httpClient := &http.Client{Transport: sc.client.httpClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &apiErr.Response); err != nil {
			apiErr.Response.Message = string(bodyBytes)
		}
		return apiErr
	}

	if id := resp.Header.Get("X-Subscription-Id"); id != "" {
		sc.setSubscriptionID(id)
	}

	return sc.processSSEStream(ctx, resp.Body)
}

func (sc *StreamClient) setSubscriptionID(id string) {
	sc.mu.Lock()
	sc.subscriptionID = id
	sc.mu.Unlock()
}

// processSSEStream reads frames until the body ends. A frame is a run of
// "field: value" lines terminated by a blank line.
func (sc *StreamClient) processSSEStream(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var event string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				if err := sc.dispatch(ctx, event, data.String()); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}

	return nil
}

func (sc *StreamClient) dispatch(ctx context.Context, event, data string) error {
	if event == "subscribed" {
		var opened StreamOpenedMessage
		if err := json.Unmarshal([]byte(data), &opened); err == nil && opened.SubscriptionID != "" {
			sc.setSubscriptionID(opened.SubscriptionID)
		}
		return nil
	}

	var msg EventStreamMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		sc.reportError(fmt.Errorf("failed to parse event: %w", err))
		return nil
	}

	select {
	case sc.events <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
