package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE reads frames until one with a data line, skipping comments
func readSSE(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()

	var ev sseEvent
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "":
			if ev.Data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (s *testSetup) openSSE(t *testing.T, ctx context.Context, query, token string) (*http.Response, *bufio.Reader) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.HTTP.URL+"/api/v1/events/stream?"+query, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func (s *testSetup) subscriptionCount(t *testing.T) int {
	t.Helper()
	subs, err := s.Relay.Subscriptions(context.Background())
	require.NoError(t, err)
	return len(subs)
}

func TestStreamEvents_DeliversMatchingMessages(t *testing.T) {
	setup := newTestSetup(t)
	token := setup.token(t, "streamer", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, reader := setup.openSSE(t, ctx, "pattern="+url.QueryEscape("orders.#"), token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	subID := resp.Header.Get("X-Subscription-Id")
	require.NotEmpty(t, subID)

	opened := readSSE(t, reader)
	assert.Equal(t, "subscribed", opened.Event)
	var openedMsg StreamOpenedMessage
	require.NoError(t, json.Unmarshal([]byte(opened.Data), &openedMsg))
	assert.Equal(t, subID, openedMsg.SubscriptionID)
	assert.Equal(t, "topic(orders.#)", openedMsg.Binding)

	sub, ok := setup.Relay.Subscription(ctx, subID)
	require.True(t, ok)
	assert.Equal(t, "streamer", sub.Owner)

	matched, err := setup.Relay.Publish(ctx, "orders.eu.created", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	_, err = setup.Relay.Publish(ctx, "invoices.paid", []byte(`{"id":2}`))
	require.NoError(t, err)
	_, err = setup.Relay.Publish(ctx, "orders", []byte("plain text"))
	require.NoError(t, err)

	first := readSSE(t, reader)
	assert.Equal(t, "message", first.Event)
	var msg EventStreamMessage
	require.NoError(t, json.Unmarshal([]byte(first.Data), &msg))
	assert.Equal(t, first.ID, msg.MessageID)
	assert.Equal(t, subID, msg.SubscriptionID)
	assert.Equal(t, "orders.eu.created", msg.RoutingKey)
	assert.JSONEq(t, `{"id":1}`, string(msg.Payload))

	// Non-JSON payloads arrive as JSON strings
	second := readSSE(t, reader)
	require.NoError(t, json.Unmarshal([]byte(second.Data), &msg))
	assert.Equal(t, "orders", msg.RoutingKey)
	assert.Equal(t, `"plain text"`, string(msg.Payload))

	cancel()
	assert.Eventually(t, func() bool { return setup.subscriptionCount(t) == 0 },
		2*time.Second, 10*time.Millisecond, "stream subscription should be removed on disconnect")
}

func TestStreamEvents_HeadersBinding(t *testing.T) {
	setup := newTestSetup(t)
	token := setup.token(t, "streamer", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, reader := setup.openSSE(t, ctx, "kind=headers&x-match=any&h.region=eu&h.tier=gold", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readSSE(t, reader)

	sub, ok := setup.Relay.Subscription(ctx, resp.Header.Get("X-Subscription-Id"))
	require.True(t, ok)
	assert.Equal(t, routingtable.Headers, sub.Binding.Kind)
	assert.Equal(t, routingtable.MatchAny, sub.Binding.Match)
	assert.Equal(t, map[string]string{"region": "eu", "tier": "gold"}, sub.Binding.Headers)

	_, err := setup.Relay.PublishMessage(ctx, message.NewWithHeaders("a.b", []byte("1"), map[string]string{"region": "us"}))
	require.NoError(t, err)
	_, err = setup.Relay.PublishMessage(ctx, message.NewWithHeaders("c.d", []byte("2"), map[string]string{"tier": "gold"}))
	require.NoError(t, err)

	ev := readSSE(t, reader)
	var msg EventStreamMessage
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &msg))
	assert.Equal(t, "c.d", msg.RoutingKey)
	assert.Equal(t, "gold", msg.Headers["tier"])
}

func TestStreamEvents_Errors(t *testing.T) {
	setup := newTestSetup(t)
	token := setup.token(t, "streamer", false)

	t.Run("invalid pattern", func(t *testing.T) {
		resp, _ := setup.openSSE(t, context.Background(), "pattern="+url.QueryEscape("a..b"), token)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("direct binding rejects wildcards", func(t *testing.T) {
		resp, _ := setup.openSSE(t, context.Background(), "kind=direct&pattern="+url.QueryEscape("a.*"), token)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown overflow policy", func(t *testing.T) {
		resp, _ := setup.openSSE(t, context.Background(), "overflow=explode", token)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing token", func(t *testing.T) {
		resp, _ := setup.openSSE(t, context.Background(), "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	assert.Equal(t, 0, setup.subscriptionCount(t))
}

func TestServeWS_DeliversMatchingMessages(t *testing.T) {
	setup := newTestSetup(t)
	token := setup.token(t, "ws-client", false)

	wsURL := "ws" + strings.TrimPrefix(setup.HTTP.URL, "http") +
		"/api/v1/ws?pattern=" + url.QueryEscape("sensors.*.temp") + "&token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var opened StreamOpenedMessage
	require.NoError(t, conn.ReadJSON(&opened))
	require.NotEmpty(t, opened.SubscriptionID)

	ctx := context.Background()
	_, err = setup.Relay.Publish(ctx, "sensors.kitchen.humidity", []byte("55"))
	require.NoError(t, err)
	matched, err := setup.Relay.Publish(ctx, "sensors.kitchen.temp", []byte("21.5"))
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	var msg EventStreamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, opened.SubscriptionID, msg.SubscriptionID)
	assert.Equal(t, "sensors.kitchen.temp", msg.RoutingKey)
	assert.Equal(t, "21.5", string(msg.Payload))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return setup.subscriptionCount(t) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServeWS_RejectsBeforeUpgrade(t *testing.T) {
	setup := newTestSetup(t)
	token := setup.token(t, "ws-client", false)

	wsURL := "ws" + strings.TrimPrefix(setup.HTTP.URL, "http") + "/api/v1/ws?kind=bogus&token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(setup.HTTP.URL, "http")+"/api/v1/ws", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestParseStreamQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    routingtable.Binding
		wantErr bool
	}{
		{name: "defaults to everything", query: "", want: routingtable.TopicBinding("#")},
		{name: "explicit empty pattern", query: "pattern=", want: routingtable.TopicBinding("")},
		{name: "topic", query: "pattern=a.*.c", want: routingtable.TopicBinding("a.*.c")},
		{name: "direct", query: "kind=direct&pattern=a.b", want: routingtable.DirectBinding("a.b")},
		{name: "fanout", query: "kind=fanout&pattern=ignored", want: routingtable.Binding{Kind: routingtable.Fanout}},
		{name: "unknown kind", query: "kind=bogus", wantErr: true},
		{name: "unknown x-match", query: "kind=headers&x-match=some", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			binding, _, err := parseStreamQuery(values)
			if tt.wantErr {
				assert.ErrorIs(t, err, routingtable.ErrInvalidPattern)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, binding)
		})
	}

	t.Run("queue options", func(t *testing.T) {
		values, err := url.ParseQuery("overflow=block&capacity=16&ttl=30s")
		require.NoError(t, err)

		_, opts, err := parseStreamQuery(values)
		require.NoError(t, err)
		require.NotNil(t, opts.Overflow)
		assert.Equal(t, delivery.BlockUntilSpace, *opts.Overflow)
		assert.Equal(t, 16, opts.QueueCapacity)
		assert.Equal(t, 30*time.Second, opts.MessageTTL)
	})

	t.Run("negative capacity", func(t *testing.T) {
		values, err := url.ParseQuery("capacity=-1")
		require.NoError(t, err)
		_, _, err = parseStreamQuery(values)
		assert.Error(t, err)
	})

	t.Run("bad ttl", func(t *testing.T) {
		values, err := url.ParseQuery("ttl=soon")
		require.NoError(t, err)
		_, _, err = parseStreamQuery(values)
		assert.Error(t, err)
	})
}

func TestStreamEvents_QueueCapacityBounds(t *testing.T) {
	setup := newTestSetup(t, func(c *Config) { c.MaxQueueCapacity = 8 })
	token := setup.token(t, "streamer", false)

	resp := setup.do(t, http.MethodGet, "/api/v1/events/stream?capacity=-1", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, setup.subscriptionCount(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, reader := setup.openSSE(t, ctx, "capacity=1000000", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readSSE(t, reader)

	sub, ok := setup.Relay.Subscription(ctx, resp.Header.Get("X-Subscription-Id"))
	require.True(t, ok)
	assert.Equal(t, 8, sub.QueueCapacity)
}

func TestStreamSink_ClosedStreamIsNotAFailure(t *testing.T) {
	done := make(chan struct{})
	sink := newStreamSink(done)
	close(done)

	assert.NoError(t, sink.HandleMessage(message.New("orders.created", nil)))
}
