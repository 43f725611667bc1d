package httpapi

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, Config{})
	assert.Error(t, err)

	setup := newTestSetup(t)
	_, err = NewServer(setup.Relay, Config{PublishRate: -1})
	assert.ErrorIs(t, err, ErrInvalidRateLimit)

	_, err = NewServer(setup.Relay, Config{KeepaliveInterval: -time.Second})
	assert.ErrorIs(t, err, ErrNegativeDuration)

	_, err = NewServer(setup.Relay, Config{MaxQueueCapacity: -1})
	assert.ErrorIs(t, err, ErrNegativeCapacity)
}

func TestLogin(t *testing.T) {
	setup := newTestSetup(t)

	t.Run("issues token", func(t *testing.T) {
		resp := setup.do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "alice"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body AuthResponse
		decodeBody(t, resp, &body)
		assert.Equal(t, "alice", body.ClientID)
		assert.NotEmpty(t, body.Token)

		claims, err := setup.Server.Auth().ValidateToken(body.Token)
		require.NoError(t, err)
		assert.False(t, claims.IsAdmin)
	})

	t.Run("admin client gets admin claim", func(t *testing.T) {
		resp := setup.do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "admin"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body AuthResponse
		decodeBody(t, resp, &body)
		claims, err := setup.Server.Auth().ValidateToken(body.Token)
		require.NoError(t, err)
		assert.True(t, claims.IsAdmin)
	})

	t.Run("rejects short client id", func(t *testing.T) {
		resp := setup.do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "a"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects wrong method", func(t *testing.T) {
		resp := setup.do(t, http.MethodGet, "/api/v1/auth/login", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestPublish(t *testing.T) {
	setup := newTestSetup(t)
	token := setup.token(t, "publisher", false)

	received := make(chan *message.Message, 1)
	_, err := setup.Relay.Subscribe(context.Background(), "orders.*", delivery.MessageHandlerFunc(func(msg *message.Message) error {
		received <- msg
		return nil
	}))
	require.NoError(t, err)

	t.Run("routes to matching subscription", func(t *testing.T) {
		resp := setup.do(t, http.MethodPost, "/api/v1/publish", token, PublishRequest{
			RoutingKey: "orders.created",
			Payload:    []byte(`{"id":42}`),
			Headers:    map[string]string{"region": "eu"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var body PublishResponse
		decodeBody(t, resp, &body)
		assert.Equal(t, 1, body.Matched)
		assert.NotEmpty(t, body.MessageID)

		msg := <-received
		assert.Equal(t, "orders.created", msg.RoutingKey)
		assert.JSONEq(t, `{"id":42}`, string(msg.Payload))
		region, ok := msg.Header("region")
		assert.True(t, ok)
		assert.Equal(t, "eu", region)
	})

	t.Run("no match is not an error", func(t *testing.T) {
		resp := setup.do(t, http.MethodPost, "/api/v1/publish", token, PublishRequest{RoutingKey: "invoices.paid"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var body PublishResponse
		decodeBody(t, resp, &body)
		assert.Equal(t, 0, body.Matched)
	})

	t.Run("invalid routing key", func(t *testing.T) {
		for _, key := range []string{"orders..created", "orders.*", "#"} {
			resp := setup.do(t, http.MethodPost, "/api/v1/publish", token, PublishRequest{RoutingKey: key})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, key)
		}
	})

	t.Run("requires token", func(t *testing.T) {
		resp := setup.do(t, http.MethodPost, "/api/v1/publish", "", PublishRequest{RoutingKey: "orders.created"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects invalid token", func(t *testing.T) {
		resp := setup.do(t, http.MethodPost, "/api/v1/publish", "not-a-token", PublishRequest{RoutingKey: "orders.created"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("requires json content type", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, setup.HTTP.URL+"/api/v1/publish", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestPublish_RateLimit(t *testing.T) {
	setup := newTestSetup(t, func(c *Config) {
		c.PublishRate = 1
		c.PublishBurst = 1
	})
	alice := setup.token(t, "alice", false)
	bob := setup.token(t, "bob", false)

	resp := setup.do(t, http.MethodPost, "/api/v1/publish", alice, PublishRequest{RoutingKey: "a.b"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = setup.do(t, http.MethodPost, "/api/v1/publish", alice, PublishRequest{RoutingKey: "a.b"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Limits are per client
	resp = setup.do(t, http.MethodPost, "/api/v1/publish", bob, PublishRequest{RoutingKey: "a.b"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestSubscriptions_ListAndDelete(t *testing.T) {
	setup := newTestSetup(t)
	ctx := context.Background()
	handler := delivery.HandlerFunc(func(string, []byte) error { return nil })

	aliceSub, err := setup.Relay.SubscribeBinding(ctx, routingtable.TopicBinding("orders.#"), handler,
		routingtable.SubscribeOptions{Owner: "alice"})
	require.NoError(t, err)
	bobSub, err := setup.Relay.SubscribeBinding(ctx, routingtable.DirectBinding("invoices.paid"), handler,
		routingtable.SubscribeOptions{Owner: "bob"})
	require.NoError(t, err)

	alice := setup.token(t, "alice", false)
	admin := setup.token(t, "admin", true)

	t.Run("lists only own subscriptions", func(t *testing.T) {
		resp := setup.do(t, http.MethodGet, "/api/v1/subscriptions", alice, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body SubscriptionsListResponse
		decodeBody(t, resp, &body)
		require.Len(t, body.Subscriptions, 1)
		sub := body.Subscriptions[0]
		assert.Equal(t, aliceSub, sub.ID)
		assert.Equal(t, "topic", sub.Kind)
		assert.Equal(t, "orders.#", sub.Pattern)
		assert.Equal(t, "alice", sub.ClientID)
		assert.Equal(t, "drop-oldest", sub.Overflow)
	})

	t.Run("cannot delete another client's subscription", func(t *testing.T) {
		resp := setup.do(t, http.MethodDelete, "/api/v1/subscriptions/"+bobSub, alice, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		resp := setup.do(t, http.MethodDelete, "/api/v1/subscriptions/does-not-exist", alice, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("owner deletes", func(t *testing.T) {
		resp := setup.do(t, http.MethodDelete, "/api/v1/subscriptions/"+aliceSub, alice, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		_, ok := setup.Relay.Subscription(ctx, aliceSub)
		assert.False(t, ok)
	})

	t.Run("admin deletes any", func(t *testing.T) {
		resp := setup.do(t, http.MethodDelete, "/api/v1/subscriptions/"+bobSub, admin, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		count, err := setup.Relay.Subscriptions(ctx)
		require.NoError(t, err)
		assert.Empty(t, count)
	})
}

func TestAdminEndpoints(t *testing.T) {
	setup := newTestSetup(t)
	ctx := context.Background()

	_, err := setup.Relay.SubscribeBinding(ctx, routingtable.HeadersBinding(map[string]string{"type": "audit"}, routingtable.MatchAny),
		delivery.HandlerFunc(func(string, []byte) error { return nil }),
		routingtable.SubscribeOptions{Owner: "auditor"})
	require.NoError(t, err)
	_, err = setup.Relay.Publish(ctx, "a.b", nil)
	require.NoError(t, err)

	admin := setup.token(t, "admin", true)
	user := setup.token(t, "user", false)

	t.Run("non-admin forbidden", func(t *testing.T) {
		resp := setup.do(t, http.MethodGet, "/api/v1/admin/stats", user, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = setup.do(t, http.MethodGet, "/api/v1/admin/subscriptions", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("stats", func(t *testing.T) {
		resp := setup.do(t, http.MethodGet, "/api/v1/admin/stats", admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body AdminStatsResponse
		decodeBody(t, resp, &body)
		assert.Equal(t, "test-node", body.NodeID)
		assert.Equal(t, uint64(1), body.Published)
		assert.Equal(t, uint64(1), body.Unrouted)
		assert.Equal(t, 1, body.Subscriptions)
	})

	t.Run("all subscriptions", func(t *testing.T) {
		resp := setup.do(t, http.MethodGet, "/api/v1/admin/subscriptions", admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body SubscriptionsListResponse
		decodeBody(t, resp, &body)
		require.Len(t, body.Subscriptions, 1)
		assert.Equal(t, "headers", body.Subscriptions[0].Kind)
		assert.Equal(t, "any", body.Subscriptions[0].Match)
		assert.Equal(t, "audit", body.Subscriptions[0].Headers["type"])
	})
}

func TestHealth(t *testing.T) {
	setup := newTestSetup(t)

	resp := setup.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body HealthResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Healthy)
	assert.Equal(t, "test-node", body.NodeID)

	require.NoError(t, setup.Relay.Close())

	resp = setup.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var closed HealthResponse
	decodeBody(t, resp, &closed)
	assert.False(t, closed.Healthy)
}

func TestNoAuthMode(t *testing.T) {
	setup := newTestSetup(t, func(c *Config) { c.NoAuth = true })

	resp := setup.do(t, http.MethodPost, "/api/v1/publish", "", PublishRequest{RoutingKey: "a.b"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = setup.do(t, http.MethodGet, "/api/v1/subscriptions", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Admin endpoints still require an admin token
	resp = setup.do(t, http.MethodGet, "/api/v1/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	setup := newTestSetup(t)

	resp := setup.do(t, http.MethodOptions, "/api/v1/publish", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestMetricsAndRoot(t *testing.T) {
	setup := newTestSetup(t)
	_, err := setup.Relay.Publish(context.Background(), "a.b", []byte("x"))
	require.NoError(t, err)

	resp := setup.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "topicrelay_messages_published_total 1")

	resp = setup.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = setup.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
