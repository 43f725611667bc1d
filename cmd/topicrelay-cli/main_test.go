package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicrelay-go/internal/httpapi"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/relay"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
)

type cliSetup struct {
	relay  *relay.Relay
	server *httpapi.Server
	url    string
}

func newCLISetup(t *testing.T) *cliSetup {
	t.Helper()

	r, err := relay.NewRelay(relay.NewConfig("cli-node"))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	server, err := httpapi.NewServer(r, httpapi.Config{SecretKey: "cli-test-secret"})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		r.Close()
	})

	return &cliSetup{relay: r, server: server, url: ts.URL}
}

func (s *cliSetup) token(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()
	token, _, err := s.server.Auth().GenerateToken(clientID, isAdmin)
	require.NoError(t, err)
	return token
}

// execute runs the CLI with args and returns its output
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	client = nil
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_RequiresIdentity(t *testing.T) {
	_, err := execute(t, "--server", "http://localhost:1", "publish", "--key", "a.b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client-id is required")
}

func TestCLI_PublishRequiresKey(t *testing.T) {
	_, err := execute(t, "--server", "http://localhost:1", "--token", "t", "publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key")
}

func TestCLI_Auth(t *testing.T) {
	s := newCLISetup(t)

	out, err := execute(t, "--server", s.url, "--client-id", "alice", "auth")
	require.NoError(t, err)
	assert.Contains(t, out, "Authentication successful")
	assert.Contains(t, out, "TOPICRELAY_TOKEN")
}

func TestCLI_PublishAndList(t *testing.T) {
	s := newCLISetup(t)
	token := s.token(t, "alice", false)

	received := make(chan *message.Message, 1)
	_, err := s.relay.Subscribe(context.Background(), "orders.#", delivery.MessageHandlerFunc(func(msg *message.Message) error {
		received <- msg
		return nil
	}))
	require.NoError(t, err)

	out, err := execute(t, "--server", s.url, "--token", token,
		"publish", "--key", "orders.eu.created", "--payload", `{"id":7}`, "--header", "region=eu")
	require.NoError(t, err)
	assert.Contains(t, out, "Matched subscriptions: 1")

	select {
	case msg := <-received:
		assert.Equal(t, "orders.eu.created", msg.RoutingKey)
		assert.JSONEq(t, `{"id":7}`, string(msg.Payload))
		region, ok := msg.Header("region")
		assert.True(t, ok)
		assert.Equal(t, "eu", region)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	out, err = execute(t, "--server", s.url, "--token", token, "subscriptions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No subscriptions found")
}

func TestCLI_PublishInvalidPayload(t *testing.T) {
	s := newCLISetup(t)

	_, err := execute(t, "--server", s.url, "--token", s.token(t, "alice", false),
		"publish", "--key", "a.b", "--payload", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON payload")
}

func TestCLI_PublishInvalidRoutingKey(t *testing.T) {
	s := newCLISetup(t)

	_, err := execute(t, "--server", s.url, "--token", s.token(t, "alice", false),
		"publish", "--key", "a..b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestCLI_Stream(t *testing.T) {
	s := newCLISetup(t)
	token := s.token(t, "bob", false)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := execute(t, "--server", s.url, "--token", token,
			"stream", "--pattern", "sensors.*.temp", "--max", "1")
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		subs, err := s.relay.Subscriptions(context.Background())
		return err == nil && len(subs) == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, err := s.relay.Publish(context.Background(), "sensors.kitchen.humidity", []byte(`1`))
	require.NoError(t, err)
	_, err = s.relay.Publish(context.Background(), "sensors.kitchen.temp", []byte(`21.5`))
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Contains(t, res.out, "topic sensors.*.temp")
		assert.Contains(t, res.out, "Routing Key: sensors.kitchen.temp")
		assert.Contains(t, res.out, "Payload: 21.5")
		assert.NotContains(t, res.out, "humidity")
	case <-time.After(5 * time.Second):
		t.Fatal("stream command did not finish")
	}
}

func TestCLI_DeleteSubscription(t *testing.T) {
	s := newCLISetup(t)
	token := s.token(t, "alice", false)

	_, err := execute(t, "--server", s.url, "--token", token, "subscriptions", "delete", "--id", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCLI_Admin(t *testing.T) {
	s := newCLISetup(t)

	_, err := s.relay.Subscribe(context.Background(), "a.#", delivery.MessageHandlerFunc(func(*message.Message) error { return nil }))
	require.NoError(t, err)
	_, err = s.relay.Publish(context.Background(), "a.b", nil)
	require.NoError(t, err)
	_, err = s.relay.Publish(context.Background(), "z", nil)
	require.NoError(t, err)

	t.Run("forbidden_without_admin", func(t *testing.T) {
		_, err := execute(t, "--server", s.url, "--token", s.token(t, "alice", false), "admin", "stats")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
	})

	t.Run("stats", func(t *testing.T) {
		out, err := execute(t, "--server", s.url, "--token", s.token(t, "admin", true), "admin", "stats")
		require.NoError(t, err)
		assert.Contains(t, out, "Relay cli-node statistics")
		assert.Contains(t, out, "Published: 2")
		assert.Contains(t, out, "Unrouted: 1")
	})

	t.Run("subscriptions", func(t *testing.T) {
		out, err := execute(t, "--server", s.url, "--token", s.token(t, "admin", true), "admin", "subscriptions")
		require.NoError(t, err)
		assert.Contains(t, out, "Found 1 subscription(s)")
		assert.Contains(t, out, "Binding: topic a.#")
	})
}

func TestCLI_Health(t *testing.T) {
	s := newCLISetup(t)

	out, err := execute(t, "--server", s.url, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy")
	assert.Contains(t, out, "Node: cli-node")

	require.NoError(t, s.relay.Close())

	out, err = execute(t, "--server", s.url, "health")
	require.Error(t, err)
	assert.Contains(t, out, "Server is not healthy")
}
