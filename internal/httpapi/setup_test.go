package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicrelay-go/internal/relay"
)

// testSetup holds a started relay behind a live HTTP server
type testSetup struct {
	Relay  *relay.Relay
	Server *Server
	HTTP   *httptest.Server
}

func newTestSetup(t *testing.T, mutate ...func(*Config)) *testSetup {
	t.Helper()

	r, err := relay.NewRelay(relay.NewConfig("test-node"))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	config := Config{SecretKey: "test-secret-key", Gatherer: r.Gatherer()}
	for _, fn := range mutate {
		fn(&config)
	}

	server, err := NewServer(r, config)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		server.middleware.Close()
		r.Close()
	})

	return &testSetup{Relay: r, Server: server, HTTP: ts}
}

func (s *testSetup) token(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()
	token, _, err := s.Server.Auth().GenerateToken(clientID, isAdmin)
	require.NoError(t, err)
	return token
}

// do sends a request with an optional JSON body and bearer token
func (s *testSetup) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.HTTP.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
