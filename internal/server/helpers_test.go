package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/huddle/internal/chat"
	"github.com/Tyrowin/huddle/internal/config"
	"github.com/Tyrowin/huddle/internal/store"
)

const testOrigin = "http://localhost:8080"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.UploadDir = t.TempDir()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.RateLimit = config.RateLimitConfig{Burst: 100, RefillInterval: time.Second}
	return cfg
}

// startTestServer runs a full server over an in-memory store.
func startTestServer(t *testing.T, cfg config.Config) (*Server, *httptest.Server) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)

	srv, err := New(cfg, st, zerolog.Nop())
	require.NoError(t, err)
	srv.Start()

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(2 * time.Second)
		_ = st.Close()
	})
	return srv, ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// wsClient reads envelopes off a test connection. The server may batch
// several envelopes into one frame, separated by newlines.
type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []chat.Envelope
	nextAck uint64
}

func dial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	header.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(wsURL(ts.URL), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) emit(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(chat.Envelope{Event: event, Data: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// request emits event with an ack id and returns the reply payload.
func (c *wsClient) request(event string, data any) json.RawMessage {
	c.t.Helper()
	c.nextAck++
	ack := c.nextAck
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(chat.Envelope{Event: event, Data: raw, Ack: &ack})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))

	for {
		env := c.read()
		if env.Event == chat.EventAck && env.Ack != nil && *env.Ack == ack {
			return env.Data
		}
	}
}

// expect skips envelopes until one with the given event arrives.
func (c *wsClient) expect(event string) chat.Envelope {
	c.t.Helper()
	for {
		env := c.read()
		if env.Event == event {
			return env
		}
	}
}

// expectNone asserts that no envelope with any of the given events arrives
// within wait. The connection is unusable for reads afterwards.
func (c *wsClient) expectNone(wait time.Duration, events ...string) {
	c.t.Helper()
	for _, env := range c.pending {
		require.NotContains(c.t, events, env.Event)
	}
	c.pending = nil

	deadline := time.Now().Add(wait)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			require.ErrorAs(c.t, err, &netErr)
			require.True(c.t, netErr.Timeout())
			return
		}
		for _, env := range splitFrame(c.t, msg) {
			require.NotContains(c.t, events, env.Event)
		}
	}
}

func (c *wsClient) read() chat.Envelope {
	c.t.Helper()
	if len(c.pending) == 0 {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, msg, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		c.pending = splitFrame(c.t, msg)
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env
}

func splitFrame(t *testing.T, msg []byte) []chat.Envelope {
	t.Helper()
	var out []chat.Envelope
	for _, line := range bytes.Split(msg, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env chat.Envelope
		require.NoError(t, json.Unmarshal(line, &env))
		out = append(out, env)
	}
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
