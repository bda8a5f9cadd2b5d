package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/analytics"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// call sends req and returns the next non-heartbeat reply.
func call(t *testing.T, conn *websocket.Conn, req WSRequest) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] != MessageTypeHeartbeat {
			return msg
		}
	}
}

func TestWebSocketBudgetProjection(t *testing.T) {
	srv, _ := buildServer(t)
	conn := dialWS(t, srv)

	msg := call(t, conn, WSRequest{
		ID:     "req-1",
		Op:     "budget_projection",
		Params: []byte(`{"total_budget":2800,"history_days":14}`),
	})
	assert.Equal(t, MessageTypeResult, msg["type"])
	assert.Equal(t, "req-1", msg["id"])
	assert.Equal(t, "budget_projection", msg["op"])

	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok, "expected data object, got %v", msg)
	assert.Equal(t, true, data["success"])
	assert.Equal(t, "HIGH", data["risk_level"])
}

func TestWebSocketDefaultsAndSequentialCalls(t *testing.T) {
	srv, _ := buildServer(t)
	conn := dialWS(t, srv)

	first := call(t, conn, WSRequest{ID: "a", Op: "forecast"})
	require.Equal(t, MessageTypeResult, first["type"])
	forecast := first["data"].(map[string]interface{})["forecast"].([]interface{})
	assert.Len(t, forecast, 30, "default forecast_days")

	second := call(t, conn, WSRequest{ID: "b", Op: "anomalies", Params: []byte(`null`)})
	assert.Equal(t, "b", second["id"])
	assert.Equal(t, MessageTypeResult, second["type"])
}

func TestWebSocketErrors(t *testing.T) {
	srv, _ := buildServer(t)
	conn := dialWS(t, srv)

	tests := []struct {
		name string
		req  WSRequest
		want string
	}{
		{"unknown op", WSRequest{ID: "x", Op: "explode"}, `unknown op "explode"`},
		{"invalid params", WSRequest{ID: "y", Op: "forecast", Params: []byte(`{"history_days":0}`)}, "history_days must be at least 1"},
		{"unknown param", WSRequest{ID: "z", Op: "anomalies_bursts", Params: []byte(`{"days":3}`)}, "invalid params"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := call(t, conn, tc.req)
			assert.Equal(t, MessageTypeError, msg["type"])
			assert.Equal(t, tc.req.ID, msg["id"])
			assert.Contains(t, msg["error"], tc.want)
		})
	}
}

func TestWebSocketClosesOnStop(t *testing.T) {
	srv, _ := buildServer(t)
	conn := dialWS(t, srv)

	// Round-trip once so the session is established server-side.
	call(t, conn, WSRequest{ID: "1", Op: "sentinel"})

	srv.setRunning(true)
	require.NoError(t, srv.Stop(context.Background()))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected the server to close the session")
}
