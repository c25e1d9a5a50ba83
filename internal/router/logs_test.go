package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestStreamAgentLogsClosesWithPolicyViolationForUnknownAgent(t *testing.T) {
	srv := newTestServer(t, 32768)
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/ws/agents/does-not-exist/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a websocket close error, got %v", err)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestStreamAgentLogsTailsContainerOutput(t *testing.T) {
	srv := newTestServer(t, 32768)
	srv.host.logLines = []string{"line one", "line two", "line three"}
	ts := httptest.NewServer(srv.engine)
	defer ts.Close()

	spawnRec := doRequest(t, srv.engine, http.MethodPost, "/api/agents", SpawnAgentRequest{APIKey: "sk-ant-test", Config: map[string]interface{}{}}, nil)
	var spawned AgentResponse
	require.NoError(t, json.Unmarshal(spawnRec.Body.Bytes(), &spawned))

	wsURL := "ws" + ts.URL[len("http"):] + "/ws/agents/" + spawned.AgentID + "/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer conn.Close()

	var received []string
	require.Eventually(t, func() bool {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return len(received) == len(srv.host.logLines)
		}
		received = append(received, string(msg))
		return len(received) == len(srv.host.logLines)
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, srv.host.logLines, received)
}

func TestCheckLogOriginAllowsLocalhostAndSameHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/agents/a/logs", nil)
	req.Host = "agentdeck.internal:8080"

	req.Header.Set("Origin", "http://localhost:3000")
	require.True(t, checkLogOrigin(req))

	req.Header.Set("Origin", "http://127.0.0.1:3000")
	require.True(t, checkLogOrigin(req))

	req.Header.Set("Origin", "")
	require.True(t, checkLogOrigin(req))

	req.Header.Set("Origin", "http://agentdeck.internal:8080")
	require.True(t, checkLogOrigin(req))

	req.Header.Set("Origin", "http://evil.example.com")
	require.False(t, checkLogOrigin(req))
}
