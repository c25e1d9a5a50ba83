package router

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LogSource is the subset of the container host adapter the log-tail
// endpoint depends on.
type LogSource interface {
	Logs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error)
}

// logUpgrader upgrades the log-tail endpoint to a WebSocket. Origin checks
// mirror the gateway's terminal websocket: allow localhost unconditionally,
// otherwise require the Origin host to match the request Host.
var logUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkLogOrigin,
}

func checkLogOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") || strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	return strings.Contains(origin, r.Host)
}

// StreamAgentLogs streams an agent worker container's stdout/stderr over a
// WebSocket, one text frame per line, until the container's log stream ends
// or the client disconnects.
// GET /ws/agents/:agentId/logs
func (h *Handler) StreamAgentLogs(c *gin.Context) {
	agentID := c.Param("agentId")

	record, err := h.agents.Get(agentID)

	conn, upgradeErr := logUpgrader.Upgrade(c.Writer, c.Request, nil)
	if upgradeErr != nil {
		h.logger.Error("failed to upgrade log stream websocket", zap.String("agent_id", agentID), zap.Error(upgradeErr))
		return
	}
	defer conn.Close()

	if err != nil {
		closeMsg := gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, "unknown agent")
		_ = conn.WriteControl(gorillaws.CloseMessage, closeMsg, time.Now().Add(5*time.Second))
		return
	}

	reader, err := h.containerLogs(c.Request.Context(), record.ContainerID)
	if err != nil {
		closeMsg := gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, "agent container not found")
		_ = conn.WriteControl(gorillaws.CloseMessage, closeMsg, time.Now().Add(5*time.Second))
		return
	}
	defer reader.Close()

	lines := make(chan string, 64)
	done := make(chan struct{})

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for line := range lines {
		if err := conn.WriteMessage(gorillaws.TextMessage, []byte(line)); err != nil {
			close(done)
			return
		}
	}
}

func (h *Handler) containerLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return h.logSource.Logs(ctx, containerID, true)
}
