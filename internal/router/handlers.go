package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/common/apperrors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session"
)

// Handler holds the dependencies shared by every route in this package.
type Handler struct {
	agents    *agent.Manager
	sessions  *session.Manager
	logSource LogSource
	logger    *logger.Logger
	http      *http.Client
}

// NewHandler constructs a Handler.
func NewHandler(agents *agent.Manager, sessions *session.Manager, logSource LogSource, log *logger.Logger) *Handler {
	return &Handler{
		agents:    agents,
		sessions:  sessions,
		logSource: logSource,
		logger:    log.WithFields(zap.String("component", "router")),
		http:      &http.Client{Timeout: 0},
	}
}

func writeAppError(c *gin.Context, err error) {
	appErr := apperrors.Wrap(err, err.Error())
	c.JSON(appErr.HTTPStatus, ErrorResponse{Code: appErr.Code, Message: appErr.Message})
}

// resolveAPIKey implements the spawn-time API key precedence: request body,
// then an Authorization: Bearer header, then the daemon's own ambient
// ANTHROPIC_API_KEY environment variable.
func resolveAPIKey(bodyKey, authorizationHeader string) string {
	if bodyKey != "" {
		return bodyKey
	}
	if authorizationHeader != "" {
		const prefix = "bearer "
		if strings.HasPrefix(strings.ToLower(authorizationHeader), prefix) {
			return strings.TrimSpace(authorizationHeader[len(prefix):])
		}
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func agentToResponse(r *agent.Record) AgentResponse {
	return AgentResponse{
		AgentID:     r.AgentID,
		ConfigID:    r.ConfigID,
		ContainerID: r.ContainerID,
		Status:      string(r.Status),
		HostPort:    r.HostPort,
		CreatedAt:   r.CreatedAt,
		SessionID:   r.SessionID,
	}
}

func sessionToResponse(r *session.Record, status string) SessionResponse {
	return SessionResponse{
		SessionID:    r.SessionID,
		SessionToken: r.SessionToken,
		AgentID:      r.AgentID,
		ConfigID:     r.ConfigID,
		Status:       status,
		CreatedAt:    r.CreatedAt,
	}
}

func sessionToSummary(r *session.Record) SessionSummary {
	return SessionSummary{
		SessionID:  r.SessionID,
		AgentID:    r.AgentID,
		ConfigID:   r.ConfigID,
		CreatedAt:  r.CreatedAt,
		LastActive: r.LastActive,
	}
}

// --- Bare agent endpoints (no session wrapper) ---

// SpawnAgent launches a worker container directly.
// POST /api/agents
func (h *Handler) SpawnAgent(c *gin.Context) {
	var req SpawnAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	apiKey := resolveAPIKey(req.APIKey, c.GetHeader("Authorization"))
	if apiKey == "" {
		writeAppError(c, apperrors.BadRequest("api_key is required"))
		return
	}

	record, err := h.agents.Spawn(c.Request.Context(), agent.SpawnOptions{
		APIKey: apiKey,
		Config: req.Config,
		MCPEnv: req.MCPEnv,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusCreated, agentToResponse(record))
}

// ListAgents lists all bare agent records.
// GET /api/agents
func (h *Handler) ListAgents(c *gin.Context) {
	refresh := c.Query("refresh") == "true"
	records := h.agents.List(c.Request.Context(), refresh)

	agents := make([]AgentResponse, 0, len(records))
	for _, r := range records {
		agents = append(agents, agentToResponse(r))
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: agents, Total: len(agents)})
}

// GetAgent returns a single agent record.
// GET /api/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	record, err := h.agents.Get(c.Param("agentId"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(record))
}

// StopAgent stops an agent's worker container without deleting the record.
// POST /api/agents/:agentId/stop
func (h *Handler) StopAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.agents.Stop(c.Request.Context(), agentID); err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "agent_id": agentID})
}

// StartAgent starts (or recreates) an agent's worker container.
// POST /api/agents/:agentId/start
func (h *Handler) StartAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	var req StartRequest
	_ = c.ShouldBindJSON(&req)

	apiKey := resolveAPIKey(req.APIKey, c.GetHeader("Authorization"))
	record, recreated, err := h.agents.Start(c.Request.Context(), agentID, apiKey)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, StartAgentResponse{AgentResponse: agentToResponse(record), Recreated: recreated})
}

// DeleteAgent stops, removes, and forgets an agent. The owning session must
// authorize the request.
// DELETE /api/agents/:agentId
func (h *Handler) DeleteAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	sessionRecord, err := h.sessions.GetForAgent(agentID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if !h.authorizeSession(c, sessionRecord.SessionID) {
		return
	}

	if err := h.agents.Delete(c.Request.Context(), agentID); err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "agent_id": agentID})
}

// UpdateAgentConfig reloads an agent's config: it authorizes via the owning
// session, snapshots the prior on-disk config, stops the worker, writes the
// new config (rolling back and restarting on failure), restarts the worker
// on success, and rotates the session's bearer token.
// PATCH /api/agents/:agentId/config
func (h *Handler) UpdateAgentConfig(c *gin.Context) {
	agentID := c.Param("agentId")
	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	sessionRecord, err := h.sessions.GetForAgent(agentID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if !h.authorizeSession(c, sessionRecord.SessionID) {
		return
	}

	apiKey := resolveAPIKey(req.APIKey, c.GetHeader("Authorization"))
	record, err := h.agents.UpdateConfig(c.Request.Context(), agentID, req.Config, apiKey)
	if err != nil {
		writeAppError(c, err)
		return
	}

	token, err := h.sessions.RotateToken(sessionRecord.SessionID)
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, ConfigReloadResponse{
		Agent:        agentToResponse(record),
		SessionID:    sessionRecord.SessionID,
		SessionToken: token,
	})
}

// QueryAgent proxies a chat query to the agent's worker, streaming the
// worker's Server-Sent Events straight through to the caller.
// POST /api/agents/:agentId/query
func (h *Handler) QueryAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	endpoint, err := h.agents.Endpoint(c.Request.Context(), agentID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if endpoint == "" {
		writeAppError(c, apperrors.MissingContainer(agentID))
		return
	}

	h.proxyQuery(c, endpoint, req)
}

func (h *Handler) proxyQuery(c *gin.Context, endpoint string, req QueryRequest) {
	body, err := json.Marshal(req)
	if err != nil {
		writeAppError(c, apperrors.InternalError("failed to encode query", err))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, endpoint+"/query", bytes.NewReader(body))
	if err != nil {
		writeAppError(c, apperrors.InternalError("failed to build upstream request", err))
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Accept", "text/event-stream")

	resp, err := h.http.Do(upstreamReq)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err != nil {
		h.writeSSEError(c, fmt.Sprintf("agent query failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.writeSSEError(c, "agent query failed")
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (h *Handler) writeSSEError(c *gin.Context, message string) {
	payload, _ := json.Marshal(gin.H{"type": "error", "message": message})
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

// --- Session-oriented endpoints ---

// LaunchSession spawns an agent and issues a session bearer token over it.
// POST /api/sessions
func (h *Handler) LaunchSession(c *gin.Context) {
	var req LaunchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	apiKey := resolveAPIKey(req.APIKey, c.GetHeader("Authorization"))
	if apiKey == "" {
		writeAppError(c, apperrors.BadRequest("api_key is required"))
		return
	}

	record, agentRecord, err := h.sessions.Launch(c.Request.Context(), apiKey, req.Config, req.MCPEnv)
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionToResponse(record, agentRecord.Status))
}

// ListSessions lists all sessions (without bearer secrets).
// GET /api/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	records := h.sessions.List()
	sessions := make([]SessionSummary, 0, len(records))
	for _, r := range records {
		sessions = append(sessions, sessionToSummary(r))
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession returns a session summary, not the bearer secret.
// GET /api/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	record, err := h.sessions.Get(c.Param("sessionId"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToSummary(record))
}

// StopSession stops the session's underlying agent container.
// POST /api/sessions/:sessionId/stop
func (h *Handler) StopSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	if err := h.sessions.Stop(c.Request.Context(), sessionID); err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "session_id": sessionID})
}

// StartSession restarts (or recreates) the session's agent container.
// POST /api/sessions/:sessionId/start
func (h *Handler) StartSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.authorizeSession(c, sessionID) {
		return
	}

	var req StartRequest
	_ = c.ShouldBindJSON(&req)
	apiKey := resolveAPIKey(req.APIKey, c.GetHeader("Authorization"))

	agentRecord, err := h.sessions.Start(c.Request.Context(), sessionID, apiKey)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "session_id": sessionID, "agent_id": agentRecord.AgentID})
}

// InterruptAgent relays an interrupt to the agent's worker.
// POST /api/agents/:agentId/interrupt
func (h *Handler) InterruptAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	sessionID := ""
	if sessionRecord, err := h.sessions.GetForAgent(agentID); err == nil {
		sessionID = sessionRecord.SessionID
	}
	h.interruptAgent(c, agentID, sessionID)
}

// InterruptSession relays an interrupt to the session's agent worker, after
// authorizing the caller.
// POST /api/sessions/:sessionId/interrupt
func (h *Handler) InterruptSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	record, err := h.sessions.Get(sessionID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	h.interruptAgent(c, record.AgentID, sessionID)
}

// interruptAgent issues a POST <endpoint>/interrupt to the agent's worker
// with a 5-second timeout and touches the owning session on success.
func (h *Handler) interruptAgent(c *gin.Context, agentID, sessionID string) {
	endpoint, err := h.agents.Endpoint(c.Request.Context(), agentID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if endpoint == "" {
		writeAppError(c, apperrors.MissingContainer(agentID))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/interrupt", nil)
	if err != nil {
		writeAppError(c, apperrors.InternalError("failed to build upstream request", err))
		return
	}

	resp, err := h.http.Do(upstreamReq)
	if err != nil {
		writeAppError(c, apperrors.WorkerError("interrupt request failed", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		writeAppError(c, apperrors.WorkerError(fmt.Sprintf("worker returned status %d", resp.StatusCode), nil))
		return
	}

	if sessionID != "" {
		h.sessions.Touch(sessionID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted", "agent_id": agentID})
}

// DeleteSession stops and removes the session's agent and forgets the session.
// DELETE /api/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), sessionID); err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": sessionID})
}

// RotateToken replaces a session's bearer token.
// POST /api/sessions/:sessionId/rotate-token
func (h *Handler) RotateToken(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.authorizeSession(c, sessionID) {
		return
	}
	token, err := h.sessions.RotateToken(sessionID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, RotateTokenResponse{SessionToken: token})
}

// QuerySession proxies a chat query to the session's agent worker, after
// authorizing the caller and touching the session's liveness clock.
// POST /api/sessions/:sessionId/query
func (h *Handler) QuerySession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.authorizeSession(c, sessionID) {
		return
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	record, err := h.sessions.Get(sessionID)
	if err != nil {
		writeAppError(c, err)
		return
	}

	endpoint, err := h.agents.Endpoint(c.Request.Context(), record.AgentID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if endpoint == "" {
		writeAppError(c, apperrors.MissingContainer(record.AgentID))
		return
	}

	h.sessions.Touch(sessionID)
	h.proxyQuery(c, endpoint, req)
}

// ChatQuery resolves a session by body field or X-Session-ID header,
// authorizes the caller, extracts the last user-role message from the
// request's message list, and proxies it to the session's agent worker.
// POST /api/agents/chat
func (h *Handler) ChatQuery(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = c.GetHeader("X-Session-ID")
	}
	if sessionID == "" {
		writeAppError(c, apperrors.BadRequest("session_id is required"))
		return
	}

	if !h.authorizeSession(c, sessionID) {
		return
	}

	query, ok := extractLastUserMessage(req.Messages)
	if !ok {
		writeAppError(c, apperrors.BadRequest("no user-role message found"))
		return
	}

	record, err := h.sessions.Get(sessionID)
	if err != nil {
		writeAppError(c, err)
		return
	}

	endpoint, err := h.agents.Endpoint(c.Request.Context(), record.AgentID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if endpoint == "" {
		writeAppError(c, apperrors.MissingContainer(record.AgentID))
		return
	}

	h.sessions.Touch(sessionID)
	h.proxyQuery(c, endpoint, QueryRequest{Query: query})
}

// extractLastUserMessage returns the content of the last user-role message
// in messages, scanning from the end since later messages are more recent.
func extractLastUserMessage(messages []map[string]interface{}) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		role, _ := messages[i]["role"].(string)
		if role != "user" {
			continue
		}
		content, _ := messages[i]["content"].(string)
		return content, true
	}
	return "", false
}

// authorizeSession validates the caller's session_token or Authorization
// header against the session, writing a 401 response on failure.
func (h *Handler) authorizeSession(c *gin.Context, sessionID string) bool {
	token := c.GetHeader("X-Session-Token")
	ok, err := h.sessions.Authorize(sessionID, token, c.GetHeader("Authorization"))
	if err != nil {
		writeAppError(c, err)
		return false
	}
	if !ok {
		writeAppError(c, apperrors.Unauthorized("invalid session credentials"))
		return false
	}
	return true
}

// HealthCheck reports liveness.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}
