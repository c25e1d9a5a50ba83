// Package router wires the Request Router & Stream Proxy: HTTP handlers for
// the session and agent surfaces, the chat SSE proxy, and the log-tail
// WebSocket endpoint.
package router

import "time"

// SpawnAgentRequest launches a bare agent (no session wrapper).
type SpawnAgentRequest struct {
	APIKey string                            `json:"api_key,omitempty"`
	Config map[string]interface{}            `json:"config"`
	MCPEnv map[string]map[string]string      `json:"mcp_env,omitempty"`
}

// LaunchSessionRequest launches an agent under a new session.
type LaunchSessionRequest struct {
	APIKey string                        `json:"api_key,omitempty"`
	Config map[string]interface{}        `json:"config"`
	MCPEnv map[string]map[string]string  `json:"mcp_env,omitempty"`
}

// QueryRequest is the chat/query payload proxied to the worker over SSE.
type QueryRequest struct {
	Query   string                   `json:"query" binding:"required"`
	History []map[string]interface{} `json:"history,omitempty"`
}

// UpdateConfigRequest reconfigures and restarts an agent's worker container.
type UpdateConfigRequest struct {
	Config map[string]interface{} `json:"config" binding:"required"`
	APIKey string                  `json:"api_key,omitempty"`
}

// StartRequest resumes a stopped (or externally removed) agent's container.
type StartRequest struct {
	APIKey string `json:"api_key,omitempty"`
}

// ChatRequest is the body for the session-aware chat endpoint. The session
// may be identified in the body or via the X-Session-ID header; the query
// sent upstream is the last user-role message in Messages.
type ChatRequest struct {
	SessionID string                   `json:"session_id,omitempty"`
	Messages  []map[string]interface{} `json:"messages"`
}

// StartAgentResponse reports the agent's state after a start/resume call,
// including whether its container had to be recreated from scratch.
type StartAgentResponse struct {
	AgentResponse
	Recreated bool `json:"recreated"`
}

// ConfigReloadResponse is returned by the config reload endpoint: the
// updated agent, and a rotated session token for the session that owns it.
type ConfigReloadResponse struct {
	Agent        AgentResponse `json:"agent"`
	SessionID    string        `json:"session_id"`
	SessionToken string        `json:"session_token"`
}

// AgentResponse is the wire shape of an agent record.
type AgentResponse struct {
	AgentID     string    `json:"agent_id"`
	ConfigID    string    `json:"config_id"`
	ContainerID string    `json:"container_id"`
	Status      string    `json:"status"`
	HostPort    int       `json:"host_port,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SessionID   string    `json:"session_id,omitempty"`
}

// AgentsListResponse lists bare agents.
type AgentsListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

// SessionResponse is the wire shape of a launched session, returned once at
// launch time since it carries the bearer secret (rotate-token returns a
// RotateTokenResponse instead).
type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	SessionToken string    `json:"session_token"`
	AgentID      string    `json:"agent_id"`
	ConfigID     string    `json:"config_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionSummary is the wire shape of a session omitting the bearer secret,
// used for listing/get where the caller isn't necessarily re-authenticating.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	ConfigID   string    `json:"config_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// SessionsListResponse lists sessions.
type SessionsListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

// RotateTokenResponse returns the newly issued session token.
type RotateTokenResponse struct {
	SessionToken string `json:"session_token"`
}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the wire shape of a failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
