package router

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/common/httpmw"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session"
)

// New builds the gin engine serving the daemon's HTTP and WebSocket surface.
func New(agents *agent.Manager, sessions *session.Manager, logSource LogSource, log *logger.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "agentdeckd"))
	engine.Use(httpmw.OtelTracing("agentdeckd"))

	handler := NewHandler(agents, sessions, logSource, log)

	engine.GET("/health", handler.HealthCheck)

	api := engine.Group("/api")
	{
		agentsGroup := api.Group("/agents")
		{
			agentsGroup.POST("", handler.SpawnAgent)
			agentsGroup.GET("", handler.ListAgents)
			agentsGroup.POST("/chat", handler.ChatQuery)
			agentsGroup.GET("/:agentId", handler.GetAgent)
			agentsGroup.POST("/:agentId/stop", handler.StopAgent)
			agentsGroup.POST("/:agentId/start", handler.StartAgent)
			agentsGroup.POST("/:agentId/interrupt", handler.InterruptAgent)
			agentsGroup.DELETE("/:agentId", handler.DeleteAgent)
			agentsGroup.PATCH("/:agentId/config", handler.UpdateAgentConfig)
			agentsGroup.POST("/:agentId/query", handler.QueryAgent)
		}

		sessionsGroup := api.Group("/sessions")
		{
			sessionsGroup.POST("", handler.LaunchSession)
			sessionsGroup.GET("", handler.ListSessions)
			sessionsGroup.GET("/:sessionId", handler.GetSession)
			sessionsGroup.POST("/:sessionId/stop", handler.StopSession)
			sessionsGroup.POST("/:sessionId/start", handler.StartSession)
			sessionsGroup.POST("/:sessionId/interrupt", handler.InterruptSession)
			sessionsGroup.DELETE("/:sessionId", handler.DeleteSession)
			sessionsGroup.POST("/:sessionId/rotate-token", handler.RotateToken)
			sessionsGroup.POST("/:sessionId/query", handler.QuerySession)
		}
	}

	engine.GET("/ws/agents/:agentId/logs", handler.StreamAgentLogs)

	return engine
}
