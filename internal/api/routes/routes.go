package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/havencare/haven/internal/api/handlers"
	"github.com/havencare/haven/internal/api/middleware"
)

type Deps struct {
	Session *handlers.SessionHandler
	Message *handlers.MessageHandler
	Config  *handlers.ConfigHandler
	Monitor *handlers.MonitorHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth())

	auth.POST("/session/start", d.Session.Start)
	auth.GET("/session/:session_id", d.Session.Get)
	auth.POST("/session/:session_id/end", d.Session.End)
	auth.GET("/sessions", d.Session.List)

	// Sideband lifecycle
	auth.POST("/session/:session_id/sideband/start", d.Session.StartSideband)
	auth.POST("/session/:session_id/sideband/stop", d.Session.StopSideband)

	// Transport journal, raw frames included
	auth.GET("/session/:session_id/events", middleware.RequireAdmin(), d.Session.Events)

	auth.GET("/session/:session_id/messages", d.Message.ListBySession)
	auth.GET("/message/:message_id", d.Message.Get)

	// Audit surface
	auth.POST("/session/:session_id/export", middleware.RequireReviewer(), d.Session.Export)
	auth.PUT("/message/:message_id/redacted", middleware.RequireReviewer(), d.Message.PutRedacted)
	auth.POST("/message/:message_id/redact", middleware.RequireReviewer(), d.Message.Redact)
	auth.GET("/messages/search", middleware.RequireReviewer(), d.Message.Search)

	auth.GET("/config", d.Config.Get)
	auth.PUT("/config", middleware.RequireAdmin(), d.Config.Update)

	// WebSocket
	auth.GET("/ws/session/:session_id/monitor", d.Monitor.SessionMonitor)
}
