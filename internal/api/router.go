package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/upsetiq/upsetiq/internal/api/handlers"
	"github.com/upsetiq/upsetiq/internal/pipeline"
	"github.com/upsetiq/upsetiq/internal/services"
	"github.com/upsetiq/upsetiq/pkg/config"
	"github.com/upsetiq/upsetiq/pkg/database"
)

// SetupRoutes configures the API surface consumed by the mobile client.
func SetupRoutes(group *gin.RouterGroup, db *database.DB, cache services.Cache, hub *services.WebSocketHub, scheduler *pipeline.Scheduler, cfg *config.Config, logger *logrus.Logger) {
	healthHandler := handlers.NewHealthHandler(db)
	gamesHandler := handlers.NewGamesHandler(db, cache, logger)
	pipelineHandler := handlers.NewPipelineHandler(scheduler)
	alertsHandler := handlers.NewAlertsHandler(db, cfg.HighUPSCutoff)
	wsHandler := handlers.NewWebSocketHandler(hub, logger)

	group.GET("/health", healthHandler.GetHealth)
	group.GET("/ready", healthHandler.GetReady)

	// Game cards
	group.GET("/games", gamesHandler.ListGames)
	group.GET("/games/:id", gamesHandler.GetGame)

	// Pipeline introspection and control
	group.GET("/pipeline/status", pipelineHandler.GetStatus)
	group.GET("/pipeline/runs", pipelineHandler.GetRuns)
	group.POST("/pipeline/jobs/:id/run", pipelineHandler.RunJob)
	group.POST("/pipeline/jobs/:id/pause", pipelineHandler.PauseJob)
	group.POST("/pipeline/jobs/:id/resume", pipelineHandler.ResumeJob)

	// Alerts
	group.GET("/alerts/high-ups", alertsHandler.GetHighUPS)
	group.POST("/alerts/subscribe", alertsHandler.Subscribe)
	group.GET("/alerts/subscriptions", alertsHandler.ListSubscriptions)
	group.DELETE("/alerts/subscriptions/:id", alertsHandler.Unsubscribe)

	// Alert delivery stream
	group.GET("/ws", wsHandler.HandleWebSocket)
}
