package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/unlockd/internal/app"
	"github.com/charlesng35/unlockd/internal/handlers"
	"github.com/charlesng35/unlockd/internal/monitoring"
)

func registerHealthRoutes(r *gin.Engine, cfg *app.Config, manager *monitoring.HealthManager) {
	if !cfg.Monitoring.Health.Enabled || manager == nil {
		r.GET("/health", disabledHealthHandler)
		r.GET("/health/live", disabledHealthHandler)
		r.GET("/health/ready", disabledHealthHandler)
		return
	}

	health := handlers.NewHealthHandler(manager)
	r.GET("/health", health.Summary)
	r.GET("/health/live", health.Live)
	r.GET("/health/ready", health.Ready)
}

func disabledHealthHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"ok":     false,
		"status": "disabled",
	})
}
