package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/unlockd/internal/app"
	iauth "github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/internal/handlers"
	"github.com/charlesng35/unlockd/internal/middleware"
)

func registerUnlockRoutes(r *gin.Engine, cfg *app.Config, deps Dependencies) error {
	unlockHandler, err := handlers.NewUnlockHandler(deps.Unlock)
	if err != nil {
		return err
	}
	requestHandler, err := handlers.NewRequestHandler(deps.Requests, !cfg.Server.IsProduction())
	if err != nil {
		return err
	}

	requireAdmin := middleware.AdminKey(deps.Admin, cfg.Auth.Admin.Header)
	limit := redeemLimiter(cfg, deps.RateStore)

	unlock := r.Group("/api/unlock")
	{
		unlock.POST("/issue", requireAdmin, unlockHandler.Issue)
		unlock.POST("/revoke", requireAdmin, unlockHandler.Revoke)
		unlock.POST("/redeem", limit, unlockHandler.Redeem)
		unlock.POST("/request", limit, requestHandler.Request)
		unlock.GET("/session", middleware.Auth(deps.Tokens, iauth.ScopeExam), unlockHandler.Session)
	}

	pre := r.Group("/api/pre")
	{
		pre.POST("/redeem", limit, unlockHandler.PreRedeem)
	}
	return nil
}

func redeemLimiter(cfg *app.Config, store middleware.RateStore) gin.HandlerFunc {
	if !cfg.RateLimit.Enabled || store == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RateLimit(store, cfg.RateLimit.Requests, cfg.RateLimit.Window)
}
