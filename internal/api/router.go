package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/unlockd/internal/app"
	iauth "github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/internal/middleware"
	"github.com/charlesng35/unlockd/internal/monitoring"
	"github.com/charlesng35/unlockd/internal/services"
)

// Dependencies are the services the router exposes over HTTP.
type Dependencies struct {
	Unlock    *services.UnlockService
	Requests  *services.RequestService
	Tokens    *iauth.TokenService
	Admin     *iauth.AdminAuthenticator
	Health    *monitoring.HealthManager
	RateStore middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers the unlock routes.
func NewRouter(cfg *app.Config, deps Dependencies) (*gin.Engine, error) {
	if cfg == nil {
		return nil, errors.New("config must be provided")
	}
	if deps.Unlock == nil {
		return nil, errors.New("unlock service must be provided")
	}
	if deps.Requests == nil {
		return nil, errors.New("request service must be provided")
	}
	if deps.Tokens == nil {
		return nil, errors.New("token service must be provided")
	}
	if deps.Admin == nil {
		return nil, errors.New("admin authenticator must be provided")
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins...))

	registerHealthRoutes(r, cfg, deps.Health)

	if err := registerUnlockRoutes(r, cfg, deps); err != nil {
		return nil, err
	}

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	r.NoRoute(middleware.NotFoundHandler)
	r.NoMethod(middleware.MethodNotAllowedHandler)

	return r, nil
}
