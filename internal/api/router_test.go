package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/unlockd/internal/app"
	iauth "github.com/charlesng35/unlockd/internal/auth"
	testutil "github.com/charlesng35/unlockd/internal/database/testutil"
	"github.com/charlesng35/unlockd/internal/kv"
	"github.com/charlesng35/unlockd/internal/middleware"
	"github.com/charlesng35/unlockd/internal/monitoring"
	"github.com/charlesng35/unlockd/internal/services"
)

func newTestRouter(t *testing.T, mutate func(*app.Config)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{Secret: "router-secret"})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	unlock, err := services.NewUnlockService(kv.DatabaseFactory(db), tokens, services.UnlockConfig{},
		services.WithSleep(func(context.Context, time.Duration) {}))
	if err != nil {
		t.Fatalf("unlock service: %v", err)
	}
	requests, err := services.NewRequestService(unlock, tokens, nil, services.RequestConfig{})
	if err != nil {
		t.Fatalf("request service: %v", err)
	}

	cfg := &app.Config{
		Auth: app.AuthConfig{Admin: app.AdminSettings{Key: "router-admin"}},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true},
			Health:     app.HealthConfig{Enabled: true},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	rates := middleware.NewMemoryRateStore(nil)
	t.Cleanup(func() { _ = rates.Close() })

	router, err := NewRouter(cfg, Dependencies{
		Unlock:    unlock,
		Requests:  requests,
		Tokens:    tokens,
		Admin:     iauth.NewAdminAuthenticator(cfg.Auth.AdminConfig()),
		Health:    monitoring.NewHealthManager(time.Second),
		RateStore: rates,
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return router
}

func serve(router *gin.Engine, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRouter_PublicAndProtectedRoutes(t *testing.T) {
	router := newTestRouter(t, nil)

	if w := serve(router, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health, got %d", w.Code)
	}

	if w := serve(router, http.MethodPost, "/api/unlock/issue", "{}", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for issue without admin key, got %d", w.Code)
	}

	w := serve(router, http.MethodPost, "/api/unlock/issue", "{}", map[string]string{"X-Admin-Key": "router-admin"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for issue with admin key, got %d: %s", w.Code, w.Body.String())
	}

	if w := serve(router, http.MethodGet, "/api/unlock/session", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for session without token, got %d", w.Code)
	}

	w = serve(router, http.MethodPut, "/api/unlock/redeem", "{}", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for PUT redeem, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error":"Method not allowed"`) {
		t.Fatalf("unexpected 405 body: %s", w.Body.String())
	}
}

func TestRouter_RequestWithoutMailer(t *testing.T) {
	router := newTestRouter(t, nil)

	w := serve(router, http.MethodPost, "/api/unlock/request", `{"recipient":"a@example.com"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", w.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	if w := serve(router, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health, got %d", w.Code)
	}

	w := serve(router, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /metrics, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `unlockd_api_latency_seconds_count{method="GET",path="/health",status="200"}`) {
		t.Fatalf("metrics output missing latency series: %s", w.Body.String())
	}
}

func TestRouter_DisabledMonitoring(t *testing.T) {
	router := newTestRouter(t, func(cfg *app.Config) {
		cfg.Monitoring = app.MonitoringConfig{}
	})

	if w := serve(router, http.MethodGet, "/health/ready", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for disabled health, got %d", w.Code)
	}
	if w := serve(router, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for disabled metrics, got %d", w.Code)
	}
}

func TestNewRouterValidatesDependencies(t *testing.T) {
	if _, err := NewRouter(nil, Dependencies{}); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := NewRouter(&app.Config{}, Dependencies{}); err == nil {
		t.Fatal("expected error for missing services")
	}
}
