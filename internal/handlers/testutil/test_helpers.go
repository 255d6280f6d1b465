package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/unlockd/internal/api"
	"github.com/charlesng35/unlockd/internal/app"
	iauth "github.com/charlesng35/unlockd/internal/auth"
	sharedtestutil "github.com/charlesng35/unlockd/internal/database/testutil"
	"github.com/charlesng35/unlockd/internal/kv"
	"github.com/charlesng35/unlockd/internal/middleware"
	"github.com/charlesng35/unlockd/internal/monitoring"
	"github.com/charlesng35/unlockd/internal/services"
	"github.com/charlesng35/unlockd/pkg/mail"
)

// AdminKey is the operator credential accepted by the test router.
const AdminKey = "test-admin-key"

// Clock is a manually advanced time source shared by the services under test.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// Mailer records messages instead of delivering them.
type Mailer struct {
	mu       sync.Mutex
	Messages []mail.Message
	SendErr  error
	ReadyErr error
}

func (m *Mailer) Provider() string { return "test" }

func (m *Mailer) Ready() error { return m.ReadyErr }

func (m *Mailer) Send(_ context.Context, msg mail.Message) (mail.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return mail.Receipt{}, m.SendErr
	}
	m.Messages = append(m.Messages, msg)
	return mail.Receipt{ID: "delivery-1"}, nil
}

// Last returns the most recently sent message.
func (m *Mailer) Last() (mail.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Messages) == 0 {
		return mail.Message{}, false
	}
	return m.Messages[len(m.Messages)-1], true
}

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	Tokens *iauth.TokenService
	Unlock *services.UnlockService
	Mailer *Mailer
	Clock  *Clock
	Config *app.Config
}

// EnvOption adjusts the configuration before the router is built.
type EnvOption func(*app.Config)

// WithRateLimit enables the redeem rate limiter.
func WithRateLimit(requests int, window time.Duration) EnvOption {
	return func(cfg *app.Config) {
		cfg.RateLimit = app.RateLimitConfig{Enabled: true, Requests: requests, Window: window, Backend: "memory"}
	}
}

// WithEnvironment sets server.environment.
func WithEnvironment(env string) EnvOption {
	return func(cfg *app.Config) {
		cfg.Server.Environment = env
	}
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())
	clock := &Clock{current: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}

	cfg := &app.Config{
		Server: app.ServerConfig{Environment: "production"},
		Store: app.StoreConfig{
			Backend:    app.BackendDatabase,
			Namespaces: app.NamespaceConfig{Exam: services.DefaultExamNamespace, Pre: services.DefaultPreNamespace},
		},
		Auth: app.AuthConfig{
			Admin:  app.AdminSettings{Key: AdminKey, Header: middleware.DefaultAdminHeader},
			Tokens: app.TokenSettings{Secret: "handler-suite-secret-0123456789abcdef"},
		},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true},
			Health:     app.HealthConfig{Enabled: true},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tokenCfg := cfg.Auth.TokenServiceConfig()
	tokenCfg.Clock = clock.Now
	tokens, err := iauth.NewTokenService(tokenCfg)
	require.NoError(t, err)

	unlock, err := services.NewUnlockService(
		kv.DatabaseFactory(db, kv.WithDatabaseClock(clock.Now)),
		tokens,
		cfg.UnlockServiceConfig(),
		services.WithUnlockClock(clock.Now),
		services.WithSleep(func(context.Context, time.Duration) {}),
	)
	require.NoError(t, err)

	mailer := &Mailer{}
	requests, err := services.NewRequestService(unlock, tokens, mailer, services.RequestConfig{})
	require.NoError(t, err)

	health := monitoring.NewHealthManager(time.Second)
	health.RegisterLiveness(monitoring.NewCheck("process", func(context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))

	rates := middleware.NewMemoryRateStore(clock.Now)
	t.Cleanup(func() { _ = rates.Close() })

	router, err := api.NewRouter(cfg, api.Dependencies{
		Unlock:    unlock,
		Requests:  requests,
		Tokens:    tokens,
		Admin:     iauth.NewAdminAuthenticator(cfg.Auth.AdminConfig()),
		Health:    health,
		RateStore: rates,
	})
	require.NoError(t, err)

	return &Env{
		T:      t,
		DB:     db,
		Router: router,
		Tokens: tokens,
		Unlock: unlock,
		Mailer: mailer,
		Clock:  clock,
		Config: cfg,
	}
}

// Request executes an HTTP request against the test router, applying JSON encoding and headers.
func (e *Env) Request(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// Admin returns the header set of an authenticated operator.
func Admin() map[string]string {
	return map[string]string{middleware.DefaultAdminHeader: AdminKey}
}

// Bearer returns an Authorization header for token.
func Bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// Body decodes a JSON response object.
func Body(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// IssueKey issues a key through the API and returns the code.
func (e *Env) IssueKey(payload map[string]any) string {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/unlock/issue", payload, Admin())
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())
	code, ok := Body(e.T, w)["code"].(string)
	require.True(e.T, ok)
	return code
}

// PreToken redeems a fresh pre-access key and returns the resulting token.
func (e *Env) PreToken() string {
	e.T.Helper()

	code := e.IssueKey(map[string]any{"type": "pre"})
	w := e.Request(http.MethodPost, "/api/pre/redeem", map[string]string{"key": code}, nil)
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())
	token, ok := Body(e.T, w)["token"].(string)
	require.True(e.T, ok)
	return token
}
