package handlers_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/unlockd/internal/auth"
	"github.com/charlesng35/unlockd/internal/handlers/testutil"
)

func TestUnlockHandler_IssueRedeemScenario(t *testing.T) {
	env := testutil.NewEnv(t)
	t0 := env.Clock.Now()

	issue := env.Request(http.MethodPost, "/api/unlock/issue", map[string]any{"type": "exam", "length": 8}, testutil.Admin())
	require.Equal(t, http.StatusOK, issue.Code, issue.Body.String())
	issued := testutil.Body(t, issue)
	require.Equal(t, true, issued["ok"])
	require.Equal(t, "exam", issued["type"])
	require.EqualValues(t, t0.UnixMilli()+3600000, issued["expiresAt"])

	code := issued["code"].(string)
	require.Regexp(t, regexp.MustCompile(`^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{8}$`), code)

	redeem := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": strings.ToLower(code)}, nil)
	require.Equal(t, http.StatusOK, redeem.Code, redeem.Body.String())
	redeemed := testutil.Body(t, redeem)
	require.Equal(t, true, redeemed["ok"])
	require.EqualValues(t, t0.Add(6*time.Hour).Unix(), redeemed["exp"])

	token := redeemed["token"].(string)
	claims := env.Tokens.VerifyScope(token, auth.ScopeExam)
	require.NotNil(t, claims)
	require.Equal(t, auth.SubjectExam, claims.Subject)

	again := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": code}, nil)
	require.Equal(t, http.StatusUnauthorized, again.Code)
	require.JSONEq(t, `{"ok":false,"error":"Invalid key","code":"INVALID_KEY"}`, again.Body.String())
}

func TestUnlockHandler_IssueRequiresAdmin(t *testing.T) {
	env := testutil.NewEnv(t)

	missing := env.Request(http.MethodPost, "/api/unlock/issue", map[string]any{}, nil)
	require.Equal(t, http.StatusUnauthorized, missing.Code)

	wrong := env.Request(http.MethodPost, "/api/unlock/issue", map[string]any{}, map[string]string{"X-Admin-Key": "nope"})
	require.Equal(t, http.StatusUnauthorized, wrong.Code)
	require.Equal(t, "UNAUTHORIZED", testutil.Body(t, wrong)["code"])

	var count int64
	require.NoError(t, env.DB.Table("kv_entries").Count(&count).Error)
	require.Zero(t, count)
}

func TestUnlockHandler_IssueOptions(t *testing.T) {
	env := testutil.NewEnv(t)
	t0 := env.Clock.Now()

	t.Run("empty body uses defaults", func(t *testing.T) {
		w := env.Request(http.MethodPost, "/api/unlock/issue", nil, testutil.Admin())
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := testutil.Body(t, w)
		require.Len(t, body["code"], 10)
		require.EqualValues(t, t0.Add(time.Hour).UnixMilli(), body["expiresAt"])
	})

	t.Run("chunked empty body uses defaults", func(t *testing.T) {
		for _, payload := range []string{"", "  \n"} {
			req := httptest.NewRequest(http.MethodPost, "/api/unlock/issue", io.NopCloser(strings.NewReader(payload)))
			req.TransferEncoding = []string{"chunked"}
			req.Header.Set("Content-Type", "application/json")
			for key, value := range testutil.Admin() {
				req.Header.Set(key, value)
			}
			require.EqualValues(t, -1, req.ContentLength)

			w := httptest.NewRecorder()
			env.Router.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			require.Len(t, testutil.Body(t, w)["code"], 10)
		}

		req := httptest.NewRequest(http.MethodPost, "/api/unlock/issue", io.NopCloser(strings.NewReader("{broken")))
		req.TransferEncoding = []string{"chunked"}
		for key, value := range testutil.Admin() {
			req.Header.Set(key, value)
		}
		w := httptest.NewRecorder()
		env.Router.ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, "invalid JSON payload", testutil.Body(t, w)["error"])
	})

	t.Run("explicit code is normalized", func(t *testing.T) {
		code := env.IssueKey(map[string]any{"code": "  ab3xq9 "})
		require.Equal(t, "AB3XQ9", code)

		w := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": " Ab3Xq9 "}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("guid format", func(t *testing.T) {
		code := env.IssueKey(map[string]any{"format": "guid"})
		require.Regexp(t, `^[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}$`, code)

		code = env.IssueKey(map[string]any{"guid": true})
		require.Len(t, code, 36)
	})

	t.Run("ttl is clamped", func(t *testing.T) {
		w := env.Request(http.MethodPost, "/api/unlock/issue", map[string]any{"ttlMinutes": 99999}, testutil.Admin())
		require.Equal(t, http.StatusOK, w.Code)
		require.EqualValues(t, t0.Add(1440*time.Minute).UnixMilli(), testutil.Body(t, w)["expiresAt"])

		w = env.Request(http.MethodPost, "/api/unlock/issue", map[string]any{"ttlMinutes": -5}, testutil.Admin())
		require.Equal(t, http.StatusOK, w.Code)
		require.EqualValues(t, t0.Add(time.Minute).UnixMilli(), testutil.Body(t, w)["expiresAt"])
	})

	t.Run("malformed numbers fall back", func(t *testing.T) {
		w := env.Request(http.MethodPost, "/api/unlock/issue", map[string]any{"ttlMinutes": "soon", "length": "12"}, testutil.Admin())
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := testutil.Body(t, w)
		require.Len(t, body["code"], 12)
		require.EqualValues(t, t0.Add(time.Hour).UnixMilli(), body["expiresAt"])
	})

	t.Run("unknown type", func(t *testing.T) {
		w := env.Request(http.MethodPost, "/api/unlock/issue", map[string]any{"type": "final"}, testutil.Admin())
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, "INVALID_REQUEST", testutil.Body(t, w)["code"])
	})

	t.Run("code with whitespace", func(t *testing.T) {
		w := env.Request(http.MethodPost, "/api/unlock/issue", map[string]any{"code": "AB 12"}, testutil.Admin())
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUnlockHandler_RedeemErrors(t *testing.T) {
	env := testutil.NewEnv(t)

	t.Run("missing key", func(t *testing.T) {
		w := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{}, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, false, testutil.Body(t, w)["ok"])
	})

	t.Run("unparsable body", func(t *testing.T) {
		w := env.Request(http.MethodPost, "/api/unlock/redeem", "not-an-object", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		w := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": "NEVERISSUED"}, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, "Invalid key", testutil.Body(t, w)["error"])
	})

	t.Run("expired key", func(t *testing.T) {
		code := env.IssueKey(map[string]any{"ttlMinutes": 1})
		env.Clock.Advance(61 * time.Second)

		w := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": code}, nil)
		require.Equal(t, http.StatusGone, w.Code)
		require.JSONEq(t, `{"ok":false,"error":"Expired key","code":"EXPIRED_KEY"}`, w.Body.String())

		w = env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": code}, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("pre key is not an exam key", func(t *testing.T) {
		code := env.IssueKey(map[string]any{"type": "pre"})
		w := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": code}, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestUnlockHandler_WrongMethod(t *testing.T) {
	env := testutil.NewEnv(t)

	for _, path := range []string{"/api/unlock/issue", "/api/unlock/redeem", "/api/unlock/request", "/api/pre/redeem"} {
		w := env.Request(http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
		body := testutil.Body(t, w)
		require.Equal(t, false, body["ok"])
		require.Equal(t, "Method not allowed", body["error"])
	}

	w := env.Request(http.MethodGet, "/api/unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnlockHandler_PreRedeemAndSession(t *testing.T) {
	env := testutil.NewEnv(t)

	preToken := env.PreToken()
	claims := env.Tokens.VerifyScope(preToken, auth.ScopePre)
	require.NotNil(t, claims)
	require.Equal(t, auth.SubjectPre, claims.Subject)

	// A pre token does not open the exam session.
	w := env.Request(http.MethodGet, "/api/unlock/session", nil, testutil.Bearer(preToken))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	code := env.IssueKey(map[string]any{})
	redeem := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": code}, nil)
	require.Equal(t, http.StatusOK, redeem.Code)
	examToken := testutil.Body(t, redeem)["token"].(string)

	w = env.Request(http.MethodGet, "/api/unlock/session", nil, testutil.Bearer(examToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	session := testutil.Body(t, w)
	require.Equal(t, auth.SubjectExam, session["subject"])
	require.Equal(t, auth.ScopeExam, session["scope"])
	require.EqualValues(t, env.Clock.Now().Add(6*time.Hour).Unix(), session["exp"])

	env.Clock.Advance(6*time.Hour + time.Second)
	w = env.Request(http.MethodGet, "/api/unlock/session", nil, testutil.Bearer(examToken))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnlockHandler_Revoke(t *testing.T) {
	env := testutil.NewEnv(t)

	code := env.IssueKey(map[string]any{})

	unauthorized := env.Request(http.MethodPost, "/api/unlock/revoke", map[string]string{"key": code}, nil)
	require.Equal(t, http.StatusUnauthorized, unauthorized.Code)

	w := env.Request(http.MethodPost, "/api/unlock/revoke", map[string]string{"key": code}, testutil.Admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.JSONEq(t, `{"ok":true,"type":"exam","revoked":true}`, w.Body.String())

	w = env.Request(http.MethodPost, "/api/unlock/revoke", map[string]string{"key": code}, testutil.Admin())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, testutil.Body(t, w)["revoked"])

	redeem := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": code}, nil)
	require.Equal(t, http.StatusUnauthorized, redeem.Code)

	missing := env.Request(http.MethodPost, "/api/unlock/revoke", map[string]string{}, testutil.Admin())
	require.Equal(t, http.StatusBadRequest, missing.Code)
	require.Equal(t, "key is required", testutil.Body(t, missing)["error"])

	preCode := env.IssueKey(map[string]any{"type": "pre"})
	w = env.Request(http.MethodPost, "/api/unlock/revoke", map[string]string{"key": preCode, "type": "pre-access"}, testutil.Admin())
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"ok":true,"type":"pre","revoked":true}`, w.Body.String())
}

func TestUnlockHandler_RedeemRateLimited(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithRateLimit(2, time.Minute))

	for i := 0; i < 2; i++ {
		w := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": "WRONG"}, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": "WRONG"}, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", testutil.Body(t, w)["code"])
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	// Issuance is not limited.
	env.IssueKey(map[string]any{})

	env.Clock.Advance(time.Minute)
	w = env.Request(http.MethodPost, "/api/unlock/redeem", map[string]string{"key": "WRONG"}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/health/live", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := testutil.Body(t, w)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "up", body["status"])
	require.Len(t, body["checks"], 1)

	w = env.Request(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	env.IssueKey(map[string]any{})
	w = env.Request(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "unlockd_keys_issued_total")
}
