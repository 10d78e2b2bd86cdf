package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/insforge/insforge/internal/config"
	"github.com/insforge/insforge/internal/mailer"
	"github.com/insforge/insforge/internal/testutil"
	"github.com/insforge/insforge/internal/tokens"
)

// newTestHandler wires a service with no database pool. Only the flows that
// never touch PostgreSQL are exercised here; the rest need a live database.
func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Admin.Email = "admin@example.com"
	cfg.Admin.Password = "admin-password"

	tokenSvc, err := tokens.NewService(cfg.Auth.JWTSecret, time.Hour, 2*time.Hour, testutil.DiscardLogger())
	testutil.NoError(t, err)

	svc := NewService(nil, tokenSvc, nil, mailer.NewLogMailer(testutil.DiscardLogger()), cfg, testutil.DiscardLogger())
	t.Cleanup(svc.Close)

	return NewHandler(svc, nil, nil, testutil.DiscardLogger()), svc
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAdminLoginIssuesSessionAndCookies(t *testing.T) {
	t.Parallel()
	h, svc := newTestHandler(t)
	router := h.Routes()

	rec := doJSON(t, router, http.MethodPost, "/admin/sessions",
		`{"email":"admin@example.com","password":"admin-password"}`)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	var resp struct {
		AccessToken string `json:"accessToken"`
		CSRFToken   string `json:"csrfToken"`
	}
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	claims, err := svc.Tokens().VerifyAccess(resp.AccessToken)
	testutil.NoError(t, err)
	testutil.True(t, claims.IsAdmin(), "admin login should mint an admin token")

	var refreshCookie, csrfCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case RefreshCookieName:
			refreshCookie = c
		case CSRFCookieName:
			csrfCookie = c
		}
	}
	testutil.NotNil(t, refreshCookie)
	testutil.NotNil(t, csrfCookie)
	testutil.True(t, refreshCookie.HttpOnly, "refresh cookie must be http-only")
	testutil.False(t, csrfCookie.HttpOnly, "csrf cookie must be readable by JS")
	testutil.Equal(t, http.SameSiteLaxMode, refreshCookie.SameSite)
	testutil.Equal(t, resp.CSRFToken, csrfCookie.Value)
	testutil.True(t, svc.CSRF().Verify(resp.CSRFToken, csrfCookie.Value, refreshCookie.Value),
		"csrf token should bind to the refresh cookie")
}

// Without a DATABASE_URL the account flows must answer 503, not crash the
// handler goroutine.
func TestAccountFlowsWithoutDatabaseReturn503(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	router := h.Routes()

	rec := doJSON(t, router, http.MethodPost, "/users",
		`{"email":"a@b.c","password":"str0ng-Enough-pass"}`)
	testutil.StatusCode(t, http.StatusServiceUnavailable, rec.Code)
	testutil.Contains(t, rec.Body.String(), "SERVICE_UNAVAILABLE")

	rec = doJSON(t, router, http.MethodPost, "/sessions",
		`{"email":"a@b.c","password":"str0ng-Enough-pass"}`)
	testutil.StatusCode(t, http.StatusServiceUnavailable, rec.Code)
	testutil.Contains(t, rec.Body.String(), "database is not configured")
}

func TestAdminLoginRejectsWrongPassword(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	rec := doJSON(t, h.Routes(), http.MethodPost, "/admin/sessions",
		`{"email":"admin@example.com","password":"nope"}`)
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)
	testutil.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestExchangeIsOneShot(t *testing.T) {
	t.Parallel()
	h, svc := newTestHandler(t)
	router := h.Routes()

	access, err := svc.Tokens().IssueAccess("u1", "a@b.c", tokens.RoleAuthenticated)
	testutil.NoError(t, err)
	code, err := svc.Codes().Store(access, &User{ID: "u1", Email: "a@b.c"}, "")
	testutil.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/exchange", `{"code":"`+code+`"}`)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), access)

	// Second exchange with the same code must fail.
	rec = doJSON(t, router, http.MethodPost, "/exchange", `{"code":"`+code+`"}`)
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)
}

func TestExchangeEnforcesPKCE(t *testing.T) {
	t.Parallel()
	h, svc := newTestHandler(t)
	router := h.Routes()

	verifier := "high-entropy-code-verifier-value"
	code, err := svc.Codes().Store("tok", &User{ID: "u1"}, challengeFor(verifier))
	testutil.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/exchange",
		`{"code":"`+code+`","code_verifier":"wrong"}`)
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)

	// The code was consumed by the failed attempt.
	rec = doJSON(t, router, http.MethodPost, "/exchange",
		`{"code":"`+code+`","code_verifier":"`+verifier+`"}`)
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRequiresCSRF(t *testing.T) {
	t.Parallel()
	h, svc := newTestHandler(t)
	router := h.Routes()

	refresh, err := svc.Tokens().IssueRefresh("u1", "a@b.c", tokens.RoleAuthenticated)
	testutil.NoError(t, err)
	csrfToken := svc.CSRF().Token(refresh)

	// Missing refresh cookie.
	rec := doJSON(t, router, http.MethodPost, "/refresh", "")
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)

	// Cookie present but CSRF header missing: forbidden, cookies cleared.
	req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: refresh})
	req.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: csrfToken})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusForbidden, rec.Code)
	for _, c := range rec.Result().Cookies() {
		testutil.True(t, c.MaxAge < 0, "cookie %s should be cleared", c.Name)
	}
}

func TestLogoutClearsCookies(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	rec := doJSON(t, h.Routes(), http.MethodPost, "/logout", "")
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	testutil.SliceLen(t, cookies, 2)
	for _, c := range cookies {
		testutil.True(t, c.MaxAge < 0, "cookie %s should be cleared", c.Name)
	}
}

func TestAnonTokenRequiresAdmin(t *testing.T) {
	t.Parallel()
	h, svc := newTestHandler(t)
	router := h.Routes()

	rec := doJSON(t, router, http.MethodPost, "/tokens/anon", "")
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)

	userToken, err := svc.Tokens().IssueAccess("u1", "a@b.c", tokens.RoleAuthenticated)
	testutil.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/tokens/anon", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusForbidden, rec.Code)

	adminToken, err := svc.Tokens().IssueAdmin()
	testutil.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/tokens/anon", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := svc.Tokens().VerifyAccess(resp.AccessToken)
	testutil.NoError(t, err)
	testutil.True(t, claims.IsAnon(), "anon endpoint should mint an anon token")
}

func TestPublicConfigShape(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t)
	rec := doJSON(t, h.Routes(), http.MethodGet, "/public-config", "")
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), "requireEmailVerification")
	testutil.Contains(t, rec.Body.String(), "verificationMethod")
}

func TestConfigUpdateValidatesMethod(t *testing.T) {
	t.Parallel()
	h, svc := newTestHandler(t)
	router := h.Routes()

	adminToken, err := svc.Tokens().IssueAdmin()
	testutil.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/config",
		strings.NewReader(`{"requireEmailVerification":true,"verificationMethod":"smoke-signal"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/config",
		strings.NewReader(`{"requireEmailVerification":true,"verificationMethod":"link"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.True(t, svc.Settings().RequireEmailVerification, "settings should be updated")
	testutil.Equal(t, "link", svc.Settings().VerificationMethod)
}
