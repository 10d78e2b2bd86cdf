package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/insforge/insforge/internal/auth"
	"github.com/insforge/insforge/internal/config"
	"github.com/insforge/insforge/internal/mailer"
	"github.com/insforge/insforge/internal/testutil"
	"github.com/insforge/insforge/internal/tokens"
)

// newTestServer wires a server without a database pool; database-backed
// routes are absent but routing, middleware and the auth surface work.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Admin.Email = "admin@example.com"
	cfg.Admin.Password = "admin-password"

	tokenSvc, err := tokens.NewService(cfg.Auth.JWTSecret, time.Hour, 2*time.Hour, testutil.DiscardLogger())
	testutil.NoError(t, err)
	authSvc := auth.NewService(nil, tokenSvc, nil, mailer.NewLogMailer(testutil.DiscardLogger()), cfg, testutil.DiscardLogger())

	s, err := New(cfg, testutil.DiscardLogger(), nil, authSvc, nil)
	testutil.NoError(t, err)
	t.Cleanup(func() { s.authRL.Stop(); authSvc.Close() })
	return s
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAuthRoutesMounted(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/admin/sessions",
		strings.NewReader(`{"email":"admin@example.com","password":"admin-password"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), "accessToken")
}

func TestCORSEchoesOriginWithCredentials(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	s.Router().ServeHTTP(rec, req)

	testutil.StatusCode(t, http.StatusNoContent, rec.Code)
	testutil.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	testutil.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	testutil.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-CSRF-Token")
	testutil.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-CSRF-Token")
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	cfg := config.Default()
	cfg.Server.CORSAllowedOrigins = []string{"https://good.example.com"}
	mw := corsMiddleware(cfg.Server.CORSAllowedOrigins)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	handler.ServeHTTP(rec, req)
	testutil.Equal(t, "", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRealtimeChannelsRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/realtime/channels", nil))
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSQLRouteAbsentWithoutPool(t *testing.T) {
	s := newTestServer(t)
	token, err := s.authSvc.Tokens().IssueAdmin()
	testutil.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/database/query",
		strings.NewReader(`{"query":"SELECT 1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	s.Router().ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)
}
