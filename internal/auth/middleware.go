package auth

import (
	"context"
	"net/http"

	"github.com/insforge/insforge/internal/httputil"
	"github.com/insforge/insforge/internal/tokens"
)

type contextKey int

const claimsKey contextKey = iota

// ClaimsFromContext returns the verified claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*tokens.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*tokens.Claims)
	return claims, ok
}

// WithClaims attaches claims to the context. Exported for handler tests.
func WithClaims(ctx context.Context, claims *tokens.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// RequireAuth rejects requests without a valid access token.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := s.authenticate(r)
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "missing or invalid access token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireAdmin rejects requests whose token does not carry the admin role.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFromContext(r.Context())
		if !claims.IsAdmin() {
			httputil.WriteError(w, http.StatusForbidden, httputil.CodeForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// OptionalAuth attaches claims when a valid token is present and passes
// anonymous requests through untouched.
func (s *Service) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := s.authenticate(r); ok {
			r = r.WithContext(WithClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) authenticate(r *http.Request) (*tokens.Claims, bool) {
	token, ok := httputil.ExtractBearerToken(r)
	if !ok {
		return nil, false
	}
	claims, err := s.tokens.VerifyAccess(token)
	if err != nil {
		return nil, false
	}
	return claims, true
}
