package tokens

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the role claim of Insforge JWTs. PostgREST and the RLS
// policies key off these values, so they must match the database roles.
const (
	RoleAuthenticated = "authenticated"
	RoleProjectAdmin  = "project_admin"
	RoleAnon          = "anon"
)

// Fixed subjects for the internal tokens that do not belong to a user row.
const (
	adminSubject = "insforge-admin"
	anonSubject  = "insforge-anon"
)

// refreshType is the type claim that marks refresh tokens.
const refreshType = "refresh"

// Sentinel errors returned by token verification.
var (
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrNotRefreshToken = errors.New("token is not a refresh token")
)

// Claims are the JWT claims issued by Insforge.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	Type  string `json:"type,omitempty"` // "refresh" on refresh tokens
}

// IsAdmin reports whether the claims carry the project_admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleProjectAdmin
}

// IsAnon reports whether the claims carry the anon role.
func (c *Claims) IsAnon() bool {
	return c.Role == RoleAnon
}

// Service signs and verifies the HS256 JWTs that carry Insforge sessions.
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

// NewService creates the token service. An empty secret is a configuration
// error and refuses to initialise.
func NewService(secret string, accessTTL, refreshTTL time.Duration, logger *slog.Logger) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if accessTTL <= 0 {
		accessTTL = 7 * 24 * time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime. The refresh
// cookie Max-Age matches this value.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccess signs a short-lived access token for the given subject.
func (s *Service) IssueAccess(subject, email, role string) (string, error) {
	now := time.Now()
	return s.sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		Email: email,
		Role:  role,
	})
}

// IssueRefresh signs a refresh token. Refresh tokens are delivered only via
// the HTTP-only refresh_token cookie and carry type=refresh.
func (s *Service) IssueRefresh(subject, email, role string) (string, error) {
	now := time.Now()
	return s.sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
		Email: email,
		Role:  role,
		Type:  refreshType,
	})
}

// IssueAdmin signs a non-expiring project_admin token with a fixed subject.
// Internal use only: the PostgREST proxy attaches it after API-key upgrade.
func (s *Service) IssueAdmin() (string, error) {
	return s.sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  adminSubject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		Role: RoleProjectAdmin,
	})
}

// IssueAdminRefresh signs the refresh counterpart of the admin token so the
// dashboard session can rotate like any other.
func (s *Service) IssueAdminRefresh(email string) (string, error) {
	return s.IssueRefresh(adminSubject, email, RoleProjectAdmin)
}

// IssueAnon signs a non-expiring anonymous token with a fixed subject.
func (s *Service) IssueAnon() (string, error) {
	return s.sign(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  anonSubject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		Role: RoleAnon,
	})
}

// VerifyAccess parses and validates any Insforge-signed token and returns
// its claims. Refresh tokens do not pass as access tokens.
func (s *Service) VerifyAccess(token string) (*Claims, error) {
	claims, err := s.verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Type == refreshType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh parses and validates a refresh token. Tokens lacking the
// type=refresh claim are rejected even when the signature is valid.
func (s *Service) VerifyRefresh(token string) (*Claims, error) {
	claims, err := s.verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != refreshType {
		return nil, ErrNotRefreshToken
	}
	return claims, nil
}

func (s *Service) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (s *Service) verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
