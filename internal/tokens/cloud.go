package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// cloudHTTPTimeout bounds every JWKS fetch.
const cloudHTTPTimeout = 10 * time.Second

// Sentinel errors for cloud token verification.
var (
	// ErrProjectMismatch means the token is validly signed but belongs to a
	// different project. Maps to 403.
	ErrProjectMismatch = errors.New("token project does not match this deployment")
	// ErrCloudDisabled means no CLOUD_API_HOST is configured.
	ErrCloudDisabled = errors.New("cloud token verification is not configured")
)

// CloudClaims are the claims Insforge reads from a cloud-issued admin token.
type CloudClaims struct {
	Subject   string `json:"sub"`
	Email     string `json:"email"`
	ProjectID string `json:"projectId"`
	ExpiresAt int64  `json:"exp"`
}

// CloudVerifier verifies RS*/ES*-signed JWTs against the cloud JWKS endpoint
// ({apiHost}/.well-known/jwks.json). Keys are fetched lazily and cached by
// the remote key set; the HTTP client enforces the fetch timeout.
type CloudVerifier struct {
	keySet    *oidc.RemoteKeySet
	projectID string
	logger    *slog.Logger
}

// NewCloudVerifier creates a verifier for the given cloud API host. Returns
// nil when apiHost is empty (the cloud admin-login path is disabled).
func NewCloudVerifier(ctx context.Context, apiHost, projectID string, logger *slog.Logger) *CloudVerifier {
	if apiHost == "" {
		return nil
	}
	client := &http.Client{Timeout: cloudHTTPTimeout}
	ctx = oidc.ClientContext(ctx, client)
	jwksURL := strings.TrimRight(apiHost, "/") + "/.well-known/jwks.json"
	// RemoteKeySet caches the fetched keys indefinitely and refetches only
	// when a token presents an unknown kid. There is no fixed-interval
	// refresh, so key revocation takes effect once the cloud stops signing
	// with the revoked key.
	return &CloudVerifier{
		keySet:    oidc.NewRemoteKeySet(ctx, jwksURL),
		projectID: projectID,
		logger:    logger,
	}
}

// VerifyCloudToken checks the token's signature against the cloud JWKS and,
// when a project id is configured, enforces projectId equality.
// Signature failures map to 401; project mismatch maps to 403.
func (v *CloudVerifier) VerifyCloudToken(ctx context.Context, rawToken string) (*CloudClaims, error) {
	if v == nil {
		return nil, ErrCloudDisabled
	}

	payload, err := v.keySet.VerifySignature(ctx, rawToken)
	if err != nil {
		v.logger.Warn("cloud token signature verification failed", "error", err)
		return nil, ErrInvalidToken
	}

	var claims CloudClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("parsing cloud token claims: %w", err)
	}
	if claims.ExpiresAt > 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	if v.projectID != "" && claims.ProjectID != v.projectID {
		v.logger.Warn("cloud token project mismatch", "token_project", claims.ProjectID)
		return nil, ErrProjectMismatch
	}
	return &claims, nil
}
