package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Cookie and header names for the double-submit CSRF scheme. The refresh
// token travels in an HTTP-only cookie; the CSRF token cookie is readable by
// page JS, which echoes it back in the header on state-changing requests.
const (
	RefreshCookieName = "refresh_token"
	CSRFCookieName    = "insforge_csrf"
	CSRFHeaderName    = "X-CSRF-Token"
)

// CSRF derives and checks double-submit tokens. The token is a deterministic
// HMAC of the refresh token, so it rotates exactly when the refresh token
// does and needs no storage of its own.
type CSRF struct {
	key []byte
}

func NewCSRF(key string) *CSRF {
	return &CSRF{key: []byte(key)}
}

// Token computes the CSRF token bound to refreshToken.
func (c *CSRF) Token(refreshToken string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(refreshToken))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the header and cookie tokens agree and both bind to
// the presented refresh token. All three must be non-empty.
func (c *CSRF) Verify(headerToken, cookieToken, refreshToken string) bool {
	if headerToken == "" || cookieToken == "" || refreshToken == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
		return false
	}
	expected := c.Token(refreshToken)
	return subtle.ConstantTimeCompare([]byte(headerToken), []byte(expected)) == 1
}
