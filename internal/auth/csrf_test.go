package auth

import (
	"testing"

	"github.com/insforge/insforge/internal/testutil"
)

func TestCSRFTokenIsDeterministic(t *testing.T) {
	t.Parallel()
	c := NewCSRF("key")
	testutil.Equal(t, c.Token("refresh-1"), c.Token("refresh-1"))
	testutil.True(t, c.Token("refresh-1") != c.Token("refresh-2"), "different refresh tokens produce different csrf tokens")
}

func TestCSRFVerify(t *testing.T) {
	t.Parallel()
	c := NewCSRF("key")
	token := c.Token("refresh-1")

	testutil.True(t, c.Verify(token, token, "refresh-1"), "matching triple should verify")
	testutil.False(t, c.Verify(token, token, "refresh-2"), "token bound to a different refresh must fail")
	testutil.False(t, c.Verify(token, "other", "refresh-1"), "header and cookie must agree")
	testutil.False(t, c.Verify("", token, "refresh-1"), "missing header must fail")
	testutil.False(t, c.Verify(token, "", "refresh-1"), "missing cookie must fail")
	testutil.False(t, c.Verify(token, token, ""), "missing refresh token must fail")
}

func TestCSRFKeyBindsToken(t *testing.T) {
	t.Parallel()
	a := NewCSRF("key-a")
	b := NewCSRF("key-b")
	token := a.Token("refresh-1")
	testutil.False(t, b.Verify(token, token, "refresh-1"), "token from another key must fail")
}
