package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/insforge/insforge/internal/testutil"
)

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestCodeStoreConsumeIsOneShot(t *testing.T) {
	t.Parallel()
	s := NewCodeStore()
	defer s.Stop()

	user := &User{ID: "u1", Email: "a@b.c"}
	code, err := s.Store("access-token", user, "")
	testutil.NoError(t, err)
	testutil.True(t, len(code) > 20, "code should be a long random string")

	entry := s.Consume(code)
	testutil.NotNil(t, entry)
	testutil.Equal(t, "access-token", entry.AccessToken)
	testutil.Equal(t, "u1", entry.User.ID)

	testutil.Nil(t, s.Consume(code))
}

func TestCodeStoreUnknownCode(t *testing.T) {
	t.Parallel()
	s := NewCodeStore()
	defer s.Stop()
	testutil.Nil(t, s.Consume("nope"))
}

func TestCodeStoreExpiredCode(t *testing.T) {
	t.Parallel()
	s := NewCodeStore()
	defer s.Stop()

	code, err := s.Store("tok", &User{ID: "u1"}, "")
	testutil.NoError(t, err)

	s.mu.Lock()
	entry := s.codes[code]
	entry.expiresAt = time.Now().Add(-time.Second)
	s.codes[code] = entry
	s.mu.Unlock()

	testutil.Nil(t, s.Consume(code))
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()
	verifier := "some-high-entropy-verifier-string"
	challenge := challengeFor(verifier)

	testutil.True(t, VerifyPKCE(verifier, challenge), "matching verifier should pass")
	testutil.False(t, VerifyPKCE("wrong", challenge), "wrong verifier must fail")
	testutil.False(t, VerifyPKCE("", challenge), "empty verifier must fail")
	testutil.False(t, VerifyPKCE(verifier, ""), "empty challenge must fail")
}
