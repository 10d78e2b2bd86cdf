package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const (
	authCodeTTL   = 10 * time.Minute
	authCodeBytes = 32

	codeSweepInterval = time.Minute
)

// AuthCode is a one-shot credential bridging a browser redirect and the
// token exchange. It lives only in process memory; losing it on restart just
// forces the client to re-authenticate.
type AuthCode struct {
	AccessToken   string
	User          *User
	CodeChallenge string
}

type authCodeEntry struct {
	AuthCode
	expiresAt time.Time
}

// CodeStore holds pending authorization codes. Concurrent access is
// serialised; a background sweeper drops expired entries so abandoned flows
// do not accumulate.
type CodeStore struct {
	mu    sync.Mutex
	codes map[string]authCodeEntry
	stop  chan struct{}
}

func NewCodeStore() *CodeStore {
	s := &CodeStore{
		codes: make(map[string]authCodeEntry),
		stop:  make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Stop terminates the background sweeper.
func (s *CodeStore) Stop() {
	close(s.stop)
}

// Store saves the session under a fresh random code and returns the code.
func (s *CodeStore) Store(accessToken string, user *User, codeChallenge string) (string, error) {
	raw := make([]byte, authCodeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate authorization code: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = authCodeEntry{
		AuthCode: AuthCode{
			AccessToken:   accessToken,
			User:          user,
			CodeChallenge: codeChallenge,
		},
		expiresAt: time.Now().Add(authCodeTTL),
	}
	return code, nil
}

// Consume atomically removes and returns the entry for code. Expired or
// unknown codes return nil; either way the code is dead afterwards.
func (s *CodeStore) Consume(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return nil
	}
	delete(s.codes, code)
	if time.Now().After(entry.expiresAt) {
		return nil
	}
	ac := entry.AuthCode
	return &ac
}

func (s *CodeStore) sweep() {
	ticker := time.NewTicker(codeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for code, entry := range s.codes {
				if now.After(entry.expiresAt) {
					delete(s.codes, code)
				}
			}
			s.mu.Unlock()
		}
	}
}

// VerifyPKCE checks an S256 code verifier against its challenge.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
