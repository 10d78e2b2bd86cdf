package oauth

import (
	"sync"
	"time"
)

const verifierTTL = 10 * time.Minute

// verifierStore keeps PKCE code verifiers between the authorize redirect and
// the provider callback, keyed by the opaque state value. Entries expire
// after ten minutes; a stale state simply fails the callback.
type verifierStore struct {
	mu      sync.Mutex
	entries map[string]verifierEntry
}

type verifierEntry struct {
	verifier  string
	expiresAt time.Time
}

func newVerifierStore() *verifierStore {
	return &verifierStore{entries: make(map[string]verifierEntry)}
}

func (s *verifierStore) put(state, verifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.entries[state] = verifierEntry{verifier: verifier, expiresAt: time.Now().Add(verifierTTL)}
}

// take removes and returns the verifier for state. Missing or expired states
// return "".
func (s *verifierStore) take(state string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	if !ok {
		return ""
	}
	delete(s.entries, state)
	if time.Now().After(e.expiresAt) {
		return ""
	}
	return e.verifier
}

func (s *verifierStore) sweepLocked() {
	now := time.Now()
	for state, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, state)
		}
	}
}
