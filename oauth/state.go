package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	stateTTL       = 10 * time.Minute
)

// stateStore keeps anti-CSRF state values for in-flight authorizations.
type stateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

func newStateStore() *stateStore {
	return &stateStore{states: make(map[string]time.Time), now: time.Now}
}

// issue generates a random state valid for stateTTL. It returns "" when the store is full.
func (s *stateStore) issue() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	st := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	// clean expired states periodically to prevent unbounded growth
	if len(s.states)%100 == 0 {
		s.cleanExpired()
	}
	if len(s.states) >= maxOAuthStates {
		return "", nil
	}
	s.states[st] = s.now().Add(stateTTL)
	return st, nil
}

// consume reports whether st was issued and unexpired, and forgets it.
func (s *stateStore) consume(st string) bool {
	if st == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.states[st]
	if !ok {
		return false
	}
	delete(s.states, st)
	return !s.now().After(exp)
}

// cleanExpired must be called with mu held.
func (s *stateStore) cleanExpired() {
	now := s.now()
	for st, exp := range s.states {
		if now.After(exp) {
			delete(s.states, st)
		}
	}
}
