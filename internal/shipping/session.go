package shipping

import (
	"sync"
	"time"
)

// Session holds the provider bearer token. It is safe for concurrent use and is
// shared by every request the client makes.
type Session struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewSession creates an empty session; the first request logs in.
func NewSession() *Session {
	return &Session{}
}

// Token returns the current token if it is still valid at now plus margin.
func (s *Session) Token(now time.Time, margin time.Duration) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || !now.Add(margin).Before(s.expiresAt) {
		return "", false
	}
	return s.token, true
}

// Set stores a freshly issued token.
func (s *Session) Set(token string, expiresAt time.Time) {
	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.mu.Unlock()
}

// Invalidate forces the next request to log in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// ExpiresAt reports when the current token stops being usable.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}
