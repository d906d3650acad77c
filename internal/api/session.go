package api

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session holds the bearer token for the remote API. Tokens are issued
// elsewhere (login flow); the sync core only needs to attach them and
// know when a refresh is due.
type Session struct {
	mu    sync.RWMutex
	token string
}

// NewSession wraps an issued bearer token.
func NewSession(token string) *Session {
	return &Session{token: token}
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Update replaces the bearer token after a refresh.
func (s *Session) Update(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// ExpiresWithin reports whether the token expires within d. Tokens
// without a parseable expiry claim are treated as non-expiring; the
// signature is deliberately not verified here, we only read the claim.
func (s *Session) ExpiresWithin(d time.Duration) bool {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(s.Token(), claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < d
}
