package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestSessionUpdate(t *testing.T) {
	s := NewSession("first")
	assert.Equal(t, "first", s.Token())
	s.Update("second")
	assert.Equal(t, "second", s.Token())
}

func TestExpiresWithin(t *testing.T) {
	soon := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(2 * time.Minute).Unix()})
	later := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	assert.True(t, NewSession(soon).ExpiresWithin(5*time.Minute))
	assert.False(t, NewSession(later).ExpiresWithin(5*time.Minute))
}

func TestExpiresWithinNoClaim(t *testing.T) {
	// Opaque tokens and tokens without an expiry never trigger a refresh.
	assert.False(t, NewSession("not-a-jwt").ExpiresWithin(time.Hour))
	noExp := signedToken(t, jwt.MapClaims{"sub": "user-1"})
	assert.False(t, NewSession(noExp).ExpiresWithin(time.Hour))
}
