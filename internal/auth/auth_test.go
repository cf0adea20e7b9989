package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
)

func newTestValidator() *Validator {
	return NewValidator(Config{Secret: "test-secret-key", Issuer: "test-issuer"})
}

func TestValidator_IssueAndAuthenticate(t *testing.T) {
	v := newTestValidator()
	token, err := v.Issue("user-123", "Dana", time.Hour)
	require.NoError(t, err)

	id, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-123", Name: "Dana"}, id)

	// second call is served from the cache
	id, err = v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", id.UserID)
}

func TestValidator_Rejects(t *testing.T) {
	v := newTestValidator()
	other := NewValidator(Config{Secret: "another-secret", Issuer: "test-issuer"})
	foreign, err := other.Issue("user-1", "x", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewValidator(Config{Secret: "test-secret-key", Issuer: "elsewhere"}).Issue("user-1", "x", time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "test-issuer"},
	}).SignedString([]byte("test-secret-key"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"wrong issuer": wrongIssuer,
		"no expiry":    noExpiry,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Authenticate(context.Background(), token)
			require.Error(t, err)
			assert.Equal(t, engine.CodeAuthenticationFailed, engine.CodeOf(err))
		})
	}
}

func TestValidator_ExpiredTokenAndCacheExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	v := newTestValidator()
	v.now = func() time.Time { return now }

	token, err := v.Issue("user-1", "Dana", time.Minute)
	require.NoError(t, err)
	_, err = v.Authenticate(context.Background(), token)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = v.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredToken, "cached identity must not outlive the token")

	_, err = v.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
