// Package auth validates the session tokens clients present on connect.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
)

var (
	// ErrInvalidToken is returned when the token is malformed or badly signed.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", engine.ErrAuthenticationFailed)
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = fmt.Errorf("%w: token has expired", engine.ErrAuthenticationFailed)
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID string
	Name   string
}

type Config struct {
	Secret    string
	Issuer    string
	CacheSize int
	CacheTTL  time.Duration
}

// Claims are the custom claims carried by a session token.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

type cached struct {
	identity  Identity
	expiresAt time.Time
}

// Validator checks HS256 session tokens. Recently validated tokens are cached
// so reconnect storms do not re-verify signatures.
type Validator struct {
	secret []byte
	issuer string
	cache  *expirable.LRU[string, cached]
	now    func() time.Time
}

func NewValidator(cfg Config) *Validator {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Validator{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		cache:  expirable.NewLRU[string, cached](cfg.CacheSize, nil, cfg.CacheTTL),
		now:    time.Now,
	}
}

// Authenticate returns the identity for a valid token. Every failure wraps
// engine.ErrAuthenticationFailed.
func (v *Validator) Authenticate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", engine.ErrAuthenticationFailed)
	}

	if hit, ok := v.cache.Get(token); ok {
		if v.now().Before(hit.expiresAt) {
			return hit.identity, nil
		}
		v.cache.Remove(token)
		return Identity{}, ErrExpiredToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}

	id := Identity{UserID: claims.Subject, Name: claims.Name}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", engine.ErrAuthenticationFailed)
	}
	if id.Name == "" {
		id.Name = id.UserID
	}
	v.cache.Add(token, cached{identity: id, expiresAt: claims.ExpiresAt.Time})
	return id, nil
}

// Issue signs a token for userID. The web gateway normally does this; the
// coordinator uses it for tooling and tests.
func (v *Validator) Issue(userID, name string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
