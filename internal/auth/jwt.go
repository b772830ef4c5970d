// Package auth issues and checks the credentials API clients use.
//
// Clients are configured up front with an id and a bcrypt hash of their API
// key. A client exchanges its key for a short-lived JWT at /auth/token and
// then presents the token on every /api call:
//
//	Authorization: Bearer <token>
//
// HS256 is used: the server both signs and verifies, so a single shared
// secret is enough. The secret comes from config (JWT_SECRET) and must never
// be committed.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "code-runner"

	// DefaultTokenTTL keeps a leaked token useful for a short window only.
	DefaultTokenTTL = 15 * time.Minute
)

// ErrTokenExpired is returned by Validate for a well-formed but expired token.
var ErrTokenExpired = errors.New("auth: token expired")

type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService requires a secret of at least 16 bytes. A ttl <= 0 means
// DefaultTokenTTL.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// TTL reports how long issued tokens stay valid.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Generate signs a token whose subject is clientID.
func (s *TokenService) Generate(clientID string) (string, error) {
	return s.GenerateWithDuration(clientID, s.ttl)
}

// GenerateWithDuration signs a token valid for d. A negative d yields an
// already-expired token, which tests use.
func (s *TokenService) GenerateWithDuration(clientID string, d time.Duration) (string, error) {
	now := time.Now()

	c := jwt.RegisteredClaims{
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(d)),
		Issuer:    issuer,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature, issuer and expiry and returns the client id.
//
// WithValidMethods pins the algorithm so a token claiming "alg: none" or an
// RSA method is rejected before the key func runs.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	var c jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(
		tokenStr,
		&c,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	if c.Subject == "" {
		return "", errors.New("auth: token has no subject")
	}
	return c.Subject, nil
}
