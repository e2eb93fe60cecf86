// Package auth verifies the signed, time-limited credential presented on both
// the WebSocket handshake and the HTTP API, and extracts the caller identity.
// Both paths use the same Authenticator so an identity verified on one path is
// verified identically on the other.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/artlounge/chat-app/internal/apperr"
)

// Identity is the authenticated caller.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Claims is the token payload. The identity id travels in the registered
// "sub" claim.
type Claims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// Verified is the result of a successful verification.
type Verified struct {
	Identity  Identity
	ExpiresAt time.Time
}

// Expired reports whether the credential has expired at now.
func (v Verified) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// TokenManager signs and verifies HS256 tokens with a shared secret.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager returns a TokenManager. The secret must not be empty.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: token secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("auth: token ttl must be positive")
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for id valid for the configured TTL. The account
// service owns login; Issue exists for it and for tests and tooling.
func (m *TokenManager) Issue(id Identity) (string, time.Time, error) {
	return m.IssueWithTTL(id, m.ttl)
}

// IssueWithTTL signs a token with an explicit lifetime.
func (m *TokenManager) IssueWithTTL(id Identity, ttl time.Duration) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(ttl)
	claims := &Claims{
		Username: id.Username,
		Email:    id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm and expiry and returns the identity.
// Failures are Authentication errors with code invalid_credential or
// token_expired.
func (m *TokenManager) Verify(token string) (Verified, error) {
	if token == "" {
		return Verified{}, apperr.Authentication(apperr.CodeMissingCredential, "no credential presented")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Verified{}, &apperr.Error{
				Kind: apperr.KindAuthentication, Code: apperr.CodeTokenExpired,
				Message: "credential has expired", Err: err,
			}
		}
		return Verified{}, &apperr.Error{
			Kind: apperr.KindAuthentication, Code: apperr.CodeInvalidCredential,
			Message: "credential is invalid", Err: err,
		}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Verified{}, apperr.Authentication(apperr.CodeInvalidCredential, "credential is invalid")
	}

	v := Verified{
		Identity: Identity{ID: claims.Subject, Username: claims.Username, Email: claims.Email},
	}
	if claims.ExpiresAt != nil {
		v.ExpiresAt = claims.ExpiresAt.Time
	}
	return v, nil
}
