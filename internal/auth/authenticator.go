package auth

import (
	"context"
	"net/http"
	"strings"
)

// Credential source names, reported in logs and metrics.
const (
	SourcePayload = "payload"
	SourceHeader  = "header"
	SourceCookie  = "cookie"
)

// Authenticator extracts and verifies the credential attached to an inbound
// request. Sources are checked in a fixed priority order and the first one
// present wins, even if it later fails verification:
//
//  1. explicit payload (the query parameter, used by cross-origin clients
//     that cannot set headers on a WebSocket handshake)
//  2. Authorization: Bearer header
//  3. cookie (same-origin browsers)
type Authenticator struct {
	tokens     *TokenManager
	queryParam string
	cookieName string
}

// NewAuthenticator returns an Authenticator over tokens.
func NewAuthenticator(tokens *TokenManager, queryParam, cookieName string) *Authenticator {
	if queryParam == "" {
		queryParam = "token"
	}
	if cookieName == "" {
		cookieName = "token"
	}
	return &Authenticator{tokens: tokens, queryParam: queryParam, cookieName: cookieName}
}

// Authenticate verifies the request's credential. It never falls back to an
// anonymous identity: a request without a valid credential is an error.
func (a *Authenticator) Authenticate(r *http.Request) (Verified, string, error) {
	token, source := a.Extract(r)
	v, err := a.tokens.Verify(token)
	return v, source, err
}

// VerifyToken verifies a token presented in-band (re-authentication).
func (a *Authenticator) VerifyToken(token string) (Verified, error) {
	return a.tokens.Verify(token)
}

// Extract returns the first credential present and its source.
func (a *Authenticator) Extract(r *http.Request) (string, string) {
	if tok := strings.TrimSpace(r.URL.Query().Get(a.queryParam)); tok != "" {
		return tok, SourcePayload
	}

	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if tok := strings.TrimSpace(parts[1]); tok != "" {
				return tok, SourceHeader
			}
		}
	}

	if c, err := r.Cookie(a.cookieName); err == nil && c.Value != "" {
		return c.Value, SourceCookie
	}

	return "", ""
}

type ctxKey struct{}

// WithIdentity returns a context carrying the verified identity.
func WithIdentity(ctx context.Context, v Verified) context.Context {
	return context.WithValue(ctx, ctxKey{}, v)
}

// FromContext returns the verified identity stored by WithIdentity.
func FromContext(ctx context.Context) (Verified, bool) {
	v, ok := ctx.Value(ctxKey{}).(Verified)
	return v, ok
}
