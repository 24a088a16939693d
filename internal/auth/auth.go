// Package auth guards the ops API with bearer tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Well-known scopes.
const (
	ScopeAll     = "*"
	ScopeAuditRO = "audit:ro"
	ScopeAuditRW = "audit:rw"
	ScopeDBRO    = "db:ro"
)

// KnownScope reports whether s is a scope some endpoint checks for.
func KnownScope(s string) bool {
	switch s {
	case ScopeAll, ScopeAuditRO, ScopeAuditRW, ScopeDBRO:
		return true
	}
	return false
}

var (
	ErrMissingKey = errors.New("missing or invalid API key")
	ErrBadKey     = errors.New("invalid API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken returns the token from "Authorization: Bearer <token>".
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrMissingKey
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingKey
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// If apiKey matches, it authenticates as admin with scope "*".
func Authenticate(presented string, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, apiKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read.
	if _, ok := out[ScopeAuditRW]; ok {
		out[ScopeAuditRO] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

// Guard holds the configured credentials.
type Guard struct {
	APIKey string
	Tokens []TokenConfig
}

// Configured reports whether any credential exists.
func (g Guard) Configured() bool {
	return g.APIKey != "" || len(g.Tokens) > 0
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errText, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errText, Message: msg})
}

// Middleware authenticates the request and requires one of the scopes.
// With no credentials configured every request gets 500.
func (g Guard) Middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Configured() {
				writeError(w, http.StatusInternalServerError, "Server Configuration Error", "API authentication not configured")
				return
			}

			token, err := ExtractBearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "Missing or invalid API key")
				return
			}

			p, ok := Authenticate(token, g.APIKey, g.Tokens)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid API key")
				return
			}
			if !HasAnyScope(p, required...) {
				writeError(w, http.StatusForbidden, "Forbidden", "Insufficient scope")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
