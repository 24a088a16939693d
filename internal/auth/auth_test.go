package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc123", "abc123", false},
		{"extra whitespace", "Bearer   abc123  ", "abc123", false},
		{"missing", "", "", true},
		{"basic auth", "Basic dXNlcjpwYXNz", "", true},
		{"empty token", "Bearer    ", "", true},
		{"lowercase scheme", "bearer abc123", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMissingKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeAuditRO}},
		{Token: "writer", Scopes: []string{ScopeAuditRW, " "}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeDBRO))

	p, ok = Authenticate("reader", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeAuditRO))
	assert.False(t, HasAnyScope(p, ScopeDBRO))

	p, ok = Authenticate("writer", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeAuditRO), "rw implies ro")

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty key never matches")
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, found := PrincipalFromContext(r.Context())
		assert.True(t, found)
		assert.NotEmpty(t, p.Token)
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		guard      Guard
		header     string
		wantStatus int
		wantMsg    string
	}{
		{"not configured", Guard{}, "Bearer x", http.StatusInternalServerError, "API authentication not configured"},
		{"missing header", Guard{APIKey: "k"}, "", http.StatusUnauthorized, "Missing or invalid API key"},
		{"wrong key", Guard{APIKey: "k"}, "Bearer other", http.StatusUnauthorized, "Invalid API key"},
		{"insufficient scope", Guard{Tokens: []TokenConfig{{Token: "t", Scopes: []string{ScopeDBRO}}}}, "Bearer t", http.StatusForbidden, "Insufficient scope"},
		{"admin key", Guard{APIKey: "k"}, "Bearer k", http.StatusNoContent, ""},
		{"scoped token", Guard{Tokens: []TokenConfig{{Token: "t", Scopes: []string{ScopeAuditRO}}}}, "Bearer t", http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.guard.Middleware(ScopeAuditRO)(ok)
			r := httptest.NewRequest(http.MethodGet, "/audit", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantMsg == "" {
				return
			}
			var body errorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}
