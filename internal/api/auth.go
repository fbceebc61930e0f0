package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Admin  bool
}

// Tokens maps bearer tokens to principals.
type Tokens map[string]Principal

// ParseTokens parses "token=user[:admin],...".
func ParseTokens(s string) (Tokens, error) {
	out := Tokens{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, who, ok := strings.Cut(entry, "=")
		if !ok || token == "" || who == "" {
			return nil, fmt.Errorf("invalid auth token entry %q", entry)
		}
		user, role, _ := strings.Cut(who, ":")
		switch role {
		case "", "admin":
		default:
			return nil, fmt.Errorf("invalid role %q for user %q", role, user)
		}
		out[token] = Principal{UserID: user, Admin: role == "admin"}
	}
	return out, nil
}

type principalKey struct{}

// PrincipalFrom returns the caller attached by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// authenticate accepts "Authorization: Bearer <token>" or, for websocket
// upgrades that cannot set headers, a "token" query parameter.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		p, ok := a.tokens[token]
		if token == "" || !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, _ := PrincipalFrom(r.Context()); !p.Admin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin only"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
