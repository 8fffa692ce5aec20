// Package auth resolves the calling principal for each request.
//
// A request carrying "Authorization: Bearer <token>" is mapped through the
// configured token table. When the table is empty the server runs in
// development mode and trusts the X-Principal header instead. Requests
// without credentials pass through anonymously; handlers that need a
// caller reject them.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// PrincipalHeader is the development-mode identity header.
const PrincipalHeader = "X-Principal"

type ctxKey struct{}

// WithCaller returns a copy of ctx carrying principal.
func WithCaller(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, ctxKey{}, principal)
}

// Caller returns the authenticated principal, if any.
func Caller(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(ctxKey{}).(string)
	return p, ok && p != ""
}

// Middleware authenticates requests against tokens (token → principal).
type Middleware struct {
	tokens map[string]string
}

// New creates an authentication middleware. A nil or empty token table
// enables development mode.
func New(tokens map[string]string) *Middleware {
	return &Middleware{tokens: tokens}
}

// Handler wraps next, attaching the caller to the request context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := m.resolve(r)
		if !ok {
			slog.Warn("rejected credentials", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":  "invalid bearer token",
				"code":   "Unauthorized",
				"reason": "Unauthorized",
			})
			return
		}
		if principal != "" {
			r = r.WithContext(WithCaller(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

// resolve returns the principal for r. ok is false only when credentials
// were presented and are invalid.
func (m *Middleware) resolve(r *http.Request) (principal string, ok bool) {
	if len(m.tokens) == 0 {
		return strings.TrimSpace(r.Header.Get(PrincipalHeader)), true
	}
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", true
	}
	token, found := strings.CutPrefix(h, "Bearer ")
	if !found {
		return "", false
	}
	principal, ok = m.tokens[strings.TrimSpace(token)]
	return principal, ok
}
