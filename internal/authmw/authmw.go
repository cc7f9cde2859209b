// Package authmw provides HTTP middleware for bearer token authentication.
// Each token belongs to exactly one workspace; the middleware puts that
// workspace on the request context for the handlers.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

type workspaceKey struct{}

// Tokens maps bearer tokens to workspace ids.
type Tokens map[string]string

// ParseTokens parses a comma-separated "token=workspace" list. Blank
// entries are skipped. A token may appear only once.
func ParseTokens(s string) (Tokens, error) {
	out := Tokens{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		tok, ws, ok := strings.Cut(entry, "=")
		tok, ws = strings.TrimSpace(tok), strings.TrimSpace(ws)
		if !ok || tok == "" || ws == "" {
			return nil, fmt.Errorf("api token entry %q: want token=workspace", redact(entry))
		}
		if _, dup := out[tok]; dup {
			return nil, fmt.Errorf("api token for workspace %q listed twice", ws)
		}
		out[tok] = ws
	}
	return out, nil
}

// Workspaces returns the distinct workspaces the tokens grant.
func (t Tokens) Workspaces() []string {
	seen := make(map[string]bool, len(t))
	var out []string
	for _, ws := range t {
		if !seen[ws] {
			seen[ws] = true
			out = append(out, ws)
		}
	}
	return out
}

// lookup compares against every token so timing does not reveal which
// prefix matched.
func (t Tokens) lookup(got []byte) (string, bool) {
	var match string
	found := 0
	for tok, ws := range t {
		if subtle.ConstantTimeCompare(got, []byte(tok)) == 1 {
			match = ws
			found = 1
		}
	}
	return match, found == 1
}

// BearerToken returns middleware that requires an Authorization header
// carrying one of the configured tokens and attaches the token's
// workspace to the request context.
func BearerToken(tokens Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			ws, ok := tokens.lookup([]byte(auth[len("Bearer "):]))
			if !ok {
				writeUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithWorkspace(r.Context(), ws)))
		})
	}
}

// WithWorkspace attaches an authenticated workspace id to ctx.
func WithWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceKey{}, workspaceID)
}

// WorkspaceFromContext returns the authenticated workspace id.
func WorkspaceFromContext(ctx context.Context) (string, bool) {
	ws, ok := ctx.Value(workspaceKey{}).(string)
	return ws, ok && ws != ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}

func redact(entry string) string {
	tok, ws, _ := strings.Cut(entry, "=")
	if len(tok) > 4 {
		tok = tok[:4] + "..."
	}
	if ws == "" {
		return tok
	}
	return tok + "=" + ws
}
