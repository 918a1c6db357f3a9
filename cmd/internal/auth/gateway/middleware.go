package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity attached by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Require rejects unauthenticated requests. Page requests (Accept: text/html)
// are redirected to the login page with 303; everything else gets a 401.
func (g *Gateway) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := g.Authenticate(r.Context(), r)
		if err != nil {
			g.challenge(w, r, err)
			return
		}
		if !g.attachRenewed(w, res) {
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), res.Identity)))
	})
}

// Optional attaches an identity when one can be established and lets guests
// through otherwise.
func (g *Gateway) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := g.AuthenticateOptional(r.Context(), r)
		if err != nil {
			g.challenge(w, r, err)
			return
		}
		if res == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !g.attachRenewed(w, *res) {
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), res.Identity)))
	})
}

// RequireAPIKey authenticates with an `Authorization: Bearer` API key. It
// never redirects.
func (g *Gateway) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.AuthenticateAPIKey(r.Context(), r)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (g *Gateway) attachRenewed(w http.ResponseWriter, res Result) bool {
	if res.Renewed == nil {
		return true
	}
	if _, err := g.cookies.SetSession(w, *res.Renewed); err != nil {
		g.log.Error("gateway.renew.cookie.fail", "err", err, "session_id", res.Renewed.SessionID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return false
	}
	return true
}

func (g *Gateway) challenge(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, ErrUnauthenticated) {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if WantsHTML(r) {
		http.Redirect(w, r, g.loginPath, http.StatusSeeOther)
		return
	}
	writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
}

// WantsHTML reports whether r is a page request rather than an API call.
func WantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": msg},
	})
}
