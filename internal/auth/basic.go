// Package auth guards the editor API.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type userKey struct{}

func withUser(r *http.Request, user string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userKey{}, user))
}

// BasicAuth rejects requests without the configured credentials. /health and
// /metrics stay open.
func BasicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			user, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 || subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="Octophus"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, withUser(r, strings.TrimSpace(user)))
		})
	}
}

// UserFromRequest returns the user set by one of the middlewares, empty when
// auth is off.
func UserFromRequest(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}
