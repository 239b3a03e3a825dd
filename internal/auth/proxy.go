package auth

import (
	"net/http"
)

// ProxyUser records the Basic Auth username without checking the password.
// Validation is left to a reverse proxy in front of the server. Requests
// without credentials are attributed to defaultUser.
func ProxyUser(defaultUser string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			user, _, ok := r.BasicAuth()
			if !ok || user == "" {
				user = defaultUser
			}
			next.ServeHTTP(w, withUser(r, user))
		})
	}
}
