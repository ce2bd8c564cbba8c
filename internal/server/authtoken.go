package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminTokenMiddleware guards routes behind a static bearer token. An empty
// token makes the middleware pass-through; the control plane then runs open,
// which suits single-operator deployments behind a private network.
func AdminTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("Authorization")
			if supplied == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}
			supplied = strings.TrimPrefix(supplied, "Bearer ")

			if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
