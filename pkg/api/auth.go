package api

import (
	"crypto/subtle"
	"net/http"
)

// AuthMiddleware enforces bearer-token authentication on every route except
// /health, which stays open for load balancer probes.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := "Bearer " + apiKey
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			if !secureCompare(authHeader, expected) {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// secureCompare performs constant-time comparison
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
