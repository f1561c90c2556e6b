package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyMiddleware guards routes with a single shared API key. Clients may
// present it as an X-API-Key header, an api_key query parameter, or an
// Authorization bearer token. An empty configured key disables the check.
func APIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			presented := extractAPIKey(r)
			if presented == "" {
				unauthorized(w, "missing API key")
				return
			}

			// Hash both sides so the comparison is constant-time over
			// equal-length inputs.
			got := sha256.Sum256([]byte(presented))
			if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if parts := strings.SplitN(auth, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"message":"` + message + `","type":"authentication_error"}}`))
}
