// Package auth guards the admin surface with an optional API key. The key
// is compared as a SHA-256 hash in constant time; an empty configured key
// disables the guard entirely, for deployments that authenticate upstream.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// Guard validates admin requests against a configured API key.
type Guard struct {
	keyHash string
}

// NewGuard creates a guard for the given key. An empty key yields a guard
// that admits everything.
func NewGuard(apiKey string) *Guard {
	g := &Guard{}
	if apiKey != "" {
		g.keyHash = HashAPIKey(apiKey)
	}
	return g
}

// Enabled reports whether a key is configured.
func (g *Guard) Enabled() bool { return g.keyHash != "" }

// Allow reports whether the request carries the configured key.
func (g *Guard) Allow(r *http.Request) bool {
	if !g.Enabled() {
		return true
	}
	key, ok := extractAPIKey(r)
	if !ok {
		return false
	}
	presented := HashAPIKey(key)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(g.keyHash)) == 1
}

// Middleware rejects requests lacking the configured key with 401.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"type":"unauthorized","message":"invalid or missing API key"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractAPIKey pulls the key from "Authorization: Bearer <key>" or the
// X-API-Key header.
func extractAPIKey(r *http.Request) (string, bool) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, true
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1], true
	}
	return "", false
}

// HashAPIKey creates the SHA-256 hex digest used for key comparison.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
