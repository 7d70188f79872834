package server

import (
	"net/http"
	"strings"

	"github.com/koltyakov/edgeman/internal/auth"
)

// admin wraps h with API key authentication. Mutating calls are rate
// limited per key.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := s.authenticate(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		if r.Method != http.MethodGet && !s.limiter.allow(keyID) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", ErrorCode: errCodeRateLimit})
			return
		}
		h(w, r)
	}
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	key := auth.BearerToken(r.Header.Get("Authorization"))
	if key == "" {
		return "", false
	}
	h := auth.HashAPIKey(key, s.cfg.APIKeyPepper)
	keyID, err := s.store.ResolveAPIKeyID(r.Context(), h)
	if err != nil {
		return "", false
	}
	return keyID, true
}

// gatewayToken reads the shared gateway token from X-Gateway-Token, falling
// back to a Bearer Authorization header.
func gatewayToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Gateway-Token")); t != "" {
		return t
	}
	return auth.BearerToken(r.Header.Get("Authorization"))
}

// Authorize reports whether r carries a valid API key. It gates listeners
// outside the admin API, such as pprof.
func (s *Server) Authorize(r *http.Request) bool {
	_, ok := s.authenticate(r)
	return ok
}
