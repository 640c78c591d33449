package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerAuth validates the API token. Clients that cannot set headers, such as
// browser EventSource and WebSocket connections, may pass it as access_token.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, msg := requestToken(r)
		if msg != "" {
			s.writeError(w, http.StatusUnauthorized, msg)
			return
		}
		if !constantTimeEqual(token, s.config.Token) {
			s.logger.Warn("rejected API token", "path", r.URL.Path, "remote", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestToken returns the presented token, or a message describing why none
// could be read.
func requestToken(r *http.Request) (string, string) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if q := strings.TrimSpace(r.URL.Query().Get("access_token")); q != "" {
			return q, ""
		}
		return "", "missing Authorization header"
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", "invalid Authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", "missing token"
	}
	return token, ""
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
