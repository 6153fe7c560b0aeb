// ABOUTME: Shared-secret query-token check guarding every /api/* route.
// ABOUTME: Constant-time comparison, flat 403 on mismatch with no detail leaked.
package dash

import (
	"crypto/subtle"
	"net/http"
)

// requireToken is chi middleware enforcing the shared-secret token on API
// routes. The token travels as a query parameter so the browser EventSource
// API (which cannot set headers) can authenticate.
func (s *Server) requireToken(next http.Handler) http.Handler {
	expected := []byte(s.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
