package devserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmcleod/warden/csrf"
)

type contextKey int

const claimsKey contextKey = iota

// authMiddleware requires a valid bearer token and stores its claims on the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || scheme != "Bearer" || strings.TrimSpace(tok) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		c, err := s.verify(strings.TrimSpace(tok))
		if err != nil {
			s.logger.Debug("rejected bearer token", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, c)))
	})
}

func claimsFrom(ctx context.Context) *claims {
	c, _ := ctx.Value(claimsKey).(*claims)
	return c
}

// csrfMiddleware requires the anti-forgery header on mutating requests.
func csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if csrf.RequiresToken(r.Method) && r.Header.Get(csrf.HeaderName) == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets standard security response headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
