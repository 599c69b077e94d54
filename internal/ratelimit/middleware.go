package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// IdentityFunc extracts the authenticated user id from a request, empty when
// anonymous. The HTTP layer supplies it so this package stays transport-only.
type IdentityFunc func(r *http.Request) string

// Middleware enforces admissions on an HTTP handler chain. Advisory headers
// go on every response; denials get a 429 with Retry-After.
func (e *Engine) Middleware(identity IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := AdmitRequest{Path: r.URL.Path, IP: clientIP(r)}
			if identity != nil {
				req.UserID = identity(r)
			}

			res, err := e.Admit(r.Context(), req)
			if err != nil {
				// A broken limiter must not take the API down with it.
				slog.Warn("rate limit admission failed, allowing request", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			for key, values := range res.Headers() {
				for _, v := range values {
					w.Header().Add(key, v)
				}
			}

			if !res.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":               "rate limit exceeded",
					"retry_after_seconds": res.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
