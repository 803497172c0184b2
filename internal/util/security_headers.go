package util

import (
	"net/http"
	"strings"
)

const (
	apiCSP   = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
	mediaCSP = "default-src 'none'; img-src 'self'; sandbox"

	mediaCacheControl = "public, max-age=86400, immutable"
	hstsValue         = "max-age=31536000; includeSubDomains"
)

// WithSecurityHeaders sets response hardening headers. API responses carry
// tenant data and are never cached. Listing images under /media/ are stored
// under random keys, so they may be cached and embedded cross-origin.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")

		switch {
		case strings.HasPrefix(r.URL.Path, "/media/"):
			h.Set("Content-Security-Policy", mediaCSP)
			h.Set("Cache-Control", mediaCacheControl)
			h.Set("Cross-Origin-Resource-Policy", "cross-origin")
		case strings.HasPrefix(r.URL.Path, "/api/"):
			h.Set("Content-Security-Policy", apiCSP)
			h.Set("Cache-Control", "no-store")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
		default:
			h.Set("Content-Security-Policy", apiCSP)
		}

		if isHTTPS(r) {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		next.ServeHTTP(w, r)
	})
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}
