package security

import (
	"net/http"
	"net/url"
	"strings"
)

// SetSecurityHeaders sets the security headers required on every OAuth
// response. The CSP is maximally strict because no endpoint serves HTML.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuerURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token and code responses must never be cached.
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}

// HeadersMiddleware returns middleware that applies SetSecurityHeaders to
// every response. Discovery documents are exempted from the no-store rule
// since they are public and safe to cache briefly.
func HeadersMiddleware(issuerURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, issuerURL)
			if strings.HasPrefix(r.URL.Path, "/.well-known/") {
				w.Header().Set("Cache-Control", "public, max-age=300")
				w.Header().Del("Pragma")
			}
			next.ServeHTTP(w, r)
		})
	}
}
