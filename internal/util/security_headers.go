package util

import (
	"net/http"
	"strings"
)

// SecurityHeaders returns middleware adding portal response security headers.
// imgSources extends img-src beyond 'self', e.g. the public media base URL.
func SecurityHeaders(imgSources ...string) func(http.Handler) http.Handler {
	img := []string{"'self'"}
	for _, src := range imgSources {
		if src = strings.TrimSpace(src); src != "" {
			img = append(img, src)
		}
	}
	csp := "default-src 'none'; img-src " + strings.Join(img, " ") + "; frame-ancestors 'none'; base-uri 'none'; form-action 'self'"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")
			h.Set("Content-Security-Policy", csp)

			// HSTS only over HTTPS (direct or forwarded).
			if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
