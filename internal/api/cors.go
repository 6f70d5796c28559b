package api

import (
	"net/http"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Methods": "POST, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type",
	"Access-Control-Max-Age":       "86400",
}

// CORSMiddleware sets CORS headers from the configured origin list and
// answers preflight requests with 204. allowed is read on every request.
func CORSMiddleware(allowed func() string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin, ok := allowedOrigin(allowed(), r.Header.Get("Origin")); ok {
			h.Set("Access-Control-Allow-Origin", origin)
		}
		h.Set("Vary", "Origin")
		for k, v := range corsHeaders {
			h.Set(k, v)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin resolves the Access-Control-Allow-Origin value. configured is
// "*", a single literal origin, or a comma list of origin patterns in which
// "*" matches any run of characters. A matching request origin is echoed.
func allowedOrigin(configured, requestOrigin string) (string, bool) {
	var patterns []string
	for _, p := range strings.Split(configured, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return "*", true
	}
	for _, p := range patterns {
		if p == "*" {
			return "*", true
		}
	}

	if requestOrigin != "" {
		for _, p := range patterns {
			if strings.EqualFold(p, requestOrigin) || wildcard.Match(p, requestOrigin) {
				return requestOrigin, true
			}
		}
	}

	if len(patterns) == 1 && !strings.Contains(patterns[0], "*") {
		return patterns[0], true
	}
	return "", false
}
