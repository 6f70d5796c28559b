package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/prolicense/internal/config"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *config.Provider
	Limiter *RateLimiter // nil builds one from the current config
	Now     func() time.Time
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	cfg := deps.Config
	limiter := deps.Limiter
	if limiter == nil {
		current := cfg.Current()
		limiter = NewRateLimiter(current.RateLimit, current.RateBurst)
	}
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(func() string { return cfg.Current().AdminKey }, next)
	}
	corsOrigin := func() string { return cfg.Current().CORSOrigin }

	licenses := NewLicenseHandlers(cfg, deps.Now)

	// Health is an unauthenticated liveness probe.
	mux.HandleFunc("/healthz", HandleHealthz)

	metricsHandler := promhttp.Handler()
	if cfg.Current().PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	mux.Handle("/api/license/verify", CORSMiddleware(corsOrigin, limiter.Middleware(http.HandlerFunc(licenses.HandleVerify))))
	mux.HandleFunc("/api/license/public-key", licenses.HandlePublicKey)
	mux.Handle("/api/license/issue", adminAuth(http.HandlerFunc(licenses.HandleIssue)))
}

// HandleHealthz answers liveness probes.
func HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// AdminKeyMiddleware requires X-Admin-Key or an Authorization bearer token
// matching the configured admin key. With no key configured every request is
// rejected.
func AdminKeyMiddleware(adminKey func() string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		expected := adminKey()
		if key == "" || expected == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
