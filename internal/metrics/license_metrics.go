package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prolicense"

// ResultValid labels a verification that granted an entitlement. Failed
// verifications are labelled with their error code.
const ResultValid = "valid"

var (
	// Verification endpoint metrics
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total license verifications by result (valid or error code)",
		},
		[]string{"result"},
	)

	VerifyDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verify_duration_seconds",
			Help:      "Time spent verifying a license key",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	LegacyLookupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_key_matches_total",
			Help:      "Total verifications answered from the legacy key store",
		},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Total verify requests rejected by the per-client rate limiter",
		},
	)

	// Issuance metrics
	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Total signed license tokens issued by plan",
		},
		[]string{"plan"},
	)

	// Configuration metrics
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads triggered by .env changes by outcome",
		},
		[]string{"outcome"},
	)

	VerificationConfigured = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verification_configured",
			Help:      "1 when signing key material is configured, 0 otherwise",
		},
	)
)

// RecordVerification records the outcome and latency of one verification.
func RecordVerification(result string, elapsed time.Duration) {
	if result == "" {
		result = "unknown"
	}
	VerificationsTotal.WithLabelValues(result).Inc()
	VerifyDurationSeconds.Observe(elapsed.Seconds())
}

// RecordLegacyMatch records a key answered from the legacy store.
func RecordLegacyMatch() {
	LegacyLookupsTotal.Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}

// RecordTokenIssued records a newly signed token.
func RecordTokenIssued(plan string) {
	TokensIssuedTotal.WithLabelValues(plan).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func RecordConfigReload(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	ConfigReloadsTotal.WithLabelValues(outcome).Inc()
}

// SetVerificationConfigured updates the key material gauge.
func SetVerificationConfigured(configured bool) {
	if configured {
		VerificationConfigured.Set(1)
		return
	}
	VerificationConfigured.Set(0)
}
