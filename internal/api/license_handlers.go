package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/prolicense/internal/config"
	"github.com/rcourtman/prolicense/internal/logging"
	"github.com/rcourtman/prolicense/internal/metrics"
	"github.com/rcourtman/prolicense/pkg/licensing"
)

const maxVerifyBodyBytes = 64 << 10

// VerifyResponse is the body of every /api/license/verify answer.
type VerifyResponse struct {
	Valid     bool                `json:"valid"`
	Plan      string              `json:"plan,omitempty"`
	ExpiresAt int64               `json:"expiresAt,omitempty"`
	Expired   bool                `json:"expired,omitempty"`
	Code      licensing.ErrorCode `json:"code,omitempty"`
	Message   string              `json:"message,omitempty"`
}

// verifyRequest accepts licenseKey or its older alias license. Values are
// kept raw so a numeric key is read as its literal text.
type verifyRequest struct {
	LicenseKey json.RawMessage `json:"licenseKey"`
	License    json.RawMessage `json:"license"`
}

// LicenseHandlers serves the license verification endpoints. Configuration is
// read from the provider on every request so key rotation needs no restart.
type LicenseHandlers struct {
	config *config.Provider
	now    func() time.Time
}

// NewLicenseHandlers creates handlers backed by provider.
func NewLicenseHandlers(provider *config.Provider, now func() time.Time) *LicenseHandlers {
	if now == nil {
		now = time.Now
	}
	return &LicenseHandlers{config: provider, now: now}
}

// HandleVerify handles POST /api/license/verify.
func (h *LicenseHandlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, VerifyResponse{Message: "Method not allowed"})
		return
	}

	key := readLicenseKey(w, r)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{
			Code:    licensing.CodeMissing,
			Message: "Missing license key",
		})
		return
	}

	cfg := h.config.Current()
	store := cfg.LegacyStore()
	verifier := licensing.NewVerifier(cfg.KeyMaterial(),
		licensing.WithLegacySource(licensing.StaticLegacySource(store)),
		licensing.WithClock(h.now),
	)

	start := time.Now()
	payload, err := verifier.Verify(key)
	elapsed := time.Since(start)

	if _, ok := store.Lookup(key); ok {
		metrics.RecordLegacyMatch()
	}

	logger := logging.FromContext(r.Context())
	if err != nil {
		lerr := licensing.AsLicenseError(err)
		metrics.RecordVerification(string(lerr.Code), elapsed)
		status, resp := failureResponse(lerr)
		if lerr.Code == licensing.CodeNotConfigured {
			logger.Error().Str("reason", lerr.Message).Msg("License verification is not configured")
		} else {
			logger.Debug().
				Str("license", licensing.MaskKey(key)).
				Str("code", string(lerr.Code)).
				Msg("License verification rejected")
		}
		writeJSON(w, status, resp)
		return
	}

	metrics.RecordVerification(metrics.ResultValid, elapsed)
	logger.Debug().
		Str("license", licensing.MaskKey(key)).
		Str("plan", payload.Plan).
		Int64("expires_at", payload.ExpiresAt).
		Msg("License verified")

	writeJSON(w, http.StatusOK, VerifyResponse{
		Valid:     true,
		Plan:      payload.Plan,
		ExpiresAt: payload.ExpiresAt,
	})
}

// HandlePublicKey handles GET /api/license/public-key so offline clients can
// be provisioned with the verification key.
func (h *LicenseHandlers) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pem, ok := h.config.Current().KeyMaterial().PublicKeyPEM()
	if !ok {
		http.Error(w, "Public key not available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = io.WriteString(w, pem)
}

func failureResponse(lerr *licensing.LicenseError) (int, VerifyResponse) {
	switch lerr.Code {
	case licensing.CodeExpired:
		return http.StatusOK, VerifyResponse{
			Code:      licensing.CodeExpired,
			Expired:   true,
			ExpiresAt: lerr.ExpiresAt,
		}
	case licensing.CodeMissing:
		return http.StatusBadRequest, VerifyResponse{Code: licensing.CodeMissing, Message: "Missing license key"}
	case licensing.CodeNotConfigured:
		return http.StatusServiceUnavailable, VerifyResponse{
			Code:    licensing.CodeNotConfigured,
			Message: "License verification is not configured",
		}
	case licensing.CodeUnknown:
		return http.StatusOK, VerifyResponse{Code: licensing.CodeUnknown, Message: "Missing expiresAt"}
	default:
		return http.StatusOK, VerifyResponse{Code: licensing.CodeInvalid, Message: "Invalid license key"}
	}
}

// readLicenseKey extracts the trimmed key from the request body. Any body
// that cannot be read as a JSON object yields an empty key.
func readLicenseKey(w http.ResponseWriter, r *http.Request) string {
	r.Body = http.MaxBytesReader(w, r.Body, maxVerifyBodyBytes)
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			logger := logging.FromContext(r.Context())
			logger.Debug().Int64("limit", maxErr.Limit).Msg("Verify request body too large")
		}
		return ""
	}
	if key := rawKeyText(req.LicenseKey); key != "" {
		return key
	}
	return rawKeyText(req.License)
}

func rawKeyText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return string(raw)
	default:
		// null, booleans, objects and arrays are not keys
		return ""
	}
}
