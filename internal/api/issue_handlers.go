package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rcourtman/prolicense/internal/logging"
	"github.com/rcourtman/prolicense/internal/metrics"
	"github.com/rcourtman/prolicense/pkg/licensing"
)

// IssueRequest asks the server to sign an entitlement after a confirmed
// payment. Plan is a selector ("monthly" or "yearly"); Days overrides the
// selector's duration.
type IssueRequest struct {
	Plan    string `json:"plan"`
	OrderID string `json:"orderId"`
	Days    int    `json:"days,omitempty"`
}

// IssueResponse carries the signed token shown to the buyer.
type IssueResponse struct {
	LicenseKey string `json:"licenseKey"`
	OrderID    string `json:"orderId"`
	Plan       string `json:"plan"`
	ExpiresAt  int64  `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HandleIssue handles POST /api/license/issue. It must sit behind admin auth.
func (h *LicenseHandlers) HandleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVerifyBodyBytes)
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Days < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days must be positive"})
		return
	}

	now := h.now()
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = licensing.NewOrderID(now)
	}
	days := req.Days
	if days == 0 {
		days = licensing.PlanForSelector(req.Plan).DurationDays
	}

	issuer := licensing.NewIssuer(h.config.Current().KeyMaterial(), licensing.WithIssuerClock(h.now))
	token, err := issuer.Issue(licensing.DefaultPlan, orderID, days)
	logger := logging.FromContext(r.Context())
	if err != nil {
		if errors.Is(err, licensing.ErrNotConfigured) {
			logger.Error().Err(err).Msg("License issuance is not configured")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error: "License signing is not configured",
				Code:  string(licensing.CodeNotConfigured),
			})
			return
		}
		if errors.Is(err, licensing.ErrInvalidDuration) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days is out of range"})
			return
		}
		logger.Error().Err(err).Str("order_id", orderID).Msg("Failed to issue license")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to issue license"})
		return
	}

	metrics.RecordTokenIssued(licensing.DefaultPlan)
	var expiresAt int64
	if data, _, ok := licensing.SplitToken(token); ok {
		if payload, ok := licensing.DecodePayload(data); ok {
			expiresAt = payload.ExpiresAt
		}
	}
	logger.Info().
		Str("order_id", orderID).
		Int("days", days).
		Int64("expires_at", expiresAt).
		Msg("Issued license")

	writeJSON(w, http.StatusOK, IssueResponse{
		LicenseKey: token,
		OrderID:    orderID,
		Plan:       licensing.DefaultPlan,
		ExpiresAt:  expiresAt,
	})
}
