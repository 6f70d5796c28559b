// Package entitlement keeps the client's view of its Pro entitlement.
//
// A Cache owns one persisted ProStatus, refreshes it when the backing Store
// changes, and activates new license keys through a Verifier.
package entitlement

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcourtman/prolicense/pkg/licensing"
)

// ProStatus is the persisted client entitlement record.
// A nil ExpiresAt means no entitlement is known.
type ProStatus struct {
	LicenseKey string           `json:"licenseKey"`
	ExpiresAt  *int64           `json:"expiresAt"`
	UpdatedAt  *int64           `json:"updatedAt"`
	Plan       string           `json:"plan,omitempty"`
	Source     licensing.Source `json:"source,omitempty"`
}

// EmptyStatus is the all-null status used before activation and after Clear.
func EmptyStatus() ProStatus {
	return ProStatus{}
}

// IsEmpty reports whether s carries no entitlement information at all.
func (s ProStatus) IsEmpty() bool {
	return s.LicenseKey == "" && s.ExpiresAt == nil && s.UpdatedAt == nil && s.Plan == "" && s.Source == ""
}

// Equal compares two statuses by value.
func (s ProStatus) Equal(o ProStatus) bool {
	return s.LicenseKey == o.LicenseKey &&
		equalMillis(s.ExpiresAt, o.ExpiresAt) &&
		equalMillis(s.UpdatedAt, o.UpdatedAt) &&
		s.Plan == o.Plan &&
		s.Source == o.Source
}

// Expiry returns the expiry time, or the zero time when unknown.
func (s ProStatus) Expiry() time.Time {
	if s.ExpiresAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*s.ExpiresAt)
}

// IsActive reports whether status grants Pro at now. Entitlements are active
// only while expiresAt is strictly in the future.
func IsActive(status ProStatus, now time.Time) bool {
	return status.ExpiresAt != nil && *status.ExpiresAt > now.UnixMilli()
}

func equalMillis(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func millis(v int64) *int64 {
	return &v
}

// storedStatus is the lenient decode shape for persisted records written by
// older clients, which may carry timestamps as date strings.
type storedStatus struct {
	LicenseKey string           `json:"licenseKey"`
	ExpiresAt  json.RawMessage  `json:"expiresAt"`
	UpdatedAt  json.RawMessage  `json:"updatedAt"`
	Plan       string           `json:"plan"`
	Source     licensing.Source `json:"source"`
}

func decodeStatus(data []byte) (ProStatus, error) {
	var stored storedStatus
	if err := json.Unmarshal(data, &stored); err != nil {
		return EmptyStatus(), err
	}
	status := ProStatus{
		LicenseKey: strings.TrimSpace(stored.LicenseKey),
		Plan:       stored.Plan,
		Source:     stored.Source,
	}
	if v := licensing.NormalizeTimestamp(stored.ExpiresAt); v > 0 {
		status.ExpiresAt = millis(v)
	}
	if v := licensing.NormalizeTimestamp(stored.UpdatedAt); v > 0 {
		status.UpdatedAt = millis(v)
	}
	return status, nil
}

// statusFromPayload builds the status adopted after a successful verification.
func statusFromPayload(licenseKey string, p *licensing.EntitlementPayload, source licensing.Source, now time.Time) ProStatus {
	plan := p.Plan
	if plan == "" {
		plan = licensing.DefaultPlan
	}
	return ProStatus{
		LicenseKey: licenseKey,
		ExpiresAt:  millis(p.ExpiresAt),
		UpdatedAt:  millis(now.UnixMilli()),
		Plan:       plan,
		Source:     source,
	}
}

// MaskLicenseKey hides most of a license key for display.
func MaskLicenseKey(licenseKey string) string {
	return licensing.MaskKey(licenseKey)
}

// FormatExpiry renders an expiry as a local calendar date, or "" when unknown.
func FormatExpiry(expiresAt *int64) string {
	if expiresAt == nil || *expiresAt <= 0 {
		return ""
	}
	return time.UnixMilli(*expiresAt).Local().Format("2006-01-02")
}
