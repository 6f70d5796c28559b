// Package licensing issues and verifies signed Pro entitlement tokens.
//
// A token is base64(JSON payload) + "." + base64(RSA-SHA256 signature of the
// base64 text). Verification needs only the public half of a single keypair
// plus an optional static map of manually provisioned keys, so the verifying
// server keeps no database.
package licensing

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultPlan is reported for entitlements that do not name a plan.
const DefaultPlan = "pro"

const millisPerDay int64 = 86_400_000

// Source records where an entitlement status was established.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// EntitlementPayload is the fact set a token asserts.
// Field order is part of the wire format: the issuer signs the encoded bytes.
type EntitlementPayload struct {
	LicenseKey string `json:"licenseKey"`
	Plan       string `json:"plan"`
	ExpiresAt  int64  `json:"expiresAt"` // epoch millis, 0 when absent or unparseable
	Source     Source `json:"source"`
}

// Expiry returns ExpiresAt as a time.
func (p *EntitlementPayload) Expiry() time.Time {
	return time.UnixMilli(p.ExpiresAt)
}

// ExpiredAt reports whether the entitlement has lapsed at now.
// An entitlement is active only while expiresAt is strictly in the future.
func (p *EntitlementPayload) ExpiredAt(now time.Time) bool {
	return p.ExpiresAt <= now.UnixMilli()
}

// DaysRemaining returns whole days left at now, never negative.
func (p *EntitlementPayload) DaysRemaining(now time.Time) int {
	remaining := p.ExpiresAt - now.UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return int(remaining / millisPerDay)
}

// wirePayload is the decode shape. Strings are typed so a mistyped field fails
// the whole decode; timestamps stay raw so both epoch millis and dates parse.
type wirePayload struct {
	LicenseKey   string          `json:"licenseKey"`
	Plan         string          `json:"plan"`
	ExpiresAt    json.RawMessage `json:"expiresAt"`
	ExpiresAtAlt json.RawMessage `json:"expires_at"`
	Source       Source          `json:"source"`
}

func (w wirePayload) payload() *EntitlementPayload {
	expiresAt := NormalizeTimestamp(w.ExpiresAt)
	if expiresAt == 0 {
		expiresAt = NormalizeTimestamp(w.ExpiresAtAlt)
	}
	return &EntitlementPayload{
		LicenseKey: w.LicenseKey,
		Plan:       w.Plan,
		ExpiresAt:  expiresAt,
		Source:     w.Source,
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// NormalizeTimestamp converts a raw JSON value into epoch millis.
// Numbers are taken as millis; strings may hold millis or an RFC 3339 / ISO date.
// Anything absent, non-finite, non-positive or unparseable yields 0.
func NormalizeTimestamp(raw json.RawMessage) int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		return parseTimestampString(s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return millisFromNumber(string(n))
}

func parseTimestampString(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if ms := millisFromNumber(s); ms > 0 {
		return ms
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if ms := t.UnixMilli(); ms > 0 {
				return ms
			}
			return 0
		}
	}
	return 0
}

func millisFromNumber(s string) int64 {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i <= 0 {
			return 0
		}
		return i
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 || f >= math.MaxInt64 {
		return 0
	}
	return int64(f)
}
