package licensing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// LegacyKeyRecord is a manually provisioned entitlement from static configuration.
type LegacyKeyRecord struct {
	ExpiresAt int64  `json:"expiresAt"` // epoch millis, 0 when absent or unparseable
	Plan      string `json:"plan,omitempty"`
}

// UnmarshalJSON accepts epoch millis or date strings, under expiresAt or expires_at.
func (r *LegacyKeyRecord) UnmarshalJSON(data []byte) error {
	var wire wirePayload
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p := wire.payload()
	r.ExpiresAt = p.ExpiresAt
	r.Plan = p.Plan
	return nil
}

// LegacyStore maps opaque license keys to provisioned entitlements.
type LegacyStore map[string]LegacyKeyRecord

// Lookup finds the record for key.
func (s LegacyStore) Lookup(key string) (LegacyKeyRecord, bool) {
	if s == nil {
		return LegacyKeyRecord{}, false
	}
	rec, ok := s[key]
	return rec, ok
}

// LegacySource yields the current legacy store. It is called once per
// verification so configuration changes apply without restarts.
type LegacySource func() LegacyStore

// StaticLegacySource always returns store.
func StaticLegacySource(store LegacyStore) LegacySource {
	return func() LegacyStore { return store }
}

// ParseLegacyStore decodes the JSON object form of the legacy key store.
// Entries that fail to decode are skipped; a malformed document is an error
// and yields an empty store.
func ParseLegacyStore(raw string) (LegacyStore, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LegacyStore{}, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return LegacyStore{}, fmt.Errorf("parse legacy key store: %w", err)
	}

	store := make(LegacyStore, len(entries))
	for key, entry := range entries {
		if trimmed := bytes.TrimSpace(entry); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		var rec LegacyKeyRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			log.Warn().Err(err).Str("key", MaskKey(key)).Msg("skipping malformed legacy license entry")
			continue
		}
		store[key] = rec
	}
	return store, nil
}

// MaskKey hides most of a license key for logs and display.
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 6 {
		return key[:min(2, len(key))] + "***" + key[len(key)-1:]
	}
	return key[:4] + "****" + key[len(key)-4:]
}
