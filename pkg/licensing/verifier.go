package licensing

import (
	"errors"
	"strings"
	"time"
)

// Verifier resolves a license key into an entitlement.
//
// Keys are looked up in the legacy store first and only then treated as
// signed tokens, so operator-provisioned keys are never shadowed.
type Verifier struct {
	keys   *KeyMaterial
	legacy LegacySource
	now    func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithLegacySource enables the static key-store lookup.
func WithLegacySource(src LegacySource) VerifierOption {
	return func(v *Verifier) { v.legacy = src }
}

// WithClock overrides the verifier's clock.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier creates a Verifier. keys may be nil, in which case only legacy
// keys can verify.
func NewVerifier(keys *KeyMaterial, opts ...VerifierOption) *Verifier {
	v := &Verifier{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks token and returns the normalized payload of an active
// entitlement. Every failure is a *LicenseError.
func (v *Verifier) Verify(token string) (*EntitlementPayload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewLicenseError(CodeMissing, "")
	}

	payload, lerr := v.lookupLegacy(token)
	if payload == nil && lerr == nil {
		payload, lerr = v.verifySigned(token)
	}
	if lerr != nil {
		return nil, lerr
	}

	if payload.ExpiresAt <= 0 {
		return nil, NewLicenseError(CodeUnknown, "Missing expiresAt")
	}
	if payload.ExpiredAt(v.now()) {
		return nil, expiredError(payload.ExpiresAt)
	}
	if payload.Plan == "" {
		payload.Plan = DefaultPlan
	}
	return payload, nil
}

func (v *Verifier) lookupLegacy(key string) (*EntitlementPayload, *LicenseError) {
	if v.legacy == nil {
		return nil, nil
	}
	rec, ok := v.legacy().Lookup(key)
	if !ok {
		return nil, nil
	}
	return &EntitlementPayload{
		LicenseKey: key,
		Plan:       rec.Plan,
		ExpiresAt:  rec.ExpiresAt,
	}, nil
}

func (v *Verifier) verifySigned(token string) (*EntitlementPayload, *LicenseError) {
	data, sig, ok := SplitToken(token)
	if !ok {
		return nil, NewLicenseError(CodeInvalid, "Invalid license key")
	}
	payload, ok := DecodePayload(data)
	if !ok {
		return nil, NewLicenseError(CodeInvalid, "Invalid license key")
	}

	pub, err := v.keys.PublicKey()
	if err != nil {
		if errors.Is(err, ErrNoPrivateKey) {
			return nil, NewLicenseError(CodeNotConfigured, "license verification key is not configured")
		}
		return nil, NewLicenseError(CodeNotConfigured, "license verification key is unusable")
	}
	if !VerifySignature(pub, data, sig) {
		return nil, NewLicenseError(CodeInvalid, "Invalid license key")
	}
	return payload, nil
}
