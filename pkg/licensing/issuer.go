package licensing

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInvalidDuration is returned by Issue for a non-positive duration or one
// whose expiry does not fit in epoch millis.
var ErrInvalidDuration = errors.New("invalid entitlement duration")

// Issuer produces signed entitlement tokens.
type Issuer struct {
	keys *KeyMaterial
	now  func() time.Time
}

// IssuerOption customizes an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerClock overrides the issuer's clock.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer creates an Issuer signing with keys.
func NewIssuer(keys *KeyMaterial, opts ...IssuerOption) *Issuer {
	i := &Issuer{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue signs an entitlement for orderID lasting durationDays from now.
// A missing signing key is a configuration error, returned as CodeNotConfigured.
func (i *Issuer) Issue(plan, orderID string, durationDays int) (string, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", errors.New("order id is required")
	}
	if durationDays <= 0 {
		return "", fmt.Errorf("%w: must be positive, got %d days", ErrInvalidDuration, durationDays)
	}
	issuedAt := i.now().UnixMilli()
	if int64(durationDays) > (math.MaxInt64-issuedAt)/millisPerDay {
		return "", fmt.Errorf("%w: %d days overflows the expiry timestamp", ErrInvalidDuration, durationDays)
	}
	plan = strings.TrimSpace(plan)
	if plan == "" {
		plan = DefaultPlan
	}

	priv, err := i.keys.PrivateKey()
	if err != nil {
		if errors.Is(err, ErrNoPrivateKey) {
			return "", NewLicenseError(CodeNotConfigured, err.Error())
		}
		return "", fmt.Errorf("load signing key: %w", err)
	}

	payload := EntitlementPayload{
		LicenseKey: orderID,
		Plan:       plan,
		ExpiresAt:  issuedAt + int64(durationDays)*millisPerDay,
		Source:     SourceRemote,
	}
	return SignPayload(priv, payload)
}

// IssueForSelector issues a Pro entitlement with the duration of the selected plan.
func (i *Issuer) IssueForSelector(selector, orderID string) (string, error) {
	return i.Issue(DefaultPlan, orderID, PlanForSelector(selector).DurationDays)
}

// SignPayload encodes and signs an arbitrary payload.
func SignPayload(priv *rsa.PrivateKey, payload EntitlementPayload) (string, error) {
	if priv == nil {
		return "", ErrNoPrivateKey
	}
	data, err := EncodePayload(payload)
	if err != nil {
		return "", err
	}
	sig, err := SignData(priv, data)
	if err != nil {
		return "", err
	}
	return JoinToken(data, sig), nil
}

// NewOrderID returns a sortable order id for entitlements issued outside a
// payment flow.
func NewOrderID(now time.Time) string {
	return "ORD-" + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
