package entitlement

import (
	"context"
	"strings"
	"time"

	"github.com/rcourtman/prolicense/pkg/licensing"
)

// LocalVerifier checks signed tokens offline against a public key.
// Legacy keys exist only on the server and never verify here.
type LocalVerifier struct {
	verifier *licensing.Verifier
	now      func() time.Time
}

// NewLocalVerifier builds an offline verifier. now may be nil.
func NewLocalVerifier(publicKey string, now func() time.Time) *LocalVerifier {
	if now == nil {
		now = time.Now
	}
	return &LocalVerifier{
		verifier: licensing.NewVerifier(licensing.NewKeyMaterial("", publicKey), licensing.WithClock(now)),
		now:      now,
	}
}

func (l *LocalVerifier) Verify(_ context.Context, licenseKey string) (ProStatus, error) {
	licenseKey = strings.TrimSpace(licenseKey)
	payload, err := l.verifier.Verify(licenseKey)
	if err != nil {
		return ProStatus{}, err
	}
	return statusFromPayload(licenseKey, payload, licensing.SourceLocal, l.now()), nil
}
