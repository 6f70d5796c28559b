package licensing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoPrivateKey        = errors.New("no license signing key configured")
	ErrMalformedPrivateKey = errors.New("malformed license signing key")
	ErrMalformedPublicKey  = errors.New("malformed license public key")
)

// KeyKind selects the PEM envelope used when normalizing bare key text.
type KeyKind string

const (
	KeyKindPrivate KeyKind = "private"
	KeyKindPublic  KeyKind = "public"
)

const (
	pemPrivateType = "RSA PRIVATE KEY"
	pemPublicType  = "PUBLIC KEY"

	// DefaultKeyBits is the modulus size used by GenerateKeyPair.
	DefaultKeyBits = 2048
)

// NormalizeKeyText returns raw unchanged when it already carries PEM markers,
// otherwise wraps the bare base64 body in the envelope for kind. Configuration
// stores often cannot hold literal newlines, so the body is re-flowed.
func NormalizeKeyText(raw string, kind KeyKind) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "-----BEGIN") {
		// Escaped newlines from single-line env values.
		return strings.ReplaceAll(raw, `\n`, "\n")
	}

	header := pemPublicType
	if kind == KeyKindPrivate {
		header = pemPrivateType
	}

	body := strings.Join(strings.Fields(raw), "")
	var b strings.Builder
	b.WriteString("-----BEGIN " + header + "-----\n")
	for len(body) > 64 {
		b.WriteString(body[:64])
		b.WriteByte('\n')
		body = body[64:]
	}
	if body != "" {
		b.WriteString(body)
		b.WriteByte('\n')
	}
	b.WriteString("-----END " + header + "-----")
	return b.String()
}

// KeyMaterial holds the configured signing key and derives its public half on demand.
// It performs no I/O; configuration text is supplied by the caller.
type KeyMaterial struct {
	privateKey string
	publicKey  string
}

// NewKeyMaterial wraps raw configuration values. Either may be empty.
func NewKeyMaterial(privateKey, publicKey string) *KeyMaterial {
	return &KeyMaterial{
		privateKey: strings.TrimSpace(privateKey),
		publicKey:  strings.TrimSpace(publicKey),
	}
}

// HasPrivateKey reports whether signing material was supplied.
func (k *KeyMaterial) HasPrivateKey() bool {
	return k != nil && k.privateKey != ""
}

// PrivateKey parses the configured signing key.
func (k *KeyMaterial) PrivateKey() (*rsa.PrivateKey, error) {
	if !k.HasPrivateKey() {
		return nil, ErrNoPrivateKey
	}
	return ParsePrivateKey(k.privateKey)
}

// PublicKey returns the explicit public key when configured, otherwise the one
// derived from the private key.
func (k *KeyMaterial) PublicKey() (*rsa.PublicKey, error) {
	if k == nil {
		return nil, ErrNoPrivateKey
	}
	if k.publicKey != "" {
		return ParsePublicKey(k.publicKey)
	}
	priv, err := k.PrivateKey()
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// PublicKeyPEM returns the verification key as SPKI PEM. A missing or broken key
// yields ("", false): callers treat that as "verification unavailable".
func (k *KeyMaterial) PublicKeyPEM() (string, bool) {
	pub, err := k.PublicKey()
	if err != nil {
		if !errors.Is(err, ErrNoPrivateKey) {
			log.Error().Err(err).Msg("failed to derive license public key")
		}
		return "", false
	}
	encoded, err := EncodePublicKeyPEM(pub)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode license public key")
		return "", false
	}
	return encoded, true
}

// ParsePrivateKey accepts PKCS#1 or PKCS#8 RSA keys, PEM or bare base64.
func ParsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(NormalizeKeyText(raw, KeyKindPrivate)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrMalformedPrivateKey)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPrivateKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedPrivateKey)
	}
	return key, nil
}

// ParsePublicKey accepts PKIX (SPKI) or PKCS#1 RSA public keys, PEM or bare base64.
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(NormalizeKeyText(raw, KeyKindPublic)))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrMalformedPublicKey)
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedPublicKey)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
	}
	return key, nil
}

// EncodePublicKeyPEM renders an SPKI "PUBLIC KEY" PEM block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicType, Bytes: der})), nil
}

// EncodePrivateKeyPEM renders a PKCS#1 "RSA PRIVATE KEY" PEM block.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  pemPrivateType,
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

// GenerateKeyPair creates a new signing keypair as PEM text.
func GenerateKeyPair(bits int) (privatePEM, publicPEM string, err error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("generate RSA key: %w", err)
	}
	publicPEM, err = EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return "", "", err
	}
	return EncodePrivateKeyPEM(priv), publicPEM, nil
}

// PublicKeyFingerprint returns an SHA256 fingerprint of the SPKI DER for logging.
func PublicKeyFingerprint(pub *rsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}
