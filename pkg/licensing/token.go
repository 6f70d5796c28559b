package licensing

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// TokenSeparator joins the encoded payload and its signature.
const TokenSeparator = "."

// EncodePayload serializes p to JSON and base64-encodes it (standard alphabet,
// padded). The output is the exact text that gets signed, so it must stay
// deterministic: struct field order fixes the key order.
func EncodePayload(p EntitlementPayload) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("encode entitlement payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// DecodePayload reverses EncodePayload. It accepts any base64 variant and
// returns false on malformed input or mistyped fields.
func DecodePayload(encoded string) (*EntitlementPayload, bool) {
	raw, ok := decodeBase64(encoded)
	if !ok {
		return nil, false
	}
	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, false
	}
	return wire.payload(), true
}

// SplitToken splits a token at the first separator. Both halves must be non-empty.
func SplitToken(token string) (payload, signature string, ok bool) {
	payload, signature, found := strings.Cut(token, TokenSeparator)
	if !found || payload == "" || signature == "" {
		return "", "", false
	}
	return payload, signature, true
}

// JoinToken is the inverse of SplitToken.
func JoinToken(payload, signature string) string {
	return payload + TokenSeparator + signature
}

// SignData signs the bytes of data with RSA PKCS#1 v1.5 over SHA-256 and returns
// the signature in standard base64.
func SignData(priv *rsa.PrivateKey, data string) (string, error) {
	digest := sha256.Sum256([]byte(data))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign entitlement payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks a base64 signature over data. Any decoding or
// cryptographic failure reports false.
func VerifySignature(pub *rsa.PublicKey, data, signature string) bool {
	if pub == nil {
		return false
	}
	sig, ok := decodeBase64(signature)
	if !ok || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256([]byte(data))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// Strict decoding rejects non-zero trailing bits, so every character of a
// signature is significant.
var base64Encodings = []*base64.Encoding{
	base64.StdEncoding.Strict(),
	base64.RawStdEncoding.Strict(),
	base64.URLEncoding.Strict(),
	base64.RawURLEncoding.Strict(),
}

func decodeBase64(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, enc := range base64Encodings {
		if decoded, err := enc.DecodeString(s); err == nil {
			return decoded, true
		}
	}
	return nil, false
}
