package licensing

import (
	"crypto/rsa"
	"sync"
	"testing"
	"time"
)

var (
	testKeyOnce sync.Once
	testPrivPEM string
	testPubPEM  string
	testKeyErr  error
)

// testKeys returns a package-wide keypair; RSA generation is too slow to repeat per test.
func testKeys(t *testing.T) (privPEM, pubPEM string) {
	t.Helper()
	testKeyOnce.Do(func() {
		testPrivPEM, testPubPEM, testKeyErr = GenerateKeyPair(DefaultKeyBits)
	})
	if testKeyErr != nil {
		t.Fatalf("GenerateKeyPair: %v", testKeyErr)
	}
	return testPrivPEM, testPubPEM
}

func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privPEM, _ := testKeys(t)
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	return priv
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// flipChar replaces the byte at i with a different base64 character whose value
// is identical in every alphabet.
func flipChar(s string, i int) string {
	replacement := byte('A')
	if s[i] == 'A' {
		replacement = 'B'
	}
	b := []byte(s)
	b[i] = replacement
	return string(b)
}
