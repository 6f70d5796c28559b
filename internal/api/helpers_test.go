package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/prolicense/internal/config"
	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	keyOnce sync.Once
	privPEM string
	pubPEM  string
	keyErr  error
)

func testKeyPair(t *testing.T) (string, string) {
	t.Helper()
	keyOnce.Do(func() {
		privPEM, pubPEM, keyErr = licensing.GenerateKeyPair(licensing.DefaultKeyBits)
	})
	require.NoError(t, keyErr)
	return privPEM, pubPEM
}

func clock() time.Time { return testNow }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	priv, _ := testKeyPair(t)
	return &config.Config{
		PrivateKey: priv,
		CORSOrigin: "*",
		RateLimit:  60,
		RateBurst:  10,
		AdminKey:   "admin-secret",
	}
}

func issueToken(t *testing.T, issuedAt time.Time, days int) string {
	t.Helper()
	priv, _ := testKeyPair(t)
	issuer := licensing.NewIssuer(licensing.NewKeyMaterial(priv, ""),
		licensing.WithIssuerClock(func() time.Time { return issuedAt }))
	token, err := issuer.Issue("pro", "ORDER-TEST", days)
	require.NoError(t, err)
	return token
}

func newTestMux(t *testing.T, cfg *config.Config) *http.ServeMux {
	t.Helper()
	limiter := NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	t.Cleanup(limiter.Stop)
	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{Config: config.NewProvider(cfg), Limiter: limiter, Now: clock})
	return mux
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeVerify(t *testing.T, rec *httptest.ResponseRecorder) VerifyResponse {
	t.Helper()
	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}
