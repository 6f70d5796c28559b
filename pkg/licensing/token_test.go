package licensing

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestEncodePayloadIsDeterministic(t *testing.T) {
	p := EntitlementPayload{LicenseKey: "order-1", Plan: "pro", ExpiresAt: 1700000000000, Source: SourceRemote}

	first, err := EncodePayload(p)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := EncodePayload(p)
		if err != nil {
			t.Fatalf("EncodePayload: %v", err)
		}
		if again != first {
			t.Fatalf("encoding changed between calls: %q vs %q", first, again)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(first)
	if err != nil {
		t.Fatalf("payload is not standard base64: %v", err)
	}
	want := `{"licenseKey":"order-1","plan":"pro","expiresAt":1700000000000,"source":"remote"}`
	if string(raw) != want {
		t.Fatalf("payload JSON = %s, want %s", raw, want)
	}
}

func TestDecodePayload(t *testing.T) {
	std := base64.StdEncoding.EncodeToString
	url := base64.RawURLEncoding.EncodeToString

	tests := []struct {
		name      string
		input     string
		ok        bool
		expiresAt int64
		plan      string
	}{
		{"standard base64", std([]byte(`{"licenseKey":"k","plan":"pro","expiresAt":5}`)), true, 5, "pro"},
		{"raw url base64", url([]byte(`{"licenseKey":"k","expiresAt":7}`)), true, 7, ""},
		{"snake case expiry", std([]byte(`{"expires_at":9}`)), true, 9, ""},
		{"iso date expiry", std([]byte(`{"expiresAt":"2030-01-02T00:00:00Z"}`)), true, 1893542400000, ""},
		{"missing expiry decodes as zero", std([]byte(`{"licenseKey":"k"}`)), true, 0, ""},
		{"negative expiry decodes as zero", std([]byte(`{"expiresAt":-5}`)), true, 0, ""},
		{"unknown source kept", std([]byte(`{"expiresAt":5,"source":"alipay"}`)), true, 5, ""},
		{"mistyped plan", std([]byte(`{"expiresAt":5,"plan":42}`)), false, 0, ""},
		{"mistyped license key", std([]byte(`{"expiresAt":5,"licenseKey":{}}`)), false, 0, ""},
		{"not json", std([]byte(`not json`)), false, 0, ""},
		{"json array", std([]byte(`[1,2]`)), false, 0, ""},
		{"not base64", "!!!", false, 0, ""},
		{"empty", "", false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := DecodePayload(tt.input)
			if ok != tt.ok {
				t.Fatalf("DecodePayload ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				if p != nil {
					t.Fatalf("expected nil payload on failure, got %+v", p)
				}
				return
			}
			if p.ExpiresAt != tt.expiresAt {
				t.Errorf("ExpiresAt = %d, want %d", p.ExpiresAt, tt.expiresAt)
			}
			if p.Plan != tt.plan {
				t.Errorf("Plan = %q, want %q", p.Plan, tt.plan)
			}
		})
	}
}

func TestSplitToken(t *testing.T) {
	tests := []struct {
		token   string
		payload string
		sig     string
		ok      bool
	}{
		{"abc.def", "abc", "def", true},
		{"abc.def.ghi", "abc", "def.ghi", true},
		{"abcdef", "", "", false},
		{".def", "", "", false},
		{"abc.", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		payload, sig, ok := SplitToken(tt.token)
		if ok != tt.ok || payload != tt.payload || sig != tt.sig {
			t.Errorf("SplitToken(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.token, payload, sig, ok, tt.payload, tt.sig, tt.ok)
		}
	}
}

func TestSignAndVerifySignature(t *testing.T) {
	priv := testPrivateKey(t)
	data := "eyJsaWNlbnNlS2V5IjoiayJ9"

	sig, err := SignData(priv, data)
	if err != nil {
		t.Fatalf("SignData: %v", err)
	}
	if !VerifySignature(&priv.PublicKey, data, sig) {
		t.Fatal("signature should verify")
	}
	if VerifySignature(&priv.PublicKey, data+"x", sig) {
		t.Fatal("signature must cover the exact data string")
	}
	if VerifySignature(nil, data, sig) {
		t.Fatal("nil key must not verify")
	}
	if VerifySignature(&priv.PublicKey, data, "not base64!") {
		t.Fatal("garbage signature must not verify")
	}

	// The signature is over the base64 text, not the decoded JSON.
	raw, _ := base64.StdEncoding.DecodeString(data)
	if VerifySignature(&priv.PublicKey, string(raw), sig) {
		t.Fatal("signature must not verify against the decoded payload bytes")
	}
}

func TestVerifySignatureAcceptsURLSafeSignature(t *testing.T) {
	priv := testPrivateKey(t)
	data := "payload"
	sig, err := SignData(priv, data)
	if err != nil {
		t.Fatalf("SignData: %v", err)
	}
	urlSig := strings.TrimRight(strings.NewReplacer("+", "-", "/", "_").Replace(sig), "=")
	if !VerifySignature(&priv.PublicKey, data, urlSig) {
		t.Fatal("URL-safe signature encoding should verify")
	}
}
