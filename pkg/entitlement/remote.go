package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// VerifyPath is the verification endpoint relative to the API base.
const VerifyPath = "/api/license/verify"

const (
	DefaultClientTimeout = 10 * time.Second
	DefaultRetries       = 2
	DefaultRetryBackoff  = 500 * time.Millisecond

	maxVerifyResponseSize = 64 << 10
	dnsRefreshInterval    = 5 * time.Minute
)

// Verifier turns a license key into an active status.
// Failures are *licensing.LicenseError.
type Verifier interface {
	Verify(ctx context.Context, licenseKey string) (ProStatus, error)
}

// ResolveVerifyEndpoint joins base with VerifyPath. A missing or unusable base
// means the client was built without a verification server.
func ResolveVerifyEndpoint(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", licensing.NewLicenseError(licensing.CodeNotConfigured, "license API base is not set")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", licensing.NewLicenseError(licensing.CodeNotConfigured, fmt.Sprintf("invalid license API base %q", base))
	}
	return u.ResolveReference(&url.URL{Path: VerifyPath}).String(), nil
}

var (
	sharedResolver     *dnscache.Resolver
	sharedResolverOnce sync.Once
)

func dnsResolver() *dnscache.Resolver {
	sharedResolverOnce.Do(func() {
		sharedResolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(dnsRefreshInterval)
			defer ticker.Stop()
			for range ticker.C {
				sharedResolver.Refresh(true)
			}
		}()
	})
	return sharedResolver
}

// dialContextWithCache resolves through the shared DNS cache, trying each
// address in turn.
func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := dnsResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{Timeout: DefaultClientTimeout, KeepAlive: 30 * time.Second}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialContextWithCache
	return &http.Client{Timeout: timeout, Transport: transport}
}

// RemoteVerifier asks the license server to verify keys.
type RemoteVerifier struct {
	endpoint string
	client   *http.Client
	retries  int
	backoff  time.Duration
	now      func() time.Time
}

// RemoteOption customizes a RemoteVerifier.
type RemoteOption func(*RemoteVerifier)

// WithHTTPClient replaces the DNS-caching default client.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *RemoteVerifier) {
		if client != nil {
			r.client = client
		}
	}
}

// WithRetries sets how often network failures are retried and the base delay
// between attempts; attempt n waits n*backoff.
func WithRetries(retries int, backoff time.Duration) RemoteOption {
	return func(r *RemoteVerifier) {
		if retries >= 0 {
			r.retries = retries
		}
		if backoff >= 0 {
			r.backoff = backoff
		}
	}
}

// WithRemoteClock overrides the clock used for updatedAt.
func WithRemoteClock(now func() time.Time) RemoteOption {
	return func(r *RemoteVerifier) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRemoteVerifier builds a verifier for the server at base. A timeout <= 0
// uses DefaultClientTimeout.
func NewRemoteVerifier(base string, timeout time.Duration, opts ...RemoteOption) (*RemoteVerifier, error) {
	endpoint, err := ResolveVerifyEndpoint(base)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	r := &RemoteVerifier{
		endpoint: endpoint,
		client:   newHTTPClient(timeout),
		retries:  DefaultRetries,
		backoff:  DefaultRetryBackoff,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Endpoint returns the resolved verification URL.
func (r *RemoteVerifier) Endpoint() string {
	return r.endpoint
}

type verifyRequest struct {
	LicenseKey string `json:"licenseKey"`
}

type verifyResponse struct {
	Valid     bool                `json:"valid"`
	Plan      string              `json:"plan"`
	ExpiresAt json.RawMessage     `json:"expiresAt"`
	Expired   bool                `json:"expired"`
	Code      licensing.ErrorCode `json:"code"`
	Message   string              `json:"message"`
}

// Verify posts licenseKey to the server. Transport failures and server-side
// outages are retried; every other answer is final.
func (r *RemoteVerifier) Verify(ctx context.Context, licenseKey string) (ProStatus, error) {
	licenseKey = strings.TrimSpace(licenseKey)
	if licenseKey == "" {
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeMissing, "")
	}

	body, err := json.Marshal(verifyRequest{LicenseKey: licenseKey})
	if err != nil {
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeUnknown, err.Error())
	}

	var lastErr *licensing.LicenseError
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * r.backoff
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying license verification")
			select {
			case <-ctx.Done():
				return ProStatus{}, licensing.NewLicenseError(licensing.CodeNetwork, ctx.Err().Error())
			case <-time.After(delay):
			}
		}

		status, lerr, retry := r.attempt(ctx, licenseKey, body)
		if lerr == nil {
			return status, nil
		}
		lastErr = lerr
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return ProStatus{}, lastErr
}

func (r *RemoteVerifier) attempt(ctx context.Context, licenseKey string, body []byte) (ProStatus, *licensing.LicenseError, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeUnknown, err.Error()), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeNetwork, err.Error()), true
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyResponseSize))
	if err != nil {
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeNetwork, err.Error()), true
	}

	var payload verifyResponse
	decodeErr := json.Unmarshal(raw, &payload)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && payload.Code != "" {
			return ProStatus{}, licensing.NewLicenseError(payload.Code, payload.Message), false
		}
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeNetwork, fmt.Sprintf("HTTP %d", resp.StatusCode)), retry
	}
	if decodeErr != nil {
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeUnknown, "malformed verification response"), false
	}

	if !payload.Valid {
		if payload.Expired || payload.Code == licensing.CodeExpired {
			return ProStatus{}, &licensing.LicenseError{
				Code:      licensing.CodeExpired,
				Message:   payload.Message,
				ExpiresAt: licensing.NormalizeTimestamp(payload.ExpiresAt),
			}, false
		}
		code := payload.Code
		if code == "" {
			code = licensing.CodeInvalid
		}
		return ProStatus{}, licensing.NewLicenseError(code, payload.Message), false
	}

	expiresAt := licensing.NormalizeTimestamp(payload.ExpiresAt)
	if expiresAt == 0 {
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeUnknown, "Missing expiresAt"), false
	}

	entitled := &licensing.EntitlementPayload{LicenseKey: licenseKey, Plan: payload.Plan, ExpiresAt: expiresAt}
	return statusFromPayload(licenseKey, entitled, licensing.SourceRemote, r.now()), nil, false
}
