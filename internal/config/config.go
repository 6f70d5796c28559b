package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime configuration for the license server and client.
type Config struct {
	// Server
	PrivateKey    string
	PublicKey     string
	LegacyKeys    string // raw JSON object, parsed on every verification
	CORSOrigin    string
	BindAddress   string
	Port          int
	RateLimit     int // verify requests per minute per client
	RateBurst     int
	AdminKey      string
	PublicMetrics bool

	// Logging
	LogLevel  string
	LogFormat string
	EnvFile   string

	// Client
	APIBase       string
	StateDir      string
	ClientTimeout time.Duration
}

const (
	defaultEnvFile       = ".env"
	defaultPort          = 8080
	defaultRateLimit     = 60
	defaultRateBurst     = 10
	defaultClientTimeout = 10 * time.Second
)

// EnvFilePath returns the .env path named by LICENSE_ENV_FILE.
func EnvFilePath() string {
	return envOrDefault("LICENSE_ENV_FILE", defaultEnvFile)
}

// Load reads configuration from the environment. The .env file is loaded if
// present but not required, and never overrides variables already set.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load(EnvFilePath())
	return FromEnv()
}

// FromEnv builds a Config from the current process environment only.
func FromEnv() (*Config, error) {
	port, err := envOrDefaultInt("LICENSE_PORT", defaultPort)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("LICENSE_RATE_LIMIT", defaultRateLimit)
	if err != nil {
		return nil, err
	}
	rateBurst, err := envOrDefaultInt("LICENSE_RATE_BURST", defaultRateBurst)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("LICENSE_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	clientTimeout, err := envOrDefaultDuration("LICENSE_CLIENT_TIMEOUT", defaultClientTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		PrivateKey:    firstEnv("LICENSE_PRIVATE_KEY", "ALIPAY_PRIVATE_KEY"),
		PublicKey:     strings.TrimSpace(os.Getenv("LICENSE_PUBLIC_KEY")),
		LegacyKeys:    strings.TrimSpace(os.Getenv("LICENSE_KEYS")),
		CORSOrigin:    envOrDefault("LICENSE_CORS_ORIGIN", "*"),
		BindAddress:   envOrDefault("LICENSE_BIND_ADDRESS", "0.0.0.0"),
		Port:          port,
		RateLimit:     rateLimit,
		RateBurst:     rateBurst,
		AdminKey:      strings.TrimSpace(os.Getenv("LICENSE_ADMIN_KEY")),
		PublicMetrics: publicMetrics,
		LogLevel:      envOrDefault("LICENSE_LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("LICENSE_LOG_FORMAT", "auto"),
		EnvFile:       EnvFilePath(),
		APIBase:       firstEnv("LICENSE_API_BASE", "VITE_LICENSE_API_BASE"),
		StateDir:      strings.TrimSpace(os.Getenv("LICENSE_STATE_DIR")),
		ClientTimeout: clientTimeout,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate license config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("LICENSE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("LICENSE_RATE_LIMIT must be greater than 0, got %d", c.RateLimit)
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("LICENSE_RATE_BURST must be greater than 0, got %d", c.RateBurst)
	}
	if c.ClientTimeout <= 0 {
		return fmt.Errorf("LICENSE_CLIENT_TIMEOUT must be greater than 0, got %s", c.ClientTimeout)
	}
	return nil
}

// Addr is the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// KeyMaterial wraps the configured signing keys.
func (c *Config) KeyMaterial() *licensing.KeyMaterial {
	return licensing.NewKeyMaterial(c.PrivateKey, c.PublicKey)
}

// VerificationConfigured reports whether signed tokens can be checked.
func (c *Config) VerificationConfigured() bool {
	return c.PrivateKey != "" || c.PublicKey != ""
}

// LegacyStore parses LegacyKeys. A malformed store is logged and behaves as
// empty so signed tokens keep verifying.
func (c *Config) LegacyStore() licensing.LegacyStore {
	store, err := licensing.ParseLegacyStore(c.LegacyKeys)
	if err != nil {
		log.Error().Err(err).Msg("LICENSE_KEYS is not a valid JSON object; ignoring legacy keys")
	}
	return store
}

// LegacySource parses LegacyKeys on every call.
func (c *Config) LegacySource() licensing.LegacySource {
	return c.LegacyStore
}

// Provider hands out the current configuration and swaps it on reload.
type Provider struct {
	current atomic.Pointer[Config]
}

// NewProvider starts with cfg.
func NewProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.current.Store(cfg)
	return p
}

// Current returns the active configuration.
func (p *Provider) Current() *Config {
	return p.current.Load()
}

// Store replaces the active configuration.
func (p *Provider) Store(cfg *Config) {
	p.current.Store(cfg)
}

// Reload rebuilds the configuration from the environment. An invalid
// environment leaves the active configuration in place.
func (p *Provider) Reload() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	p.current.Store(cfg)
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("10s") or whole seconds ("10").
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
