package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, contents string) (*EnvWatcher, *Provider, string) {
	t.Helper()
	clearLicenseEnv(t)

	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(contents), 0o600))

	cfg, err := FromEnv()
	require.NoError(t, err)
	provider := NewProvider(cfg)

	ew, err := NewEnvWatcher(envPath, provider)
	require.NoError(t, err)
	ew.debounce = 10 * time.Millisecond
	ew.pollInterval = 20 * time.Millisecond
	t.Cleanup(ew.Stop)
	return ew, provider, envPath
}

func TestEnvWatcherReloadsOnWrite(t *testing.T) {
	ew, provider, envPath := newTestWatcher(t, "LICENSE_PORT=8080\n")

	var reloads atomic.Int32
	ew.OnReload(func(cfg *Config, err error) {
		if err == nil && cfg != nil {
			reloads.Add(1)
		}
	})
	require.NoError(t, ew.Start())

	require.NoError(t, os.WriteFile(envPath, []byte("LICENSE_PORT=9191\nLICENSE_KEYS='{\"K\":{\"expiresAt\":null}}'\n"), 0o600))

	require.Eventually(t, func() bool {
		return provider.Current().Port == 9191
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"K":{"expiresAt":null}}`, provider.Current().LegacyKeys)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))
}

func TestEnvWatcherIgnoresOtherFiles(t *testing.T) {
	ew, provider, envPath := newTestWatcher(t, "LICENSE_PORT=8080\n")
	require.NoError(t, ew.Start())

	other := filepath.Join(filepath.Dir(envPath), "other.env")
	require.NoError(t, os.WriteFile(other, []byte("LICENSE_PORT=7070\n"), 0o600))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 8080, provider.Current().Port)
}

func TestEnvWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	ew, provider, envPath := newTestWatcher(t, "LICENSE_PORT=8080\n")
	before := provider.Current()
	var failed error
	ew.OnReload(func(_ *Config, err error) { failed = err })

	require.NoError(t, os.WriteFile(envPath, []byte("LICENSE_RATE_LIMIT=0\n"), 0o600))
	ew.ReloadConfig()

	assert.Same(t, before, provider.Current())
	require.Error(t, failed)
	assert.Contains(t, failed.Error(), "LICENSE_RATE_LIMIT")
}

func TestEnvWatcherMissingFileKeepsConfig(t *testing.T) {
	ew, provider, envPath := newTestWatcher(t, "LICENSE_PORT=8080\n")
	before := provider.Current()

	require.NoError(t, os.Remove(envPath))
	ew.ReloadConfig()

	assert.Same(t, before, provider.Current())
}

func TestEnvWatcherPollingFallback(t *testing.T) {
	ew, provider, envPath := newTestWatcher(t, "LICENSE_PORT=8080\n")
	go ew.pollForChanges()

	// Make sure the modification time moves forward on coarse filesystems.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(envPath, []byte("LICENSE_PORT=8282\n"), 0o600))
	require.NoError(t, os.Chtimes(envPath, future, future))

	require.Eventually(t, func() bool {
		return provider.Current().Port == 8282
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnvWatcherStopIsIdempotent(t *testing.T) {
	ew, provider, envPath := newTestWatcher(t, "LICENSE_PORT=8080\n")
	require.NoError(t, ew.Start())
	ew.Stop()
	ew.Stop()

	require.NoError(t, os.WriteFile(envPath, []byte("LICENSE_PORT=9999\n"), 0o600))
	ew.ReloadConfig()
	assert.Equal(t, 8080, provider.Current().Port, "stopped watcher does not reload")
}
