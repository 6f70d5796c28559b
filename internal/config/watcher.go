package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/rs/zerolog/log"
)

const (
	defaultWatchDebounce = 100 * time.Millisecond
	defaultPollInterval  = 5 * time.Second
)

// EnvWatcher reloads configuration when the .env file changes, so keys and
// the legacy store can be rotated without a restart.
type EnvWatcher struct {
	envPath      string
	provider     *Provider
	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	stopOnce     sync.Once
	lastModTime  time.Time
	debounce     time.Duration
	pollInterval time.Duration
	mu           sync.Mutex
	onReload     func(*Config, error)
}

// NewEnvWatcher creates a watcher for envPath that refreshes provider.
func NewEnvWatcher(envPath string, provider *Provider) (*EnvWatcher, error) {
	if envPath == "" {
		envPath = defaultEnvFile
	}
	absPath, err := filepath.Abs(envPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ew := &EnvWatcher{
		envPath:      absPath,
		provider:     provider,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		debounce:     defaultWatchDebounce,
		pollInterval: defaultPollInterval,
	}
	if stat, err := os.Stat(absPath); err == nil {
		ew.lastModTime = stat.ModTime()
	}
	return ew, nil
}

// OnReload registers a callback invoked after every reload attempt. cfg is
// nil when the new environment was rejected.
func (ew *EnvWatcher) OnReload(fn func(cfg *Config, err error)) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	ew.onReload = fn
}

// Start begins watching. Directories that cannot be watched fall back to polling.
func (ew *EnvWatcher) Start() error {
	dir := filepath.Dir(ew.envPath)
	if err := ew.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		log.Warn().Msg("Falling back to polling for config changes")
		go ew.pollForChanges()
		return nil
	}

	go ew.watchForChanges()
	log.Info().Str("env_path", ew.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (ew *EnvWatcher) Stop() {
	ew.stopOnce.Do(func() {
		close(ew.stopChan)
		_ = ew.watcher.Close()
	})
}

// ReloadConfig manually triggers a reload (e.g. from SIGHUP).
func (ew *EnvWatcher) ReloadConfig() {
	ew.reloadConfig()
}

func (ew *EnvWatcher) watchForChanges() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if event.Name != ew.envPath && filepath.Base(event.Name) != filepath.Base(ew.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			// Editors write in several steps; reload once they settle.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(ew.debounce, ew.reloadConfig)

		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-ew.stopChan:
			return
		}
	}
}

func (ew *EnvWatcher) pollForChanges() {
	ticker := time.NewTicker(ew.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stat, err := os.Stat(ew.envPath); err == nil {
				if stat.ModTime().After(ew.lastModTime) {
					log.Info().Msg("Detected .env file change via polling")
					ew.lastModTime = stat.ModTime()
					ew.reloadConfig()
				}
			}
		case <-ew.stopChan:
			return
		}
	}
}

func (ew *EnvWatcher) reloadConfig() {
	select {
	case <-ew.stopChan:
		return
	default:
	}

	ew.mu.Lock()
	defer ew.mu.Unlock()

	previous := ew.provider.Current()

	if err := godotenv.Overload(ew.envPath); err != nil {
		log.Warn().Err(err).Str("path", ew.envPath).Msg("Failed to load .env file")
		ew.notify(nil, err)
		return
	}

	cfg, err := ew.provider.Reload()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration after .env change; keeping previous settings")
		ew.notify(nil, err)
		return
	}

	event := log.Info().
		Bool("signing_key_changed", previous == nil || previous.PrivateKey != cfg.PrivateKey || previous.PublicKey != cfg.PublicKey).
		Bool("legacy_keys_changed", previous == nil || previous.LegacyKeys != cfg.LegacyKeys)
	if pub, err := cfg.KeyMaterial().PublicKey(); err == nil {
		event = event.Str("key_fingerprint", licensing.PublicKeyFingerprint(pub))
	}
	event.Msg("Reloaded license configuration")

	ew.notify(cfg, nil)
}

func (ew *EnvWatcher) notify(cfg *Config, err error) {
	if ew.onReload != nil {
		ew.onReload(cfg, err)
	}
}
