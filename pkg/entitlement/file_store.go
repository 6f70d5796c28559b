package entitlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	// StatusFileName is the name of the persisted status record.
	StatusFileName = "pro-status.json"

	stateDirPerm      = 0o700
	stateFilePerm     = 0o600
	maxStatusFileSize = 64 << 10

	defaultWatchDebounce = 100 * time.Millisecond
	defaultPollInterval  = 2 * time.Second
)

var errUnsafeStatePath = errors.New("unsafe entitlement state path")

func isMissingStatePathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, stateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafeStatePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafeStatePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafeStatePath, path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeded size limit while reading", errUnsafeStatePath, path)
	}
	return data, nil
}

// writeOwnerOnlyFileAtomic replaces path via a temp file in the same directory,
// so readers see either the old or the new record.
func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingStatePathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(stateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// DefaultStateDir returns the per-user directory for client state.
func DefaultStateDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(base, "prolicense"), nil
}

// FileStore persists the status as JSON in an owner-only directory.
// Subscribe watches the directory so writes from other processes are seen.
type FileStore struct {
	dir  string
	path string

	// Serializes writers within this process; across processes the rename
	// makes the last write win.
	mu sync.Mutex

	debounce     time.Duration
	pollInterval time.Duration
	pollOnly     bool
}

// FileStoreOption customizes a FileStore.
type FileStoreOption func(*FileStore)

// WithWatchTiming overrides the change debounce and the polling fallback interval.
func WithWatchTiming(debounce, pollInterval time.Duration) FileStoreOption {
	return func(s *FileStore) {
		if debounce > 0 {
			s.debounce = debounce
		}
		if pollInterval > 0 {
			s.pollInterval = pollInterval
		}
	}
}

// NewFileStore creates a store rooted at dir. The directory is created lazily
// on first write.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("state directory cannot be empty")
	}
	s := &FileStore{
		dir:          dir,
		path:         filepath.Join(dir, StatusFileName),
		debounce:     defaultWatchDebounce,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the status file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns nil when no record has been saved.
func (s *FileStore) Load() (*ProStatus, error) {
	data, err := readBoundedRegularFile(s.path, maxStatusFileSize)
	if err != nil {
		if isMissingStatePathError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	status, err := decodeStatus(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode status file: %w", err)
	}
	return &status, nil
}

func (s *FileStore) Save(status ProStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeOwnerOnlyFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete status file: %w", err)
	}
	return nil
}

// Subscribe calls fn after the status file is created, written, or removed.
// Bursts of events are coalesced. If the directory cannot be watched the
// store falls back to polling the file.
func (s *FileStore) Subscribe(fn func()) (func(), error) {
	if fn == nil {
		return nil, errors.New("subscriber cannot be nil")
	}
	if err := ensureOwnerOnlyDir(s.dir); err != nil {
		return nil, fmt.Errorf("failed to prepare state directory: %w", err)
	}

	w := &fileWatch{
		store:  s,
		fn:     fn,
		stopCh: make(chan struct{}),
	}

	var watcher *fsnotify.Watcher
	err := errors.New("file watching disabled")
	if !s.pollOnly {
		watcher, err = fsnotify.NewWatcher()
	}
	if err == nil {
		if err = watcher.Add(s.dir); err != nil {
			_ = watcher.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", s.dir).Msg("failed to watch state directory, falling back to polling")
		w.lastStamp = statStamp(s.path)
		go w.poll()
		return w.stop, nil
	}

	w.watcher = watcher
	go w.watch()
	return w.stop, nil
}

type fileWatch struct {
	store   *FileStore
	fn      func()
	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stopCh   chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	lastStamp fileStamp
}

func (w *fileWatch) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()
	})
}

func (w *fileWatch) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *fileWatch) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != StatusFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Debug().Str("event", event.Op.String()).Msg("status file changed")
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("status file watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// schedule delivers one notification after the debounce window closes.
func (w *fileWatch) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.store.debounce, w.fire)
}

func (w *fileWatch) fire() {
	if w.stopped() {
		return
	}
	w.fn()
}

func (w *fileWatch) poll() {
	ticker := time.NewTicker(w.store.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stamp := statStamp(w.store.path)
			if stamp != w.lastStamp {
				log.Debug().Msg("detected status file change via polling")
				w.lastStamp = stamp
				w.fire()
			}
		case <-w.stopCh:
			return
		}
	}
}

type fileStamp struct {
	exists  bool
	modTime time.Time
	size    int64
}

func statStamp(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, modTime: info.ModTime(), size: info.Size()}
}
