package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle position of a Cache.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateErroring
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateErroring:
		return "erroring"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cache is the single owner of the client's ProStatus.
type Cache struct {
	store    Store
	verifier Verifier
	now      func() time.Time

	mu      sync.RWMutex
	state   State
	status  ProStatus
	lastErr *licensing.LicenseError

	// Activations of one key share a call; different keys run one at a time.
	group      singleflight.Group
	activateMu sync.Mutex

	observersMu sync.Mutex
	observers   map[uint64]func(ProStatus)
	nextObs     uint64

	subMu       sync.Mutex
	unsubscribe func()
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the clock used for activity checks.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache creates a cache over store. verifier may be nil when the client has
// no verification server; activations then fail with CodeNotConfigured.
func NewCache(store Store, verifier Verifier, opts ...CacheOption) *Cache {
	c := &Cache{
		store:     store,
		verifier:  verifier,
		now:       time.Now,
		observers: make(map[uint64]func(ProStatus)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to store changes. Calling Start twice is a no-op.
func (c *Cache) Start() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.unsubscribe != nil {
		return nil
	}
	cancel, err := c.store.Subscribe(c.refresh)
	if err != nil {
		return fmt.Errorf("subscribe to status store: %w", err)
	}
	c.unsubscribe = cancel
	return nil
}

// Close stops observing the store.
func (c *Cache) Close() {
	c.subMu.Lock()
	cancel := c.unsubscribe
	c.unsubscribe = nil
	c.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Load reads the persisted status. A missing record is the empty status; an
// unreadable one is logged and also treated as empty.
func (c *Cache) Load(_ context.Context) ProStatus {
	c.mu.Lock()
	c.state = StateLoading
	c.mu.Unlock()

	status := EmptyStatus()
	stored, err := c.store.Load()
	switch {
	case err != nil:
		log.Error().Err(err).Msg("failed to load persisted license status")
	case stored != nil:
		status = *stored
	}

	c.mu.Lock()
	changed := !c.status.Equal(status)
	c.status = status
	c.state = StateReady
	c.lastErr = nil
	c.mu.Unlock()

	if changed {
		c.notify(status)
	}
	return status
}

// Activate verifies licenseKey and, on success, persists and adopts the
// resulting status. On failure the cached status is left untouched.
func (c *Cache) Activate(ctx context.Context, licenseKey string) (ProStatus, error) {
	licenseKey = strings.TrimSpace(licenseKey)
	if licenseKey == "" {
		return ProStatus{}, c.fail(licensing.NewLicenseError(licensing.CodeMissing, ""))
	}
	if c.verifier == nil {
		return ProStatus{}, c.fail(licensing.NewLicenseError(licensing.CodeNotConfigured, "license verification is not configured"))
	}

	// The shared call outlives any one caller's cancellation; each caller
	// still stops waiting when its own ctx ends. Verifiers bound the call
	// with their own timeout.
	callCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(licenseKey, func() (any, error) {
		c.activateMu.Lock()
		defer c.activateMu.Unlock()

		status, err := c.verifier.Verify(callCtx, licenseKey)
		if err != nil {
			return nil, c.fail(licensing.AsLicenseError(err))
		}
		if err := c.store.Save(status); err != nil {
			// The entitlement is still valid for this session.
			log.Warn().Err(err).Msg("failed to persist license status")
		}
		c.adopt(status)
		return status, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeNetwork, ctx.Err().Error())
	case res = <-ch:
	}
	if res.Err != nil {
		return ProStatus{}, licensing.AsLicenseError(res.Err)
	}

	status := res.Val.(ProStatus)
	log.Info().
		Str("license", MaskLicenseKey(status.LicenseKey)).
		Str("plan", status.Plan).
		Str("source", string(status.Source)).
		Msg("license activated")
	return status, nil
}

// Clear drops the entitlement and removes the persisted record.
func (c *Cache) Clear(_ context.Context) error {
	c.activateMu.Lock()
	defer c.activateMu.Unlock()

	err := c.store.Delete()
	c.adopt(EmptyStatus())
	if err != nil {
		return fmt.Errorf("clear license status: %w", err)
	}
	return nil
}

// Status returns the cached status.
func (c *Cache) Status() ProStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// State returns the lifecycle state.
func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error of the most recent failed activation, if the
// cache is erroring.
func (c *Cache) LastError() *licensing.LicenseError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Active reports whether the cached status grants Pro now.
func (c *Cache) Active() bool {
	return IsActive(c.Status(), c.now())
}

// OnChange registers fn to receive every new status. The returned func
// unregisters it.
func (c *Cache) OnChange(fn func(ProStatus)) func() {
	c.observersMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.observersMu.Unlock()

	return func() {
		c.observersMu.Lock()
		delete(c.observers, id)
		c.observersMu.Unlock()
	}
}

func (c *Cache) adopt(status ProStatus) {
	c.mu.Lock()
	changed := !c.status.Equal(status)
	c.status = status
	c.state = StateReady
	c.lastErr = nil
	c.mu.Unlock()

	if changed {
		c.notify(status)
	}
}

func (c *Cache) fail(lerr *licensing.LicenseError) error {
	c.mu.Lock()
	c.state = StateErroring
	c.lastErr = lerr
	c.mu.Unlock()

	if errors.Is(lerr, licensing.ErrNotConfigured) {
		log.Error().Err(lerr).Msg("license activation failed")
	} else {
		log.Debug().Err(lerr).Msg("license activation failed")
	}
	return lerr
}

// refresh re-reads the store after an external change.
func (c *Cache) refresh() {
	stored, err := c.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("failed to reload license status after change")
		return
	}
	status := EmptyStatus()
	if stored != nil {
		status = *stored
	}

	c.mu.Lock()
	changed := !c.status.Equal(status)
	c.status = status
	if c.state == StateUninitialized || c.state == StateLoading {
		c.state = StateReady
	}
	c.mu.Unlock()

	if changed {
		c.notify(status)
	}
}

func (c *Cache) notify(status ProStatus) {
	c.observersMu.Lock()
	fns := make([]func(ProStatus), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.observersMu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}
