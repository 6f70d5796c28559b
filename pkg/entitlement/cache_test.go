package entitlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeVerifier struct {
	calls  atomic.Int32
	status ProStatus
	err    error
	gate   chan struct{}
}

func (f *fakeVerifier) Verify(_ context.Context, licenseKey string) (ProStatus, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return ProStatus{}, f.err
	}
	s := f.status
	s.LicenseKey = licenseKey
	return s, nil
}

func activeStatus(days int) ProStatus {
	return ProStatus{
		ExpiresAt: millis(testNow.Add(time.Duration(days) * 24 * time.Hour).UnixMilli()),
		UpdatedAt: millis(testNow.UnixMilli()),
		Plan:      "pro",
		Source:    licensing.SourceRemote,
	}
}

func TestCacheLoadEmptyStore(t *testing.T) {
	cache := NewCache(NewMemoryStore(), nil, WithCacheClock(func() time.Time { return testNow }))
	assert.Equal(t, StateUninitialized, cache.State())

	status := cache.Load(context.Background())
	assert.True(t, status.IsEmpty())
	assert.Equal(t, StateReady, cache.State())
	assert.Nil(t, cache.LastError())
	assert.False(t, cache.Active())
}

func TestCacheLoadPersistedStatus(t *testing.T) {
	store := NewMemoryStore()
	want := activeStatus(10)
	want.LicenseKey = "ORDER123"
	require.NoError(t, store.Save(want))

	cache := NewCache(store, nil, WithCacheClock(func() time.Time { return testNow }))
	got := cache.Load(context.Background())
	assert.True(t, want.Equal(got))
	assert.True(t, cache.Active())
}

func TestCacheLoadUnreadableRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, writeOwnerOnlyFileAtomic(store.Path(), []byte("{not json")))

	cache := NewCache(store, nil)
	status := cache.Load(context.Background())
	assert.True(t, status.IsEmpty())
	assert.Equal(t, StateReady, cache.State())
}

func TestCacheActivateMissingKeySkipsVerifier(t *testing.T) {
	verifier := &fakeVerifier{status: activeStatus(30)}
	cache := NewCache(NewMemoryStore(), verifier)
	cache.Load(context.Background())

	for _, key := range []string{"", "   ", "\n\t"} {
		_, err := cache.Activate(context.Background(), key)
		require.ErrorIs(t, err, licensing.ErrMissing)
	}
	assert.Equal(t, int32(0), verifier.calls.Load())
	assert.Equal(t, StateErroring, cache.State())
	assert.Equal(t, licensing.CodeMissing, cache.LastError().Code)
}

func TestCacheActivateWithoutVerifier(t *testing.T) {
	cache := NewCache(NewMemoryStore(), nil)
	_, err := cache.Activate(context.Background(), "ORDER123")
	require.ErrorIs(t, err, licensing.ErrNotConfigured)
}

func TestCacheActivateSuccessPersists(t *testing.T) {
	store := NewMemoryStore()
	verifier := &fakeVerifier{status: activeStatus(30)}
	cache := NewCache(store, verifier, WithCacheClock(func() time.Time { return testNow }))
	cache.Load(context.Background())

	var seen []ProStatus
	cancel := cache.OnChange(func(s ProStatus) { seen = append(seen, s) })
	defer cancel()

	status, err := cache.Activate(context.Background(), "  ORDER123  ")
	require.NoError(t, err)
	assert.Equal(t, "ORDER123", status.LicenseKey)
	assert.Equal(t, StateReady, cache.State())
	assert.True(t, cache.Active())

	stored, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Equal(status))

	require.Len(t, seen, 1)
	assert.True(t, seen[0].Equal(status))
}

func TestCacheKeepsStatusAfterNetworkError(t *testing.T) {
	store := NewMemoryStore()
	good := activeStatus(30)
	good.LicenseKey = "ORDER123"
	require.NoError(t, store.Save(good))

	verifier := &fakeVerifier{err: licensing.NewLicenseError(licensing.CodeNetwork, "connection refused")}
	cache := NewCache(store, verifier, WithCacheClock(func() time.Time { return testNow }))
	cache.Load(context.Background())

	_, err := cache.Activate(context.Background(), "OTHERKEY")
	require.ErrorIs(t, err, licensing.ErrNetwork)

	assert.True(t, cache.Status().Equal(good), "a failed activation must not destroy the cached entitlement")
	assert.True(t, cache.Active())
	assert.Equal(t, StateErroring, cache.State())
	assert.Equal(t, licensing.CodeNetwork, cache.LastError().Code)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.True(t, stored.Equal(good))

	// A later success recovers.
	verifier.err = nil
	verifier.status = activeStatus(60)
	_, err = cache.Activate(context.Background(), "OTHERKEY")
	require.NoError(t, err)
	assert.Equal(t, StateReady, cache.State())
	assert.Nil(t, cache.LastError())
}

func TestCacheActivateConvertsForeignErrors(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("boom")}
	cache := NewCache(NewMemoryStore(), verifier)

	_, err := cache.Activate(context.Background(), "ORDER123")
	var lerr *licensing.LicenseError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, licensing.CodeUnknown, lerr.Code)
}

func TestCacheConcurrentActivationsShareCall(t *testing.T) {
	verifier := &fakeVerifier{status: activeStatus(30), gate: make(chan struct{})}
	cache := NewCache(NewMemoryStore(), verifier)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Activate(context.Background(), "ORDER123")
			errs <- err
		}()
	}

	// Let every caller reach singleflight before releasing the verifier.
	require.Eventually(t, func() bool { return verifier.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(verifier.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), verifier.calls.Load())
}

func TestCacheConcurrentFailedActivationsRecordError(t *testing.T) {
	verifier := &fakeVerifier{
		err:  licensing.NewLicenseError(licensing.CodeNetwork, "unreachable"),
		gate: make(chan struct{}),
	}
	cache := NewCache(NewMemoryStore(), verifier)

	const callers = 2
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Activate(context.Background(), "KEY")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return verifier.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(verifier.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.True(t, errors.Is(err, licensing.ErrNetwork), "got %v", err)
	}
	assert.Equal(t, int32(1), verifier.calls.Load())
	assert.Equal(t, StateErroring, cache.State())
	require.NotNil(t, cache.LastError())
	assert.Equal(t, licensing.CodeNetwork, cache.LastError().Code)
}

// ctxVerifier blocks until released and fails if its context ends first.
type ctxVerifier struct {
	calls   atomic.Int32
	release chan struct{}
}

func (v *ctxVerifier) Verify(ctx context.Context, licenseKey string) (ProStatus, error) {
	v.calls.Add(1)
	select {
	case <-ctx.Done():
		return ProStatus{}, licensing.NewLicenseError(licensing.CodeNetwork, ctx.Err().Error())
	case <-v.release:
	}
	s := activeStatus(30)
	s.LicenseKey = licenseKey
	return s, nil
}

func TestCacheCancelledCallerDoesNotFailSharedActivation(t *testing.T) {
	verifier := &ctxVerifier{release: make(chan struct{})}
	cache := NewCache(NewMemoryStore(), verifier, WithCacheClock(func() time.Time { return testNow }))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Activate(firstCtx, "KEY")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return verifier.calls.Load() == 1 }, time.Second, time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := cache.Activate(context.Background(), "KEY")
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.True(t, errors.Is(err, licensing.ErrNetwork), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(verifier.release)
	select {
	case err := <-secondErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiting caller did not return")
	}
	assert.Equal(t, int32(1), verifier.calls.Load())
	assert.True(t, cache.Active())
	assert.Equal(t, StateReady, cache.State())
}

type serialVerifier struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (s *serialVerifier) Verify(_ context.Context, licenseKey string) (ProStatus, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()

	st := activeStatus(30)
	st.LicenseKey = licenseKey
	return st, nil
}

func TestCacheSerializesDifferentKeys(t *testing.T) {
	verifier := &serialVerifier{}
	cache := NewCache(NewMemoryStore(), verifier)

	var wg sync.WaitGroup
	for _, key := range []string{"A1", "B2", "C3", "D4"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := cache.Activate(context.Background(), key)
			assert.NoError(t, err)
		}(key)
	}
	wg.Wait()

	assert.Equal(t, 1, verifier.maxSeen)
}

func TestCacheClear(t *testing.T) {
	store := NewMemoryStore()
	cache := NewCache(store, &fakeVerifier{status: activeStatus(30)}, WithCacheClock(func() time.Time { return testNow }))
	_, err := cache.Activate(context.Background(), "ORDER123")
	require.NoError(t, err)

	require.NoError(t, cache.Clear(context.Background()))
	assert.True(t, cache.Status().IsEmpty())
	assert.False(t, cache.Active())

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCacheFollowsExternalWrites(t *testing.T) {
	store := NewMemoryStore()
	cache := NewCache(store, nil, WithCacheClock(func() time.Time { return testNow }))
	cache.Load(context.Background())
	require.NoError(t, cache.Start())
	defer cache.Close()

	changes := 0
	cache.OnChange(func(ProStatus) { changes++ })

	external := activeStatus(5)
	external.LicenseKey = "FROM-OTHER-WINDOW"
	require.NoError(t, store.Save(external))

	assert.True(t, cache.Status().Equal(external))
	assert.Equal(t, 1, changes)

	cache.Close()
	require.NoError(t, store.Delete())
	assert.True(t, cache.Status().Equal(external), "closed cache must not observe further writes")
}

func TestCacheStartIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	cache := NewCache(store, nil)
	require.NoError(t, cache.Start())
	require.NoError(t, cache.Start())
	cache.Close()
	cache.Close()

	assert.Empty(t, store.subs)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "erroring", StateErroring.String())
	assert.Equal(t, "state(42)", State(42).String())
}
