package entitlement

import "sync"

// MemoryStore is an in-process Store. Subscribers are notified synchronously
// after each write.
type MemoryStore struct {
	mu      sync.Mutex
	status  *ProStatus
	subs    map[uint64]func()
	nextSub uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uint64]func())}
}

func (m *MemoryStore) Load() (*ProStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return nil, nil
	}
	copied := *m.status
	return &copied, nil
}

func (m *MemoryStore) Save(status ProStatus) error {
	m.mu.Lock()
	m.status = &status
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *MemoryStore) Delete() error {
	m.mu.Lock()
	m.status = nil
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *MemoryStore) Subscribe(fn func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

func (m *MemoryStore) notify() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
