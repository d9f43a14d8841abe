package otp

import (
	"context"
	"sync"
	"time"
)

// Entry is one outstanding code for an email and purpose.
type Entry struct {
	Hash     string    `json:"hash"`
	IssuedAt time.Time `json:"issued_at"`
}

// Store keeps outstanding codes and issue counters.
type Store interface {
	// Get returns nil, nil when key is absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)
	// Put stores e. A ttl of zero keeps the key's current expiry.
	Put(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Hit increments the counter at key and returns its value. The counter expires window
	// after its first hit.
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type memItem struct {
	entry   Entry
	count   int64
	expires time.Time
}

// MemoryStore is an in-process Store. Close stops its janitor.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memItem
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryStore creates a store that evicts expired keys every sweep interval.
// A non-positive interval disables the janitor.
func NewMemoryStore(sweep time.Duration) *MemoryStore {
	s := &MemoryStore{items: make(map[string]*memItem), now: time.Now, stop: make(chan struct{})}
	if sweep > 0 {
		go s.janitor(sweep)
	}
	return s
}

func (s *MemoryStore) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.evict()
		}
	}
}

func (s *MemoryStore) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, it := range s.items {
		if !now.Before(it.expires) {
			delete(s.items, k)
		}
	}
}

// Close stops the janitor. The store stays usable.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) live(key string) *memItem {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if !s.now().Before(it.expires) {
		delete(s.items, key)
		return nil
	}
	return it
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key)
	if it == nil {
		return nil, nil
	}
	e := it.entry
	return &e, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		if it := s.live(key); it != nil {
			it.entry = e
		}
		return nil
	}
	s.items[key] = &memItem{entry: e, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.live(key)
	if it == nil {
		it = &memItem{expires: s.now().Add(window)}
		s.items[key] = it
	}
	it.count++
	return it.count, nil
}
