package policy

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// SessionStore is the default cache backend: an unbounded map that
// lives for the process lifetime. Entries expire only when a TTL was
// given at Set time.
type SessionStore struct {
	mu      sync.Mutex
	entries map[string]sessionEntry
}

type sessionEntry struct {
	data      []byte
	expiresAt time.Time // zero means never
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{entries: make(map[string]sessionEntry)}
}

// Get retrieves a value, honoring any per-entry expiry.
func (s *SessionStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.data, true, nil
}

// Set stores a value; ttl zero means session-scoped.
func (s *SessionStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := sessionEntry{data: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Delete removes a value.
func (s *SessionStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of live entries (for tests).
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RistrettoStore is the size-bounded LRU cache backend, holding at
// most maxEntries responses. An optional callback observes evictions.
type RistrettoStore struct {
	c *ristretto.Cache[string, []byte]
}

// NewRistrettoStore creates an LRU store bounded to roughly maxEntries
// responses. onEvict, which may be nil, receives each evicted value
// (ristretto only exposes hashed keys at eviction time).
func NewRistrettoStore(maxEntries int64, onEvict func(value []byte)) (*RistrettoStore, error) {
	cfg := &ristretto.Config[string, []byte]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	}
	if onEvict != nil {
		cfg.OnEvict = func(item *ristretto.Item[[]byte]) {
			onEvict(item.Value)
		}
	}
	c, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &RistrettoStore{c: c}, nil
}

// Get retrieves a value from the cache.
func (s *RistrettoStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := s.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value with unit cost and the given TTL.
func (s *RistrettoStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl > 0 {
		s.c.SetWithTTL(key, value, 1, ttl)
	} else {
		s.c.Set(key, value, 1)
	}
	return nil
}

// Delete removes a value from the cache.
func (s *RistrettoStore) Delete(_ context.Context, key string) error {
	s.c.Del(key)
	return nil
}

// Wait flushes pending writes; useful in tests, which otherwise race
// ristretto's buffered admission.
func (s *RistrettoStore) Wait() { s.c.Wait() }

// Close shuts down the cache and releases resources.
func (s *RistrettoStore) Close() { s.c.Close() }
