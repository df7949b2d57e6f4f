package coord

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local RecordStore for development and tests.
// Expiry is enforced lazily on read; Sweep exists for long-lived dev
// processes. Production deployments use RedisStore so that no single
// process's memory is treated as ground truth.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore constructs an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// Get returns the stored value or ErrRecordNotFound.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		delete(s.entries, key)
		return nil, ErrRecordNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set writes value with ttl.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = newMemoryEntry(value, ttl)
	return nil
}

// SetNX writes value only if the key is absent.
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.entries[key] = newMemoryEntry(value, ttl)
	return true, nil
}

// CompareAndSwap replaces the value only if the stored record's version
// matches expect. Expect 0 requires the key to be absent.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expect int64, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && e.expired(time.Now()) {
		delete(s.entries, key)
		ok = false
	}

	if !ok {
		if expect != 0 {
			return false, nil
		}
	} else if recordVersion(e.value) != expect {
		return false, nil
	}

	s.entries[key] = newMemoryEntry(value, ttl)
	return true, nil
}

// Delete removes the key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired entries. Intended for a periodic janitor.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func newMemoryEntry(value []byte, ttl time.Duration) memoryEntry {
	cp := make([]byte, len(value))
	copy(cp, value)

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	return memoryEntry{value: cp, expiresAt: exp}
}
