package store

import (
	"context"
	"sync"
	"time"
)

// Version is the compare-and-swap token of a stored record. The zero
// Version means "no record"; a Put with it only succeeds if the key is absent.
type Version uint64

// Backend is a byte-level key-value store with conditional writes.
type Backend interface {
	// Get returns the value and its version, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, Version, error)

	// Put writes value if the stored version equals expected and returns the new version.
	Put(ctx context.Context, key string, value []byte, expected Version) (Version, error)

	// Delete removes key if the stored version equals expected.
	Delete(ctx context.Context, key string, expected Version) error

	// Close releases backend resources.
	Close() error
}

// versionClock hands out strictly increasing versions seeded from wall time,
// so a key that is deleted and recreated never reuses an old version.
type versionClock struct {
	mu   sync.Mutex
	last uint64
}

func (c *versionClock) next() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := uint64(time.Now().UnixNano())
	if v <= c.last {
		v = c.last + 1
	}
	c.last = v
	return Version(v)
}

type memoryEntry struct {
	value   []byte
	version Version
}

// MemoryBackend is an in-process Backend for single-node deployments and tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	data  map[string]memoryEntry
	clock versionClock
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]memoryEntry)}
}

// Get returns the value stored at key.
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), e.value...), e.version, nil
}

// Put stores value at key if the current version matches expected.
func (m *MemoryBackend) Put(ctx context.Context, key string, value []byte, expected Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	switch {
	case !ok && expected != 0, ok && e.version != expected:
		return 0, ErrVersionConflict
	}
	v := m.clock.next()
	m.data[key] = memoryEntry{value: append([]byte(nil), value...), version: v}
	return v, nil
}

// Delete removes key if the current version matches expected.
func (m *MemoryBackend) Delete(ctx context.Context, key string, expected Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return ErrNotFound
	}
	if e.version != expected {
		return ErrVersionConflict
	}
	delete(m.data, key)
	return nil
}

// Len returns the number of stored records.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}
