// Package ttlkv provides a shared TTL key-value store used for
// cross-replica coordination state (leases, cancel flags). The KV
// interface is the seam where a networked store (e.g. Redis) plugs in;
// the in-memory implementation covers single-node deployments and tests.
package ttlkv

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const DefaultCleanupInterval = 1 * time.Minute

// KV is a TTL key-value store with the atomic read-modify-write
// operations the lease protocol needs.
type KV interface {
	// Get returns the value for key and whether it exists (and is unexpired).
	Get(ctx context.Context, key string) (string, bool, error)

	// Set unconditionally stores value under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent. Returns whether this call
	// created the entry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSet replaces the entry (extending its TTL) only if the
	// current value equals expect. Returns false if the key is missing,
	// expired, or holds a different value.
	CompareAndSet(ctx context.Context, key, expect, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the entry only if the current value equals
	// expect. A mismatch or missing key is a no-op.
	CompareAndDelete(ctx context.Context, key, expect string) error

	// Delete unconditionally removes the entry.
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process KV backed by go-cache. go-cache has no
// compare-and-set primitive, so composite operations run under a mutex.
type Memory struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemory creates an in-memory KV with the given janitor interval for
// evicting expired entries.
func NewMemory(cleanupInterval time.Duration) *Memory {
	return &Memory{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	value, found := m.cache.Get(key)
	if !found {
		return "", false, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", false, nil
	}
	return s, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.cache.Set(key, value, ttl)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cache.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) CompareAndSet(ctx context.Context, key, expect, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.cache.Get(key)
	if !found {
		return false, nil
	}
	if s, ok := current.(string); !ok || s != expect {
		return false, nil
	}
	m.cache.Set(key, value, ttl)
	return true, nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, key, expect string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.cache.Get(key)
	if !found {
		return nil
	}
	if s, ok := current.(string); !ok || s != expect {
		return nil
	}
	m.cache.Delete(key)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}
