// Package snapshot holds the TTL-backed cache of per-entity computed views
// and the source used to recompute them on a miss.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

// Cache is a key/value store of entity snapshots with per-key TTL. A Get
// never returns expired data: an expired entry is a miss and the caller must
// recompute. Concurrent recomputations for the same entity are tolerated,
// last Put wins.
type Cache interface {
	// Get returns the snapshot for an entity, or an error wrapping
	// model.ErrCacheMiss when absent or expired.
	Get(ctx context.Context, entityID string) (*model.Snapshot, error)

	// Put overwrites the entity's snapshot unconditionally.
	Put(ctx context.Context, entityID string, snap *model.Snapshot, ttl time.Duration) error

	// Close releases the connection to the cache store.
	Close()
}

// MemoryCache is an in-process Cache for tests and cache-less deployments.
// Expired entries are evicted lazily on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	snap      *model.Snapshot
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, entityID string) (*model.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", entityID, model.ErrCacheMiss)
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, entityID)
		return nil, fmt.Errorf("entity %s expired: %w", entityID, model.ErrCacheMiss)
	}
	return e.snap, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(ctx context.Context, entityID string, snap *model.Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entityID] = memoryEntry{snap: snap, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Close implements Cache.
func (c *MemoryCache) Close() {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
}
