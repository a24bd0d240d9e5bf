// Package auth resolves opaque API keys to caller identities with bounded
// staleness, avoiding a credential-store round trip on every request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/keystore"
)

// ErrInvalidKey is returned for unknown or inactive API keys. Never cached:
// a never-valid key is re-checked against the store on every attempt, so it
// resolves as soon as it is provisioned.
var ErrInvalidKey = errors.New("auth: invalid or inactive API key")

const (
	// DefaultTTL bounds how long a revoked key can keep resolving.
	DefaultTTL = 60 * time.Second
	// DefaultMaxEntries bounds cache memory as a secondary limit.
	DefaultMaxEntries = 1000
)

// Identity is the resolved caller.
type Identity struct {
	SubjectID   int64
	SubjectName string
}

type entry struct {
	identity  Identity
	expiresAt time.Time
}

// Cache maps API keys to identities with a fixed wall-clock TTL per entry.
//
// Only confirmed-active identities are cached; entries are never mutated in
// place — the next lookup after expiry replaces them wholesale. Concurrent
// misses for the same key may each hit the store (cache-stampede duplicates
// are tolerated); the cache itself stays consistent under the mutex.
type Cache struct {
	store      keystore.Store
	ttl        time.Duration
	maxEntries int
	log        *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry

	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the per-entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxEntries overrides the capacity bound.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// NewCache creates a Cache over the given credential store.
func NewCache(store keystore.Store, log *slog.Logger, opts ...Option) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		store:      store,
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		log:        log,
		entries:    make(map[string]entry),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Authenticate resolves key to an Identity.
//
// Cache hit within TTL → no store query. Miss → the store is queried; an
// absent or inactive record fails with ErrInvalidKey and is not cached.
func (c *Cache) Authenticate(ctx context.Context, key string) (Identity, error) {
	if id, ok := c.lookup(key); ok {
		return id, nil
	}

	rec, err := c.store.LookupByKey(ctx, key)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return Identity{}, ErrInvalidKey
		}
		return Identity{}, fmt.Errorf("auth: store lookup: %w", err)
	}
	if !rec.Active {
		return Identity{}, ErrInvalidKey
	}

	id := Identity{SubjectID: rec.ID, SubjectName: rec.Name}
	c.insert(key, id)
	return id, nil
}

// Len returns the number of cached entries, including not-yet-evicted
// expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (Identity, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return Identity{}, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check: another goroutine may have refreshed the entry.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Identity{}, false
	}
	return e.identity, true
}

func (c *Cache) insert(key string, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = entry{identity: id, expiresAt: c.now().Add(c.ttl)}
}

// evictOldestLocked removes the entry closest to expiry. Capacity pressure
// is rare (TTL eviction dominates), so a linear scan is fine.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
