package engine

import (
	"context"
	"sync"
	"time"
)

// authCacheEntry mirrors §3 EngineAuthCacheEntry.
type authCacheEntry struct {
	isAuthenticated bool
	timestamp       time.Time
}

// AuthCache is the process-wide single instance named in §3: a
// TTL-bounded cache of per-engine authentication status so the Fallback
// Runner does not re-invoke an engine's (possibly expensive) auth check
// on every candidate attempt.
type AuthCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]authCacheEntry
	now     func() time.Time
}

// NewAuthCache constructs a cache with the given TTL (from
// CODEMACHINE_AUTH_CACHE_TTL_MS, §6).
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{
		ttl:     ttl,
		entries: make(map[string]authCacheEntry),
		now:     time.Now,
	}
}

// IsAuthenticated returns the cached boolean if the entry for engineID is
// within TTL; otherwise it invokes check, caches the result with the
// current time, and returns it (§4.2).
func (c *AuthCache) IsAuthenticated(ctx context.Context, engineID string, check func(context.Context) (bool, error)) (bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[engineID]
	fresh := ok && c.now().Sub(entry.timestamp) < c.ttl
	c.mu.Unlock()

	if fresh {
		return entry.isAuthenticated, nil
	}

	authed, err := check(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.entries[engineID] = authCacheEntry{isAuthenticated: authed, timestamp: c.now()}
	c.mu.Unlock()

	return authed, nil
}

// Invalidate drops the cached entry for one engine, forcing the next
// IsAuthenticated call to re-check.
func (c *AuthCache) Invalidate(engineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, engineID)
}

// Clear drops every cached entry.
func (c *AuthCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]authCacheEntry)
}
