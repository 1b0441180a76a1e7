package engine

import (
	"context"
	"sort"
	"sync"

	"codemachine.dev/core/internal/coreerr"
)

// Registry holds one immutable Engine per back-end, registered once at
// process start (§3 Engine lifetime), plus the shared Auth Cache.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	cache   *AuthCache
}

// NewRegistry constructs an empty Registry backed by cache for
// authentication status memoization.
func NewRegistry(cache *AuthCache) *Registry {
	return &Registry{engines: make(map[string]Engine), cache: cache}
}

// Register adds e to the registry. Re-registering the same ID replaces
// the previous entry; callers are expected to register each engine
// exactly once at startup.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.ID()] = e
}

// Get returns the engine for id, or CodeEngineNotFound.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, coreerr.Newf(coreerr.CodeEngineNotFound, nil, "engine %q is not registered", id)
	}
	return e, nil
}

// List returns every registered engine ordered by Order() (display
// priority, §3), ties broken by ID for determinism.
func (r *Registry) List() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order() != out[j].Order() {
			return out[i].Order() < out[j].Order()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// IsAuthenticated reports whether id is authenticated, through the Auth
// Cache (§4.2): a cache hit within TTL avoids calling the engine's own
// Auth().IsAuthenticated.
func (r *Registry) IsAuthenticated(ctx context.Context, id string) (bool, error) {
	e, err := r.Get(id)
	if err != nil {
		return false, err
	}
	return r.cache.IsAuthenticated(ctx, id, e.Auth().IsAuthenticated)
}

// InvalidateAuth forces the next IsAuthenticated(id) to re-check.
func (r *Registry) InvalidateAuth(id string) {
	r.cache.Invalidate(id)
}

// Len reports how many engines are registered; cmd/codemachine uses it
// to refuse to start with none.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}
