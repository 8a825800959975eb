// Package syncclient implements the client side of the realtime protocol:
// a websocket subscriber that keeps a local query cache consistent with
// server-side task mutations.
package syncclient

import (
	"context"
	"strings"
	"sync"
)

// Key builds a cache key from its parts, e.g. Key("tasks", projectID).
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

type cacheEntry struct {
	fetch func(ctx context.Context) (any, error)
	data  any
	stale bool
}

// QueryCache holds fetched query results keyed by Key. Mutation events mark
// entries stale and trigger a refetch; readers always see either the previous
// value or the freshly fetched one.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func NewQueryCache() *QueryCache {
	return &QueryCache{entries: make(map[string]*cacheEntry)}
}

// Register binds a fetcher to a key. Registering an existing key replaces
// its fetcher and drops any cached value.
func (c *QueryCache) Register(key string, fetch func(ctx context.Context) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{fetch: fetch, stale: true}
}

// Get returns the cached value and whether the entry is fresh.
func (c *QueryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return entry.data, !entry.stale
}

// Invalidate marks keys stale without touching their cached values.
// Unregistered keys are ignored.
func (c *QueryCache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if entry, ok := c.entries[key]; ok {
			entry.stale = true
		}
	}
}

// Refetch re-runs the fetcher for each key and stores the result. A failed
// fetch leaves the entry stale with its previous value intact.
func (c *QueryCache) Refetch(ctx context.Context, keys ...string) error {
	var firstErr error
	for _, key := range keys {
		c.mu.Lock()
		entry, ok := c.entries[key]
		c.mu.Unlock()
		if !ok {
			continue
		}

		data, err := entry.fetch(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		c.mu.Lock()
		entry.data = data
		entry.stale = false
		c.mu.Unlock()
	}
	return firstErr
}
