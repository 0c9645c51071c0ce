package planner

import (
	"sync"
	"time"
)

// columnCache remembers table-column existence checks for the lifetime of
// the process (spec.md §5: "columnCache ... process-lifetime").
type columnCache struct {
	mu   sync.RWMutex
	seen map[string]bool
}

func newColumnCache() *columnCache {
	return &columnCache{seen: make(map[string]bool)}
}

func (c *columnCache) get(key string) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.seen[key]
	return v, ok
}

func (c *columnCache) set(key string, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = exists
}

// ttlEntry is one cached value with an expiry.
type ttlEntry struct {
	value     []string
	expiresAt time.Time
}

// customFieldKeysCache caches active custom-field keys per (entityIds,
// tenantId), expiring after the configured TTL (default 5 min).
type customFieldKeysCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]ttlEntry
}

func newCustomFieldKeysCache(ttl time.Duration) *customFieldKeysCache {
	return &customFieldKeysCache{ttl: ttl, m: make(map[string]ttlEntry)}
}

func (c *customFieldKeysCache) get(key string, now time.Time) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.m[key]
	if !ok || now.After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *customFieldKeysCache) set(key string, value []string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = ttlEntry{value: value, expiresAt: now.Add(c.ttl)}
}

// pendingRefreshSet de-duplicates concurrent coverage-refresh scheduling
// requests for the same scope key (spec.md §5).
type pendingRefreshSet struct {
	mu      sync.Mutex
	pending map[string]bool
}

func newPendingRefreshSet() *pendingRefreshSet {
	return &pendingRefreshSet{pending: make(map[string]bool)}
}

// tryMark returns true if key was not already pending and marks it pending.
func (p *pendingRefreshSet) tryMark(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[key] {
		return false
	}
	p.pending[key] = true
	return true
}

func (p *pendingRefreshSet) clear(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, key)
}
