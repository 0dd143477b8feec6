package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// L1 defaults.
const (
	DefaultLocalSize = 1000
	DefaultLocalTTL  = 5 * time.Minute
)

type localEntry struct {
	resp      *providers.Response
	expiresAt time.Time
}

// LocalTier is the in-process L1 tier: a bounded LRU with per-entry TTL.
// Safe for concurrent use. Expired entries are removed lazily on access and
// otherwise fall out through LRU eviction.
type LocalTier struct {
	entries *lru.Cache[string, localEntry]
	ttl     time.Duration
	now     func() time.Time
}

// NewLocalTier creates an L1 tier holding at most size entries.
// Zero values fall back to DefaultLocalSize and DefaultLocalTTL.
func NewLocalTier(size int, ttl time.Duration) (*LocalTier, error) {
	if size <= 0 {
		size = DefaultLocalSize
	}
	if ttl <= 0 {
		ttl = DefaultLocalTTL
	}

	entries, err := lru.New[string, localEntry](size)
	if err != nil {
		return nil, fmt.Errorf("cache: l1: %w", err)
	}

	return &LocalTier{entries: entries, ttl: ttl, now: time.Now}, nil
}

// Get returns a copy of the cached response, or false on a miss.
func (c *LocalTier) Get(key string) (*providers.Response, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Remove(key)
		return nil, false
	}
	return e.resp.Clone(), true
}

// Put stores a copy of resp. A non-positive ttl uses the tier default.
func (c *LocalTier) Put(key string, resp *providers.Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries.Add(key, localEntry{resp: resp.Clone(), expiresAt: c.now().Add(ttl)})
}

// InvalidateAll drops every entry before returning.
func (c *LocalTier) InvalidateAll() {
	c.entries.Purge()
}

// Len returns the number of entries, expired ones included.
func (c *LocalTier) Len() int {
	return c.entries.Len()
}
