// Package cache implements the four-tier response cache that sits in front
// of the provider router:
//
//   - L1 LocalTier       in-process LRU, per instance
//   - L2 DistributedTier Redis, shared by all instances
//   - L3 SemanticTier    nearest-neighbour lookup over prompt embeddings
//   - L4 ColdTier        object storage with long retention
//
// TieredCache probes the tiers fastest first and copies a hit into every
// faster tier before returning it. Writes go to every tier independently.
// Cache failures are logged and counted and never reach the caller.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// DistributedStore is the L2 contract.
type DistributedStore interface {
	Get(ctx context.Context, key string) (*providers.Response, error)
	Put(ctx context.Context, key string, resp *providers.Response, ttl time.Duration) error
}

// SemanticStore is the L3 contract.
type SemanticStore interface {
	Get(ctx context.Context, req *providers.Request) (*providers.Response, float64, error)
	Put(ctx context.Context, req *providers.Request, resp *providers.Response) error
}

// ColdStore is the L4 contract.
type ColdStore interface {
	Get(ctx context.Context, key string) (*providers.Response, error)
	Put(ctx context.Context, key string, resp *providers.Response) error
}

// Recorder receives cache metrics. metrics.Registry implements it.
type Recorder interface {
	CacheLookup(tier string, hit bool)
	CacheWrite(tier string, err error)
}

type nopRecorder struct{}

func (nopRecorder) CacheLookup(string, bool) {}
func (nopRecorder) CacheWrite(string, error) {}

// Tiers are the tier instances handed to NewTieredCache. Local is
// required; a nil slower tier is skipped.
type Tiers struct {
	Local       *LocalTier
	Distributed DistributedStore
	Semantic    SemanticStore
	Cold        ColdStore
}

// TieredCache orchestrates the cache tiers.
type TieredCache struct {
	keys       *KeyGenerator
	local      *LocalTier
	dist       DistributedStore
	semantic   SemanticStore
	cold       ColdStore
	exclusions *ExclusionList
	recorder   Recorder
	log        *slog.Logger
}

// TieredOption configures a TieredCache.
type TieredOption func(*TieredCache)

// WithExclusions bypasses every tier for matching models.
func WithExclusions(el *ExclusionList) TieredOption {
	return func(c *TieredCache) { c.exclusions = el }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) TieredOption {
	return func(c *TieredCache) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithLogger sets the logger used for tier errors.
func WithLogger(l *slog.Logger) TieredOption {
	return func(c *TieredCache) {
		if l != nil {
			c.log = l
		}
	}
}

// NewTieredCache composes tiers. It returns an error when the L1 tier is
// missing.
func NewTieredCache(t Tiers, opts ...TieredOption) (*TieredCache, error) {
	if t.Local == nil {
		return nil, errors.New("cache: l1 tier is required")
	}

	c := &TieredCache{
		keys:     NewKeyGenerator(),
		local:    t.Local,
		dist:     t.Distributed,
		semantic: t.Semantic,
		cold:     t.Cold,
		recorder: nopRecorder{},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Key returns the cache key for req.
func (c *TieredCache) Key(req *providers.Request) string {
	return c.keys.Generate(req)
}

// Cacheable reports whether req may be served from or written to the cache.
func (c *TieredCache) Cacheable(req *providers.Request) bool {
	return !req.Stream && !c.exclusions.Matches(req.Model)
}

// Get looks req up in L1, L2, L3 and L4 in that order. A hit in a slower
// tier is written into every faster tier before Get returns. The returned
// response has CacheHit set; L3 hits also carry Similarity.
func (c *TieredCache) Get(ctx context.Context, req *providers.Request) (*providers.Response, bool) {
	if !c.Cacheable(req) {
		return nil, false
	}

	key := c.keys.Generate(req)

	if resp, ok := c.local.Get(key); ok {
		c.recorder.CacheLookup(TierL1, true)
		return markHit(resp, nil), true
	}
	c.recorder.CacheLookup(TierL1, false)

	if c.dist != nil {
		resp, err := c.dist.Get(ctx, key)
		c.lookupResult(ctx, TierL2, key, resp != nil, err)
		if resp != nil {
			c.local.Put(key, resp, 0)
			return markHit(resp, nil), true
		}
	}

	if c.semantic != nil {
		resp, score, err := c.semantic.Get(ctx, req)
		c.lookupResult(ctx, TierL3, key, resp != nil, err)
		if resp != nil {
			c.putDistributed(ctx, key, resp)
			c.local.Put(key, resp, 0)
			return markHit(resp, &score), true
		}
	}

	if c.cold != nil {
		resp, err := c.cold.Get(ctx, key)
		c.lookupResult(ctx, TierL4, key, resp != nil, err)
		if resp != nil {
			c.putSemantic(ctx, req, resp)
			c.putDistributed(ctx, key, resp)
			c.local.Put(key, resp, 0)
			return markHit(resp, nil), true
		}
	}

	return nil, false
}

// Put writes resp to every tier. L1 always succeeds; a failure in any other
// tier is logged and does not affect the rest. Responses carrying an error
// are not cached.
func (c *TieredCache) Put(ctx context.Context, req *providers.Request, resp *providers.Response) {
	if resp == nil || resp.Error != "" || !c.Cacheable(req) {
		return
	}

	key := c.keys.Generate(req)
	stored := resp.Clone()
	stored.CacheHit = false
	stored.Similarity = nil

	c.local.Put(key, stored, 0)
	c.recorder.CacheWrite(TierL1, nil)

	c.putDistributed(ctx, key, stored)
	c.putSemantic(ctx, req, stored)
	c.putCold(ctx, key, stored)
}

// InvalidateAll clears L1. Slower tiers keep their entries until they
// expire, so this is not a consistent invalidation across instances.
func (c *TieredCache) InvalidateAll() {
	c.local.InvalidateAll()
	c.log.Info("cache_invalidated", slog.String("tier", TierL1))
}

func (c *TieredCache) putDistributed(ctx context.Context, key string, resp *providers.Response) {
	if c.dist == nil {
		return
	}
	err := c.dist.Put(ctx, key, resp, 0)
	c.writeResult(ctx, TierL2, key, err)
}

func (c *TieredCache) putSemantic(ctx context.Context, req *providers.Request, resp *providers.Response) {
	if c.semantic == nil {
		return
	}
	err := c.semantic.Put(ctx, req, resp)
	c.writeResult(ctx, TierL3, "", err)
}

func (c *TieredCache) putCold(ctx context.Context, key string, resp *providers.Response) {
	if c.cold == nil {
		return
	}
	err := c.cold.Put(ctx, key, resp)
	c.writeResult(ctx, TierL4, key, err)
}

func (c *TieredCache) lookupResult(ctx context.Context, tier, key string, hit bool, err error) {
	c.recorder.CacheLookup(tier, hit)
	if err != nil {
		c.log.WarnContext(ctx, "cache_get_error",
			slog.String("tier", tier),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (c *TieredCache) writeResult(ctx context.Context, tier, key string, err error) {
	c.recorder.CacheWrite(tier, err)
	if err != nil {
		c.log.WarnContext(ctx, "cache_put_error",
			slog.String("tier", tier),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func markHit(resp *providers.Response, similarity *float64) *providers.Response {
	out := resp.Clone()
	out.CacheHit = true
	out.Similarity = similarity
	return out
}
