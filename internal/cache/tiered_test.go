package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/embedding"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

type countingRecorder struct {
	mu          sync.Mutex
	hits        map[string]int
	misses      map[string]int
	writeErrors map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{hits: map[string]int{}, misses: map[string]int{}, writeErrors: map[string]int{}}
}

func (r *countingRecorder) CacheLookup(tier string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits[tier]++
	} else {
		r.misses[tier]++
	}
}

func (r *countingRecorder) CacheWrite(tier string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.writeErrors[tier]++
	}
}

// failingStore fails every L2 call.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (*providers.Response, error) {
	return nil, &TierError{Tier: TierL2, Op: "get", Err: errors.New("down")}
}

func (failingStore) Put(context.Context, string, *providers.Response, time.Duration) error {
	return &TierError{Tier: TierL2, Op: "put", Err: errors.New("down")}
}

type testTiers struct {
	cache    *TieredCache
	local    *LocalTier
	dist     *DistributedTier
	semantic *SemanticTier
	index    *memIndex
	cold     *ColdTier
	store    *fakeObjectStore
	recorder *countingRecorder
}

func newTestTiers(t *testing.T, opts ...TieredOption) *testTiers {
	t.Helper()

	local, err := NewLocalTier(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	dist, _ := newTestDistributed(t)
	index := newMemIndex()
	semantic := NewSemanticTier(index, embedding.NewHashEmbedder(64))
	now := time.Now()
	cold, store := newTestColdTier(t, &now)
	rec := newCountingRecorder()

	c, err := NewTieredCache(Tiers{
		Local:       local,
		Distributed: dist,
		Semantic:    semantic,
		Cold:        cold,
	}, append([]TieredOption{WithRecorder(rec)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}

	return &testTiers{
		cache: c, local: local, dist: dist, semantic: semantic, index: index,
		cold: cold, store: store, recorder: rec,
	}
}

func tieredRequest(content string) *providers.Request {
	temp := 0.7
	return &providers.Request{
		Model:       "gpt-4o",
		Temperature: &temp,
		Messages:    []providers.Message{{Role: "user", Content: content}},
	}
}

func TestTieredCache_PutThenGet(t *testing.T) {
	tt := newTestTiers(t)
	ctx := context.Background()
	req := tieredRequest("hello")

	tt.cache.Put(ctx, req, cachedResponse("world"))

	got, ok := tt.cache.Get(ctx, req)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Content() != "world" || !got.CacheHit || got.Similarity != nil {
		t.Fatalf("unexpected response: %+v", got)
	}
	if got.Route != "openai" {
		t.Fatalf("hit must keep the stored route, got %q", got.Route)
	}
	if tt.recorder.hits[TierL1] != 1 {
		t.Fatalf("expected an L1 hit, recorder=%+v", tt.recorder.hits)
	}

	key := tt.cache.Key(req)
	if r, _ := tt.dist.Get(ctx, key); r == nil {
		t.Fatal("Put must write L2")
	}
	if tt.index.Len() != 1 {
		t.Fatal("Put must write L3")
	}
	if r, _ := tt.cold.Get(ctx, key); r == nil {
		t.Fatal("Put must write L4")
	}
}

func TestTieredCache_MissOnEmpty(t *testing.T) {
	tt := newTestTiers(t)

	if _, ok := tt.cache.Get(context.Background(), tieredRequest("nothing")); ok {
		t.Fatal("expected miss")
	}
	for _, tier := range []string{TierL1, TierL2, TierL3, TierL4} {
		if tt.recorder.misses[tier] != 1 {
			t.Errorf("tier %s: expected one miss, got %d", tier, tt.recorder.misses[tier])
		}
	}
}

func TestTieredCache_L2HitPromotesToL1(t *testing.T) {
	tt := newTestTiers(t)
	ctx := context.Background()
	req := tieredRequest("promote me")
	key := tt.cache.Key(req)

	if err := tt.dist.Put(ctx, key, cachedResponse("from-l2"), 0); err != nil {
		t.Fatal(err)
	}

	got, ok := tt.cache.Get(ctx, req)
	if !ok || got.Content() != "from-l2" {
		t.Fatalf("expected L2 hit, got %+v", got)
	}
	if _, ok := tt.local.Get(key); !ok {
		t.Fatal("L2 hit must be promoted into L1")
	}
}

func TestTieredCache_L3HitPromotesToL2AndL1(t *testing.T) {
	tt := newTestTiers(t)
	ctx := context.Background()
	req := tieredRequest("What is the capital of France?")
	key := tt.cache.Key(req)

	if err := tt.semantic.Put(ctx, req, cachedResponse("Paris")); err != nil {
		t.Fatal(err)
	}

	got, ok := tt.cache.Get(ctx, req)
	if !ok || got.Content() != "Paris" {
		t.Fatalf("expected L3 hit, got %+v", got)
	}
	if got.Similarity == nil || *got.Similarity < tt.semantic.Threshold() {
		t.Fatalf("L3 hit must carry similarity, got %v", got.Similarity)
	}

	if _, ok := tt.local.Get(key); !ok {
		t.Fatal("L3 hit must be in L1 afterwards")
	}
	if r, err := tt.dist.Get(ctx, key); err != nil || r == nil {
		t.Fatalf("L3 hit must be in L2 afterwards: %v", err)
	}
}

func TestTieredCache_L3NearMissFromDifferentPrompt(t *testing.T) {
	tt := newTestTiers(t)
	ctx := context.Background()

	if err := tt.semantic.Put(ctx, tieredRequest("tell me a joke"), cachedResponse("joke")); err != nil {
		t.Fatal(err)
	}

	if _, ok := tt.cache.Get(ctx, tieredRequest("write me a poem")); ok {
		t.Fatal("unrelated prompt must not hit the semantic tier")
	}
}

func TestTieredCache_L4HitPromotesToAllTiers(t *testing.T) {
	tt := newTestTiers(t)
	ctx := context.Background()
	req := tieredRequest("archived question")
	key := tt.cache.Key(req)

	if err := tt.cold.Put(ctx, key, cachedResponse("archived")); err != nil {
		t.Fatal(err)
	}

	got, ok := tt.cache.Get(ctx, req)
	if !ok || got.Content() != "archived" {
		t.Fatalf("expected L4 hit, got %+v", got)
	}
	if _, ok := tt.local.Get(key); !ok {
		t.Fatal("L4 hit must be in L1")
	}
	if r, _ := tt.dist.Get(ctx, key); r == nil {
		t.Fatal("L4 hit must be in L2")
	}
	if tt.index.Len() != 1 {
		t.Fatal("L4 hit must be in L3")
	}
}

func TestTieredCache_TierFailureIsIsolated(t *testing.T) {
	local, _ := NewLocalTier(10, time.Minute)
	now := time.Now()
	cold, store := newTestColdTier(t, &now)
	rec := newCountingRecorder()

	c, err := NewTieredCache(Tiers{Local: local, Distributed: failingStore{}, Cold: cold}, WithRecorder(rec))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	req := tieredRequest("isolated")
	c.Put(ctx, req, cachedResponse("ok"))

	if rec.writeErrors[TierL2] != 1 {
		t.Fatalf("L2 write error must be counted, got %d", rec.writeErrors[TierL2])
	}
	if !store.has(ObjectKey(c.Key(req), now)) {
		t.Fatal("L2 failure must not prevent the L4 write")
	}

	local.InvalidateAll()
	got, ok := c.Get(ctx, req)
	if !ok || got.Content() != "ok" {
		t.Fatal("L2 read failure must fall through to L4")
	}
}

func TestTieredCache_SkipsExcludedModelsAndErrors(t *testing.T) {
	el, _ := NewExclusionList([]string{"gpt-4o"}, nil)
	tt := newTestTiers(t, WithExclusions(el))
	ctx := context.Background()

	tt.cache.Put(ctx, tieredRequest("excluded"), cachedResponse("x"))
	if tt.local.Len() != 0 {
		t.Fatal("excluded model must not be cached")
	}

	other := tieredRequest("errored")
	other.Model = "claude-sonnet-4"
	failed := cachedResponse("degraded")
	failed.Error = "all providers failed"
	tt.cache.Put(ctx, other, failed)
	if tt.local.Len() != 0 {
		t.Fatal("responses carrying an error must not be cached")
	}

	stream := tieredRequest("stream")
	stream.Model = "claude-sonnet-4"
	stream.Stream = true
	tt.cache.Put(ctx, stream, cachedResponse("s"))
	if tt.local.Len() != 0 {
		t.Fatal("streaming requests bypass the cache")
	}
}

func TestTieredCache_InvalidateAllClearsL1Only(t *testing.T) {
	tt := newTestTiers(t)
	ctx := context.Background()
	req := tieredRequest("keep in l2")

	tt.cache.Put(ctx, req, cachedResponse("v"))
	tt.cache.InvalidateAll()

	if tt.local.Len() != 0 {
		t.Fatal("L1 must be empty after InvalidateAll")
	}
	if _, ok := tt.cache.Get(ctx, req); !ok {
		t.Fatal("L2 entries survive InvalidateAll")
	}
	if tt.recorder.hits[TierL2] != 1 {
		t.Fatalf("expected the hit to come from L2, got %+v", tt.recorder.hits)
	}
}

func TestTieredCache_HitDoesNotAliasStoredEntry(t *testing.T) {
	tt := newTestTiers(t)
	ctx := context.Background()
	req := tieredRequest("alias")

	tt.cache.Put(ctx, req, cachedResponse("orig"))

	first, _ := tt.cache.Get(ctx, req)
	first.Choices[0].Message.Content = "changed"

	second, _ := tt.cache.Get(ctx, req)
	if second.Content() != "orig" {
		t.Fatal("cached entries must be immutable from the caller's side")
	}
}

func TestNewTieredCache_RequiresLocal(t *testing.T) {
	if _, err := NewTieredCache(Tiers{}); err == nil {
		t.Fatal("expected error without L1")
	}
}
