package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/ai-gateway/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig mirrors the config defaults with no providers configured.
func testConfig() *config.Config {
	return &config.Config{
		AdminPort: 0,
		LogLevel:  "info",
		Providers: map[string]config.ProviderConfig{},
		Cache: config.CacheConfig{
			L1Size:    100,
			L1TTL:     time.Minute,
			L2TTL:     time.Hour,
			L2Timeout: 500 * time.Millisecond,
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			WindowSize:       10,
			MinCalls:         5,
			FailureRate:      50,
			SlowCallRate:     50,
			SlowCallDuration: 10 * time.Second,
			WaitDuration:     10 * time.Second,
			HalfOpenCalls:    3,
		},
		Retry:           config.RetryConfig{MaxAttempts: 1, Delay: 10 * time.Millisecond, Multiplier: 1},
		ProviderTimeout: 5 * time.Second,
	}
}

// modelsServer answers the openai models listing used by the health probe.
func modelsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []any{}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk", Enabled: true}
	cfg.Providers["anthropic"] = config.ProviderConfig{APIKey: "ak", Enabled: false}
	cfg.Providers["groq"] = config.ProviderConfig{APIKey: "gsk", Enabled: true, Priority: 2}
	cfg.Bedrock = config.BedrockConfig{
		AccessKey: "AKID",
		SecretKey: "secret",
		Region:    "us-east-1",
		Enabled:   true,
	}

	set, err := buildProviders(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.openai == nil {
		t.Fatal("expected openai provider to be kept for embeddings")
	}

	var names []string
	for _, p := range set.all {
		names = append(names, p.Name())
	}
	slices.Sort(names)
	if got := strings.Join(names, ","); got != "bedrock,groq,openai" {
		t.Fatalf("unexpected providers %q", got)
	}

	for _, p := range set.all {
		if p.Name() == "groq" && p.Metadata().Priority != 2 {
			t.Fatalf("expected priority override, got %d", p.Metadata().Priority)
		}
	}
}

func TestBuildProviders_DisabledVertex(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk", Enabled: true}
	cfg.VertexAI = config.VertexAIConfig{Enabled: false, Project: "proj"}

	set, err := buildProviders(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(set.all) != 1 || set.all[0].Name() != "openai" {
		t.Fatalf("disabled vertex must not be registered, got %d providers", len(set.all))
	}
}

func TestNew_NoProviders(t *testing.T) {
	_, err := New(context.Background(), testConfig(), discardLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "no provider") {
		t.Fatalf("expected no-provider error, got %v", err)
	}
}

func TestNew_InvalidExclusionPattern(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk", Enabled: true, BaseURL: modelsServer(t).URL + "/v1"}
	cfg.Cache.ExcludePatterns = []string{"("}

	_, err := New(context.Background(), cfg, discardLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "init cache") {
		t.Fatalf("expected cache init error, got %v", err)
	}
}

func TestNew_WiresDistributedTierAndCloses(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk", Enabled: true, BaseURL: modelsServer(t).URL + "/v1"}
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg, discardLogger(), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.dist == nil || a.Gateway() == nil || len(a.Providers()) != 1 {
		t.Fatal("expected L2 tier, gateway and one provider")
	}
	snap := a.health.Snapshot()
	if snap.Cache["l2"] != "ok" || snap.Providers["openai"] != "ok" {
		t.Fatalf("unexpected health snapshot %+v", snap)
	}
	if _, ok := snap.Cache["l3"]; ok {
		t.Fatal("disabled L3 must not be probed")
	}

	a.Close()
	a.Close()

	if err := a.dist.Ping(context.Background()); err == nil {
		t.Fatal("expected redis client to be closed")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_UnreachableVectorStoreDisablesSemanticTier(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["openai"] = config.ProviderConfig{APIKey: "sk", Enabled: true, BaseURL: modelsServer(t).URL + "/v1"}
	cfg.Semantic = config.SemanticConfig{
		Enabled:   true,
		DSN:       "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1",
		Threshold: 0.95,
		Timeout:   time.Second,
		Dimension: 8,
		Backend:   "hash",
	}

	var out lockedBuffer
	log := slog.New(slog.NewTextHandler(&out, nil))

	a, err := New(context.Background(), cfg, log, "test")
	if err != nil {
		t.Fatalf("startup must survive an unreachable vector store: %v", err)
	}
	defer a.Close()

	if a.semantic != nil || a.vectors != nil {
		t.Fatal("expected L3 to stay disabled")
	}
	if _, ok := a.health.Snapshot().Cache["l3"]; ok {
		t.Fatal("disabled L3 must not be probed")
	}
	logs := out.String()
	if !strings.Contains(logs, "semantic_cache_disabled") {
		t.Fatalf("expected semantic_cache_disabled warning, got %q", logs)
	}
	if strings.Contains(logs, "u:p@") {
		t.Fatalf("credentials leaked into logs: %q", logs)
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"redis://:secret@localhost:6379", "redis://***@localhost:6379"},
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"postgres://user:pw@db:5432/cache?sslmode=disable", "postgres://***@db:5432/cache?sslmode=disable"},
		{"user:pw@host", "***@host"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := redactURL(tc.in); got != tc.want {
			t.Errorf("redactURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
