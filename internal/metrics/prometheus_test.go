package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestRegistry_CacheRecorder(t *testing.T) {
	r := New()

	r.CacheLookup("l1", true)
	r.CacheLookup("l2", false)
	r.CacheLookup("l2", false)
	r.CacheWrite("l4", errors.New("denied"))
	r.CacheWrite("l4", nil)

	if got := testutil.ToFloat64(r.cacheLookups.WithLabelValues("l1", "hit")); got != 1 {
		t.Fatalf("l1 hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.cacheLookups.WithLabelValues("l2", "miss")); got != 2 {
		t.Fatalf("l2 misses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.cacheWrites.WithLabelValues("l4", "error")); got != 1 {
		t.Fatalf("l4 write errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.cacheWrites.WithLabelValues("l4", "ok")); got != 1 {
		t.Fatalf("l4 write ok = %v, want 1", got)
	}
}

func TestRegistry_ResilienceObserver(t *testing.T) {
	r := New()

	r.Attempt("openai", "ok", 10*time.Millisecond)
	r.Attempt("openai", "http_503", 20*time.Millisecond)
	r.Attempt("openai", "timeout", time.Second)
	r.Retry("openai")
	r.Rejected("anthropic")

	if got := testutil.ToFloat64(r.providerFailures.WithLabelValues("openai", "http_503")); got != 1 {
		t.Fatalf("http_503 failures = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.providerFailures); got != 2 {
		t.Fatalf("failure series = %d, want 2 (ok attempts are not failures)", got)
	}
	if got := testutil.ToFloat64(r.retries.WithLabelValues("openai")); got != 1 {
		t.Fatalf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.cbRejections.WithLabelValues("anthropic")); got != 1 {
		t.Fatalf("rejections = %v, want 1", got)
	}
}

func TestRegistry_CostAndTokens(t *testing.T) {
	r := New()

	r.AddCost("openai", 0.02)
	r.AddCost("openai", 0.01)
	r.AddCost("openai", 0)
	r.AddTokens("openai", 1000, 500, false)

	if got := testutil.ToFloat64(r.providerCost.WithLabelValues("openai")); got < 0.0299 || got > 0.0301 {
		t.Fatalf("cost = %v, want 0.03", got)
	}
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("openai", "total", "miss")); got != 1500 {
		t.Fatalf("total tokens = %v, want 1500", got)
	}
}

func TestRegistry_CircuitBreakerTransition(t *testing.T) {
	r := New()

	r.CircuitBreakerTransition("openai", "closed", "open", 1)

	if got := testutil.ToFloat64(r.circuitBreakerState.WithLabelValues("openai")); got != 1 {
		t.Fatalf("state gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("openai", "closed", "open")); got != 1 {
		t.Fatalf("transitions = %v, want 1", got)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")
	r.CacheLookup("l1", true)

	var req fasthttp.Request
	req.SetRequestURI("/metrics")
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	r.Handler()(&ctx)

	body := string(ctx.Response.Body())
	for _, want := range []string{"gateway_build_info", `cache_lookups_total{result="hit",tier="l1"} 1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
