// Package proxy is the core request dispatcher.
//
// The Gateway takes a normalized completion request, consults the tiered
// cache, and on a miss hands the request to the Router, which picks a
// provider and falls back to alternatives when it fails. Successful
// responses are written back to every cache tier.
//
// Key design constraints:
//   - Cache, request logger, metrics and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are never cached.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// GatewayOptions holds optional dependencies for a Gateway.
type GatewayOptions struct {
	// Logger is used for request events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// RequestLog receives one entry per completed request.
	RequestLog *logger.Logger

	// Health backs the /health and /readiness endpoints.
	Health *HealthChecker
}

// Gateway is the facade over cache and router. All dependencies are injected
// via the constructor so they can be replaced in tests.
type Gateway struct {
	router  *Router
	cache   *cache.TieredCache
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	reqLog  *logger.Logger
}

// NewGateway creates a Gateway. c may be nil to disable caching.
func NewGateway(baseCtx context.Context, router *Router, c *cache.TieredCache, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if router == nil {
		panic("gateway: router must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		router:  router,
		cache:   c,
		health:  opts.Health,
		baseCtx: baseCtx,
		log:     log,
		metrics: opts.Metrics,
		reqLog:  opts.RequestLog,
	}
}

// Router returns the underlying router.
func (g *Gateway) Router() *Router { return g.router }

// Complete answers req from the cache when possible, otherwise routes it to a
// provider and caches the result. The only caller-visible failures are
// validation errors and AllProvidersFailedError.
func (g *Gateway) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	start := time.Now()
	req, err := prepare(req)
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		if resp, ok := g.cache.Get(ctx, req); ok {
			resp.LatencyMs = time.Since(start).Milliseconds()
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", req.RequestID),
				slog.String("model", req.Model),
				slog.String("route", resp.Route),
			)
			g.finish(req, resp, nil, start)
			return resp, nil
		}
	}

	resp, err := g.router.Route(ctx, req)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.finish(req, nil, err, start)
		return nil, err
	}

	if g.cache != nil {
		// The response is already owned by the caller; the write must not
		// be cut short if the caller cancels right after.
		g.cache.Put(context.WithoutCancel(ctx), req, resp)
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", req.RequestID),
		slog.String("route", resp.Route),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.PromptTokens),
		slog.Int("output_tokens", resp.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)
	g.finish(req, resp, nil, start)
	return resp, nil
}

// Stream routes req as a stream. Streams bypass the cache.
func (g *Gateway) Stream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	start := time.Now()
	req, err := prepare(req)
	if err != nil {
		return nil, err
	}
	req.Stream = true

	s, err := g.router.RouteStream(ctx, req)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_stream_error",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		g.finish(req, nil, err, start)
		return nil, err
	}

	g.finish(req, &providers.Response{Model: req.Model, Route: s.Route}, nil, start)
	return s, nil
}

// prepare validates req and returns a shallow copy carrying a request ID.
// The caller's Request is never modified.
func prepare(req *providers.Request) (*providers.Request, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out := *req
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	return &out, nil
}

// InvalidateAll clears the in-process cache tier. Distributed tiers expire by
// TTL only.
func (g *Gateway) InvalidateAll() {
	if g.cache != nil {
		g.cache.InvalidateAll()
	}
}

func (g *Gateway) finish(req *providers.Request, resp *providers.Response, err error, start time.Time) {
	elapsed := time.Since(start)

	entry := logger.RequestLog{
		RequestID: req.RequestID,
		Model:     req.Model,
		Stream:    req.Stream,
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: start,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if resp != nil {
		entry.Route = resp.Route
		entry.Model = resp.Model
		entry.InputTokens = resp.Usage.PromptTokens
		entry.OutputTokens = resp.Usage.CompletionTokens
		entry.Cached = resp.CacheHit
		entry.Similarity = resp.Similarity
		if !resp.CacheHit {
			entry.CostUSD = resp.CostUSD
		}
		if resp.Error != "" {
			entry.Error = resp.Error
		}
	}
	g.reqLog.Log(entry)

	if g.metrics != nil {
		route := entry.Route
		if route == "" {
			route = "none"
		}
		g.metrics.ObserveRequest(route, entry.Cached, elapsed)
		if entry.Cached {
			g.metrics.AddTokens(route, entry.InputTokens, entry.OutputTokens, true)
		}
	}
}
