package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
)

// Handler returns the management API:
//
//	GET  /health                   component health snapshot
//	GET  /readiness                200 when at least one provider is configured
//	GET  /metrics                  Prometheus exposition (when metrics are enabled)
//	POST /admin/cache/invalidate   clears the in-process cache tier
//
// Authorization for the admin route is expected in front of this server.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}
	r.POST("/admin/cache/invalidate", g.handleInvalidate)

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "route not found", apierr.TypeInvalidRequest, apierr.CodeNotFound)
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed", apierr.TypeInvalidRequest, apierr.CodeMethodNotAllowed)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		g.observe,
		securityHeaders,
	)
}

// NewServer builds the management HTTP server around Handler.
func (g *Gateway) NewServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(),
		Name:         "ai-gateway",
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	snap := g.health.Snapshot()
	if snap.Status == "down" {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (g *Gateway) handleInvalidate(ctx *fasthttp.RequestCtx) {
	g.InvalidateAll()
	g.log.Info("cache_invalidate_requested",
		slog.String("request_id", requestIDFrom(ctx)),
		slog.String("remote_addr", ctx.RemoteAddr().String()),
	)
	writeJSON(ctx, map[string]string{"status": "ok", "invalidated": "l1"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
