package proxy

import (
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

const headerRequestID = "X-Request-ID"

// middleware wraps a handler.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into a 500 error envelope.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError, "internal server error", apierr.TypeServerError, apierr.CodeInternalError)
			}
		}()
		next(ctx)
	}
}

// requestID propagates X-Request-ID, generating one when absent, and stores
// it under the "request_id" user value.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set(headerRequestID, id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

// timing sets X-Response-Time to the handler duration.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders hardens JSON-only responses.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
	}
}

// observe records management request metrics. Routes are labelled by their
// registered pattern so unknown paths cannot blow up cardinality.
func (g *Gateway) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()

		start := time.Now()
		next(ctx)

		route, _ := ctx.UserValue(router.MatchedRoutePathParam).(string)
		if route == "" {
			route = "unmatched"
		}
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}
}

// applyMiddleware wraps h so that mws[0] is the outermost layer:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
