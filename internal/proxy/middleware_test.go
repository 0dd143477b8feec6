package proxy

import (
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRecovery(t *testing.T) {
	cases := []struct {
		name       string
		handler    fasthttp.RequestHandler
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no panic",
			handler:    func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("ok") },
			wantStatus: fasthttp.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "panic",
			handler:    func(*fasthttp.RequestCtx) { panic("boom") },
			wantStatus: fasthttp.StatusInternalServerError,
			wantBody:   `"code":"internal_error"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			recovery(tc.handler)(ctx)

			if ctx.Response.StatusCode() != tc.wantStatus {
				t.Fatalf("status = %d, want %d", ctx.Response.StatusCode(), tc.wantStatus)
			}
			if body := string(ctx.Response.Body()); !strings.Contains(body, tc.wantBody) {
				t.Fatalf("body %q does not contain %q", body, tc.wantBody)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		var seen string
		ctx := &fasthttp.RequestCtx{}
		requestID(func(ctx *fasthttp.RequestCtx) { seen = requestIDFrom(ctx) })(ctx)

		if seen == "" || string(ctx.Response.Header.Peek(headerRequestID)) != seen {
			t.Fatalf("generated id %q not echoed", seen)
		}
	})

	t.Run("preserved", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set(headerRequestID, "req-123")
		requestID(func(*fasthttp.RequestCtx) {})(ctx)

		if got := string(ctx.Response.Header.Peek(headerRequestID)); got != "req-123" {
			t.Fatalf("X-Request-ID = %q, want req-123", got)
		}
	})
}

func TestTimingAndSecurityHeaders(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	applyMiddleware(func(*fasthttp.RequestCtx) {}, timing, securityHeaders)(ctx)

	for _, h := range []string{"X-Response-Time", "X-Content-Type-Options", "X-Frame-Options", "Cache-Control"} {
		if len(ctx.Response.Header.Peek(h)) == 0 {
			t.Errorf("header %s not set", h)
		}
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mark := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-before")
				next(ctx)
				order = append(order, name+"-after")
			}
		}
	}

	applyMiddleware(func(*fasthttp.RequestCtx) { order = append(order, "handler") },
		mark("outer"), mark("inner"))(&fasthttp.RequestCtx{})

	want := "outer-before,inner-before,handler,inner-after,outer-after"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
}
