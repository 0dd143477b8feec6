package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/resilience"
)

const fallbackSuffix = "-fallback"

// AllProvidersFailedError is terminal: the direct provider and every member of
// the fallback chain failed. Errs holds one error per provider tried.
type AllProvidersFailedError struct {
	Model string
	Errs  []error
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Errs) == 0 {
		return fmt.Sprintf("all providers failed for model %q: no provider available", e.Model)
	}
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all providers failed for model %q: %s", e.Model, strings.Join(msgs, "; "))
}

func (e *AllProvidersFailedError) Unwrap() []error { return e.Errs }

// RateLimitedError means the provider's per-minute budget is spent. The router
// treats it like a failed attempt and moves on.
type RateLimitedError struct {
	Provider string
	Limit    int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rpm budget of %d exhausted", e.Provider, e.Limit)
}

// RateLimiter checks per-provider request budgets.
type RateLimiter interface {
	Allow(ctx context.Context, provider string, limit int) (bool, error)
}

// Router selects a provider for each request: the first available provider
// that natively supports the model, then every other available provider in
// priority order with the model remapped. Each provider call goes through the
// resilience wrapper.
type Router struct {
	providers     []providers.Provider
	wrapper       *resilience.Wrapper
	limiter       RateLimiter
	metrics       *metrics.Registry
	log           *slog.Logger
	serveDegraded bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRateLimiter enables per-provider RPM budgets.
func WithRateLimiter(l RateLimiter) RouterOption {
	return func(r *Router) { r.limiter = l }
}

// WithRouterMetrics records routing metrics.
func WithRouterMetrics(m *metrics.Registry) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithRouterLogger sets the logger for failover diagnostics.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithServeDegraded makes Route answer with a canned degraded response instead
// of AllProvidersFailedError.
func WithServeDegraded(on bool) RouterOption {
	return func(r *Router) { r.serveDegraded = on }
}

// NewRouter creates a Router over provs, ordered by ascending priority. Ties
// keep the input order. A nil wrapper gets the default policy.
func NewRouter(provs []providers.Provider, w *resilience.Wrapper, opts ...RouterOption) *Router {
	sorted := slices.Clone(provs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Metadata().Priority < sorted[j].Metadata().Priority
	})

	if w == nil {
		w = resilience.NewWrapper(nil)
	}

	r := &Router{
		providers: sorted,
		wrapper:   w,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Providers returns every registered provider in priority order.
func (r *Router) Providers() []providers.Provider {
	return slices.Clone(r.providers)
}

// Available returns the providers whose credentials are configured.
func (r *Router) Available() []providers.Provider {
	var out []providers.Provider
	for _, p := range r.providers {
		if p.IsAvailable() {
			out = append(out, p)
		}
	}
	return out
}

// DirectProvider returns the first available provider listing model among its
// supported models, or nil.
func (r *Router) DirectProvider(model string) providers.Provider {
	for _, p := range r.providers {
		if p.IsAvailable() && slices.Contains(p.SupportedModels(), model) {
			return p
		}
	}
	return nil
}

// Route returns a completion for req. The response route is the serving
// provider's name, suffixed "-fallback" when it came from the chain.
func (r *Router) Route(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := dispatch(ctx, r, req,
		func(p providers.Provider, req *providers.Request) func(context.Context) (*providers.Response, error) {
			return func(callCtx context.Context) (*providers.Response, error) {
				return p.Generate(callCtx, req)
			}
		},
		func(p providers.Provider, resp *providers.Response, route string) *providers.Response {
			r.recordUsage(p, resp)
			return resp.WithRoute(route)
		},
	)
	if err == nil {
		return resp, nil
	}

	var failed *AllProvidersFailedError
	if r.serveDegraded && errors.As(err, &failed) {
		if d := r.degraded(req, err); d != nil {
			return d, nil
		}
	}
	return nil, err
}

// RouteStream mirrors Route for streaming. Fallback only happens while the
// stream is being opened; once a provider has produced its first chunk the
// router commits to it. Providers without native streaming are served with a
// single-chunk stream built from Generate.
func (r *Router) RouteStream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return dispatch(ctx, r, req,
		func(p providers.Provider, req *providers.Request) func(context.Context) (*providers.Stream, error) {
			return func(callCtx context.Context) (*providers.Stream, error) {
				if sp, ok := p.(providers.StreamingProvider); ok {
					// The stream outlives this attempt, so it follows the
					// caller's context rather than callCtx.
					return sp.GenerateStream(ctx, req)
				}
				resp, err := p.Generate(callCtx, req)
				if err != nil {
					return nil, err
				}
				r.recordUsage(p, resp)
				return providers.SingleChunkStream(resp), nil
			}
		},
		func(_ providers.Provider, s *providers.Stream, route string) *providers.Stream {
			s.Route = route
			return s
		},
	)
}

// dispatch runs the direct-then-chain algorithm for both Route and
// RouteStream. attempt builds the call for one provider; done tags a success.
func dispatch[T any](
	ctx context.Context,
	r *Router,
	req *providers.Request,
	attempt func(p providers.Provider, req *providers.Request) func(context.Context) (T, error),
	done func(p providers.Provider, v T, route string) T,
) (T, error) {
	var zero T
	start := time.Now()
	tried := make(map[string]bool, len(r.providers))
	var errs []error

	direct := r.DirectProvider(req.Model)
	if direct == nil {
		return chain(ctx, r, req, "", tried, &errs, attempt, done, start)
	}

	name := direct.Name()
	tried[name] = true

	if err := r.allowRPM(ctx, direct); err != nil {
		errs = append(errs, err)
		return chain(ctx, r, req, name, tried, &errs, attempt, done, start)
	}

	fellBack := false
	v, err := resilience.Execute(ctx, r.wrapper, name,
		attempt(direct, req),
		func(ctx context.Context, err error) (T, error) {
			fellBack = true
			r.attemptFailed(ctx, req, name, err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				return zero, &AllProvidersFailedError{Model: req.Model, Errs: errs}
			}
			return chain(ctx, r, req, name, tried, &errs, attempt, done, start)
		})
	if err != nil || fellBack {
		return v, err
	}

	r.recordOutcome(name, "success")
	return done(direct, v, name), nil
}

// chain tries every untried available provider in priority order with the
// model remapped. Each member gets the retry policy but no nested fallback.
func chain[T any](
	ctx context.Context,
	r *Router,
	req *providers.Request,
	primary string,
	tried map[string]bool,
	errs *[]error,
	attempt func(p providers.Provider, req *providers.Request) func(context.Context) (T, error),
	done func(p providers.Provider, v T, route string) T,
	start time.Time,
) (T, error) {
	var zero T
	from := primary
	primaryLabel := primary
	if primaryLabel == "" {
		primaryLabel = "none"
	}

	for _, p := range r.providers {
		name := p.Name()
		if tried[name] || !p.IsAvailable() {
			continue
		}
		tried[name] = true

		if err := r.allowRPM(ctx, p); err != nil {
			*errs = append(*errs, err)
			continue
		}

		if r.metrics != nil && from != "" {
			r.metrics.RecordFailover(primaryLabel, from, name, failureReason(lastErr(*errs)))
		}

		freq := req.WithModel(p.EquivalentModel(req.Model))
		v, err := resilience.Execute(ctx, r.wrapper, name, attempt(p, freq), nil)
		if err != nil {
			r.attemptFailed(ctx, req, name, err)
			*errs = append(*errs, err)
			from = name
			if ctx.Err() != nil {
				break
			}
			continue
		}

		r.recordOutcome(name, "success")
		if r.metrics != nil {
			r.metrics.RecordFailoverSuccess(primaryLabel, name)
		}
		r.log.InfoContext(ctx, "failover_success",
			slog.String("request_id", req.RequestID),
			slog.String("from", primary),
			slog.String("to", name),
			slog.String("model", freq.Model),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
		return done(p, v, name+fallbackSuffix), nil
	}

	if r.metrics != nil {
		r.metrics.RecordFailoverExhausted(primaryLabel)
	}
	r.log.ErrorContext(ctx, "failover_exhausted",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.Int("attempts", len(*errs)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	return zero, &AllProvidersFailedError{Model: req.Model, Errs: slices.Clone(*errs)}
}

func (r *Router) allowRPM(ctx context.Context, p providers.Provider) error {
	limit := p.Metadata().MaxRequestsPerMinute
	if r.limiter == nil || limit <= 0 {
		return nil
	}

	ok, err := r.limiter.Allow(ctx, p.Name(), limit)
	switch {
	case err != nil:
		r.recordRateLimit(p.Name(), "error")
	case ok:
		r.recordRateLimit(p.Name(), "allowed")
	default:
		r.recordRateLimit(p.Name(), "limited")
		r.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("provider", p.Name()),
			slog.Int("limit", limit),
		)
		return &RateLimitedError{Provider: p.Name(), Limit: limit}
	}
	return nil
}

func (r *Router) attemptFailed(ctx context.Context, req *providers.Request, name string, err error) {
	reason := failureReason(err)
	r.recordOutcome(name, "failure")

	level := slog.LevelWarn
	if reason == "circuit_open" {
		level = slog.LevelDebug
	}
	r.log.Log(ctx, level, "provider_attempt_failed",
		slog.String("request_id", req.RequestID),
		slog.String("provider", name),
		slog.String("model", req.Model),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}

// degraded returns the canned response of the first available provider that
// can build one.
func (r *Router) degraded(req *providers.Request, cause error) *providers.Response {
	for _, p := range r.providers {
		if !p.IsAvailable() {
			continue
		}
		if d, ok := p.(providers.DegradedResponder); ok {
			return d.Degraded(req, cause)
		}
	}
	return nil
}

func (r *Router) recordUsage(p providers.Provider, resp *providers.Response) {
	if r.metrics == nil || resp == nil {
		return
	}
	r.metrics.AddCost(p.Name(), resp.CostUSD)
	r.metrics.AddTokens(p.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, false)
}

func (r *Router) recordOutcome(name, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordProviderRequest(name, outcome)
	}
}

func (r *Router) recordRateLimit(name, result string) {
	if r.metrics != nil {
		r.metrics.RecordRateLimit(name, result)
	}
}

func lastErr(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[len(errs)-1]
}

func failureReason(err error) string {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return "rate_limited"
	}
	return resilience.ClassifyError(err)
}
