// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Registry satisfies cache.Recorder and resilience.Observer, so it can be
// handed straight to the tiered cache and the resilience wrapper.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests (management server)
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_request_duration_seconds{route,cache}
	requestDuration *prometheus.HistogramVec

	// cache_lookups_total{tier,result}
	cacheLookups *prometheus.CounterVec

	// cache_writes_total{tier,result}
	cacheWrites *prometheus.CounterVec

	// provider_requests_total{provider,outcome}
	providerRequests *prometheus.CounterVec

	// provider_failures_total{provider,reason}
	providerFailures *prometheus.CounterVec

	// provider_cost_usd_total{provider}
	providerCost *prometheus.CounterVec

	// gateway_tokens_total{provider,direction,cache}
	tokensTotal *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_retries_total{provider}
	retries *prometheus.CounterVec

	// circuit_breaker_state{provider}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,from,to}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{provider}
	cbRejections *prometheus.CounterVec

	// gateway_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// gateway_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// gateway_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// gateway_ratelimit_total{provider,result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// cache_cold_cleanup_deleted_total
	coldCleanupDeleted prometheus.Counter

	// gateway_request_log_dropped_total
	requestLogDropped prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight management HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of management HTTP requests",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "Management HTTP request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end completion duration (cache + upstream) in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route", "cache"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),

		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_writes_total",
				Help: "Cache writes by tier and result",
			},
			[]string{"tier", "result"},
		),

		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Logical provider calls by final outcome",
			},
			[]string{"provider", "outcome"},
		),

		providerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_failures_total",
				Help: "Failed upstream attempts by reason",
			},
			[]string{"provider", "reason"},
		),

		providerCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_cost_usd_total",
				Help: "Accumulated upstream cost in USD",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction", "cache"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Retries of a provider call after a transient failure",
			},
			[]string{"provider"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"provider", "from", "to"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Attempts rejected by an open or saturated half-open breaker",
			},
			[]string{"provider"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Failover events between providers (emitted when switching to a different provider)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_success_total",
				Help: "Successful failovers (request served by non-primary provider)",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_exhausted_total",
				Help: "Requests that exhausted every provider without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Per-provider RPM budget decisions",
			},
			[]string{"provider", "result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		coldCleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_cold_cleanup_deleted_total",
			Help: "Objects removed from the cold tier by retention cleanup",
		}),

		requestLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_request_log_dropped_total",
			Help: "Request log entries dropped because the buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestDuration,
		r.cacheLookups,
		r.cacheWrites,
		r.providerRequests,
		r.providerFailures,
		r.providerCost,
		r.tokensTotal,
		r.upstreamDuration,
		r.retries,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.providerHealth,
		r.coldCleanupDeleted,
		r.requestLogDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records management server request metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRequest records one completed gateway request. route is the serving
// provider (or "cache"/"degraded" variants) and cached reports a cache hit.
func (r *Registry) ObserveRequest(route string, cached bool, dur time.Duration) {
	r.requestDuration.WithLabelValues(route, hitLabel(cached)).Observe(dur.Seconds())
}

// CacheLookup implements cache.Recorder.
func (r *Registry) CacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(tier, result).Inc()
}

// CacheWrite implements cache.Recorder.
func (r *Registry) CacheWrite(tier string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.cacheWrites.WithLabelValues(tier, result).Inc()
}

// Attempt implements resilience.Observer.
func (r *Registry) Attempt(provider, outcome string, d time.Duration) {
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
	if outcome != "ok" {
		r.providerFailures.WithLabelValues(provider, outcome).Inc()
	}
}

// Retry implements resilience.Observer.
func (r *Registry) Retry(provider string) {
	r.retries.WithLabelValues(provider).Inc()
}

// Rejected implements resilience.Observer.
func (r *Registry) Rejected(provider string) {
	r.cbRejections.WithLabelValues(provider).Inc()
}

// RecordProviderRequest counts one logical call (after retries) by outcome.
func (r *Registry) RecordProviderRequest(provider, outcome string) {
	r.providerRequests.WithLabelValues(provider, outcome).Inc()
}

// AddCost accumulates upstream spend. Cache hits must not be reported.
func (r *Registry) AddCost(provider string, usd float64) {
	if usd > 0 {
		r.providerCost.WithLabelValues(provider).Add(usd)
	}
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int, cached bool) {
	cache := hitLabel(cached)
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output", cache).Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "total", cache).Add(float64(inputTokens + outputTokens))
	}
}

// CircuitBreakerTransition sets the state gauge and counts the transition.
// state is the numeric gauge value of to.
func (r *Registry) CircuitBreakerTransition(provider, from, to string, state int) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
	r.cbTransitions.WithLabelValues(provider, from, to).Inc()
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(provider, result string) {
	r.rateLimitTotal.WithLabelValues(provider, result).Inc()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

// AddColdCleanup counts objects removed by the cold-tier janitor.
func (r *Registry) AddColdCleanup(n int) {
	if n > 0 {
		r.coldCleanupDeleted.Add(float64(n))
	}
}

// RequestLogDropped counts one dropped request log entry.
func (r *Registry) RequestLogDropped() { r.requestLogDropped.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

func hitLabel(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}
