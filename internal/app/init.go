package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/embedding"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/proxy"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/internal/resilience"
)

// initServices creates the metrics registry and the async request log.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log, logger.WithDropHook(a.prom.RequestLogDropped))
	if err != nil {
		return fmt.Errorf("request log: %w", err)
	}
	a.reqLogger = reqLogger
	a.onCloser(reqLogger)

	return nil
}

// initProviders builds the provider set. At least one provider must survive
// construction.
func (a *App) initProviders(ctx context.Context) error {
	set, err := buildProviders(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	if len(set.all) == 0 {
		return fmt.Errorf("no provider credentials configured")
	}
	a.provs = set

	names := make([]string, 0, len(set.all))
	for _, p := range set.all {
		names = append(names, p.Name())
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initCache builds every configured tier. L1 is always present; L2 needs
// REDIS_URL, L3 and L4 need their enable flags.
func (a *App) initCache(ctx context.Context) error {
	cc := a.cfg.Cache

	local, err := cache.NewLocalTier(cc.L1Size, cc.L1TTL)
	if err != nil {
		return err
	}
	tiers := cache.Tiers{Local: local}

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		dist, err := cache.NewDistributedTierFromURL(ctx, a.cfg.Redis.URL,
			cache.WithDistributedTTL(cc.L2TTL),
			cache.WithDistributedTimeout(cc.L2Timeout),
		)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.dist = dist
		a.onCloser(dist)
		tiers.Distributed = dist
		a.log.Info("redis connected")
	}

	if sc := a.cfg.Semantic; sc.Enabled {
		embedder, err := a.newEmbedder()
		if err != nil {
			return err
		}
		if err := a.openSemantic(ctx, embedder); err != nil {
			a.log.Warn("semantic_cache_disabled", slog.String("error", err.Error()))
		} else {
			tiers.Semantic = a.semantic
			a.log.Info("semantic cache enabled",
				slog.String("backend", sc.Backend),
				slog.Float64("threshold", sc.Threshold),
			)
		}
	}

	if cold := a.cfg.Cold; cold.Enabled {
		if err := a.openCold(ctx); err != nil {
			a.log.Warn("cold_cache_disabled", slog.String("error", err.Error()))
		} else {
			tiers.Cold = a.cold
			a.log.Info("cold cache enabled",
				slog.String("bucket", cold.Bucket),
				slog.Int("retention_days", cold.RetentionDays),
			)
		}
	}

	exclusions, err := cache.NewExclusionList(cc.ExcludeExact, cc.ExcludePatterns)
	if err != nil {
		return err
	}

	a.tiered, err = cache.NewTieredCache(tiers,
		cache.WithExclusions(exclusions),
		cache.WithRecorder(a.prom),
		cache.WithLogger(a.log),
	)
	return err
}

// openSemantic connects L3. On error a.semantic stays nil and nothing is
// left open, so the gateway runs without the tier.
func (a *App) openSemantic(ctx context.Context, embedder embedding.Embedder) error {
	sc := a.cfg.Semantic
	a.log.Info("connecting to pgvector", slog.String("dsn", redactURL(sc.DSN)))

	index, err := cache.OpenPGVectorIndex(ctx, sc.DSN, sc.Dimension)
	if err != nil {
		return fmt.Errorf("pgvector: %w", err)
	}
	if err := index.EnsureSchema(ctx); err != nil {
		_ = index.Close()
		return fmt.Errorf("pgvector: %w", err)
	}

	a.vectors = index
	a.onCloser(index)
	a.semantic = cache.NewSemanticTier(index, embedder,
		cache.WithThreshold(sc.Threshold),
		cache.WithSemanticTimeout(sc.Timeout),
	)
	return nil
}

// openCold builds the L4 client. On error a.cold stays nil.
func (a *App) openCold(ctx context.Context) error {
	cold := a.cfg.Cold
	client, err := cache.NewS3Client(ctx, cache.S3Config{
		Region:          cold.Region,
		Endpoint:        cold.Endpoint,
		UsePathStyle:    cold.PathStyle,
		AccessKeyID:     cold.AccessKeyID,
		SecretAccessKey: cold.SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("s3: %w", err)
	}
	a.cold = cache.NewColdTier(client, cold.Bucket, true,
		cache.WithColdTimeout(cold.Timeout),
		cache.WithColdLogger(a.log),
	)
	return nil
}

func (a *App) newEmbedder() (embedding.Embedder, error) {
	sc := a.cfg.Semantic
	switch sc.Backend {
	case "openai":
		if a.provs.openai == nil {
			return nil, fmt.Errorf("embedding backend openai requires the openai provider")
		}
		return embedding.NewProviderEmbedder(a.provs.openai, sc.Model, sc.Dimension), nil
	default:
		return embedding.NewHashEmbedder(sc.Dimension), nil
	}
}

// initRouting builds the breaker, the retry wrapper, the RPM limiter and the
// router.
func (a *App) initRouting(_ context.Context) error {
	cb := a.cfg.CircuitBreaker
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		WindowSize:            cb.WindowSize,
		MinimumCalls:          cb.MinCalls,
		FailureRateThreshold:  cb.FailureRate,
		SlowCallRateThreshold: cb.SlowCallRate,
		SlowCallDuration:      cb.SlowCallDuration,
		WaitDuration:          cb.WaitDuration,
		HalfOpenCalls:         cb.HalfOpenCalls,
	}, resilience.WithTransitionHook(a.breakerTransition))

	rc := a.cfg.Retry
	wrapper := resilience.NewWrapper(breaker,
		resilience.WithRetry(resilience.RetryConfig{
			MaxAttempts: rc.MaxAttempts,
			Delay:       rc.Delay,
			Multiplier:  rc.Multiplier,
		}),
		resilience.WithAttemptTimeout(a.cfg.ProviderTimeout),
		resilience.WithObserver(a.prom),
		resilience.WithWrapperLogger(a.log),
	)

	opts := []proxy.RouterOption{
		proxy.WithRouterMetrics(a.prom),
		proxy.WithRouterLogger(a.log),
		proxy.WithServeDegraded(a.cfg.ServeDegraded),
	}
	if a.dist != nil {
		opts = append(opts, proxy.WithRateLimiter(ratelimit.NewRPMLimiter(a.dist.Client(), a.log)))
	}

	a.router = proxy.NewRouter(a.provs.all, wrapper, opts...)
	return nil
}

func (a *App) breakerTransition(name string, from, to resilience.State) {
	a.prom.CircuitBreakerTransition(name, from.String(), to.String(), int(to))
	a.log.Warn("circuit_breaker_transition",
		slog.String("provider", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// initGateway wires the health checker, the gateway facade and the
// management server.
func (a *App) initGateway(_ context.Context) error {
	probes := make(map[string]proxy.Probe, 3)
	if a.dist != nil {
		probes["l2"] = a.dist.Ping
	}
	if a.semantic != nil {
		probes["l3"] = a.semantic.Ping
	}
	if a.cold != nil {
		probes["l4"] = a.cold.Ping
	}

	a.health = proxy.NewHealthChecker(a.baseCtx, a.router.Providers(), probes, a.prom)
	a.onClose(func() error {
		a.health.Close()
		return nil
	})

	a.gw = proxy.NewGateway(a.baseCtx, a.router, a.tiered, proxy.GatewayOptions{
		Logger:     a.log,
		Metrics:    a.prom,
		RequestLog: a.reqLogger,
		Health:     a.health,
	})
	a.server = a.gw.NewServer()

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && u.User != nil {
		return u.Scheme + "://***@" + u.Host + u.EscapedPath() + querySuffix(u)
	}
	if i := strings.LastIndexByte(raw, '@'); i >= 0 {
		if j := strings.Index(raw, "://"); j >= 0 && j < i {
			return raw[:j+3] + "***" + raw[i:]
		}
		return "***" + raw[i:]
	}
	return raw
}

func querySuffix(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}
