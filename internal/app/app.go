// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initServices:  metrics registry, async request log
//  2. initProviders: provider clients
//  3. initCache:     L1..L4 tiers and the tiered orchestrator
//  4. initRouting:   circuit breaker, retry wrapper, RPM limiter, router
//  5. initGateway:   health checker, gateway facade, management server
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/config"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/proxy"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	prom      *metrics.Registry
	reqLogger *logger.Logger

	provs providerSet

	// Optional tiers; nil when not configured.
	dist     *cache.DistributedTier
	vectors  *cache.PGVectorIndex
	semantic *cache.SemanticTier
	cold     *cache.ColdTier
	tiered   *cache.TieredCache

	router *proxy.Router
	health *proxy.HealthChecker
	gw     *proxy.Gateway
	server *fasthttp.Server

	// closers run in reverse registration order on Close.
	closers   []func() error
	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"services", a.initServices},
		{"providers", a.initProviders},
		{"cache", a.initCache},
		{"routing", a.initRouting},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway returns the request facade (cache, router, request log).
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Providers returns the registered providers in priority order.
func (a *App) Providers() []providers.Provider { return a.router.Providers() }

// Run serves the management API and runs the cold-tier janitor until ctx is
// cancelled or a component fails. It closes the app before returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.AdminPort)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.provs.all)),
		slog.Bool("l2", a.dist != nil),
		slog.Bool("l3", a.semantic != nil),
		slog.Bool("l4", a.cold != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.ListenAndServe(addr); err != nil {
			return fmt.Errorf("app: management server: %w", err)
		}
		return nil
	})

	if a.cold != nil {
		g.Go(func() error {
			return a.cold.RunJanitor(gctx, a.cfg.Cold.CleanupInterval, a.cfg.Cold.RetentionDays, a.prom.AddColdCleanup)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Error("management server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("close error", slog.String("error", err.Error()))
			}
		}
		a.closers = nil
	})
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) onCloser(c io.Closer) {
	a.onClose(c.Close)
}
