package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// Probe checks one dependency, e.g. a cache tier ping.
type Probe func(ctx context.Context) error

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "unavailable"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
// Providers implementing providers.HealthProber are probed live; others
// report their configuration status. Cache tiers are probed via their ping.
type HealthChecker struct {
	providers []providers.Provider
	tiers     map[string]Probe
	baseCtx   context.Context
	metrics   *metrics.Registry

	providerStatuses map[string]*componentStatus
	tierStatuses     map[string]*componentStatus

	interval  time.Duration
	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. tiers maps a tier name ("l2", "l3", "l4") to its probe.
func NewHealthChecker(
	ctx context.Context,
	provs []providers.Provider,
	tiers map[string]Probe,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers:        provs,
		tiers:            tiers,
		providerStatuses: make(map[string]*componentStatus, len(provs)),
		tierStatuses:     make(map[string]*componentStatus, len(tiers)),
		interval:         healthProbeInterval,
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for _, p := range provs {
		hc.providerStatuses[p.Name()] = &componentStatus{status: "unknown"}
	}
	for name := range tiers {
		hc.tierStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         map[string]string `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results. Unconfigured
// providers do not degrade the overall status.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st == "degraded" {
			overall = "degraded"
		}
	}

	tiers := make(map[string]string, len(hc.tierStatuses))
	for name, s := range hc.tierStatuses {
		st := s.get()
		tiers[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	if !hc.ReadinessOK() {
		overall = "down"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         tiers,
	}
}

// ReadinessOK reports whether at least one provider is configured. Cache
// tiers are best-effort and never gate readiness.
func (hc *HealthChecker) ReadinessOK() bool {
	for _, p := range hc.providers {
		if p.IsAvailable() {
			return true
		}
	}
	return false
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, prov := range hc.providers {
		s := hc.providerStatuses[prov.Name()]
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := providerStatus(ctx, prov)
			s.set(st)
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(prov.Name(), st == "ok")
			}
		}()
	}

	for name, p := range hc.tiers {
		s := hc.tierStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p(ctx); err != nil {
				s.set("degraded")
				return
			}
			s.set("ok")
		}()
	}

	wg.Wait()
}

func providerStatus(ctx context.Context, p providers.Provider) string {
	if !p.IsAvailable() {
		return "unavailable"
	}
	hp, ok := p.(providers.HealthProber)
	if !ok {
		return "ok"
	}
	if err := hp.HealthCheck(ctx); err != nil {
		return "degraded"
	}
	return "ok"
}
