// Package resilience wraps single upstream calls with a per-provider circuit
// breaker, bounded retries and an optional fallback.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the operational state of one provider's circuit breaker.
//
//	StateClosed   normal operation; outcomes are recorded in the window.
//	StateOpen     provider is failing; calls are rejected without contacting it.
//	StateHalfOpen recovery probe; a limited number of trial calls pass.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns "closed", "open" or "half_open".
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker defaults.
const (
	DefaultWindowSize       = 10
	DefaultMinimumCalls     = 5
	DefaultFailureRate      = 50.0
	DefaultSlowCallRate     = 50.0
	DefaultSlowCallDuration = 10 * time.Second
	DefaultWaitDuration     = 10 * time.Second
	DefaultHalfOpenCalls    = 3
)

// BreakerConfig holds circuit breaker tuning. Zero values fall back to the
// package defaults.
type BreakerConfig struct {
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int
	// MinimumCalls must be recorded before rates are evaluated.
	MinimumCalls int
	// FailureRateThreshold and SlowCallRateThreshold are percentages; the
	// breaker opens when either rate reaches its threshold.
	FailureRateThreshold  float64
	SlowCallRateThreshold float64
	// SlowCallDuration marks a call as slow at or above this duration.
	SlowCallDuration time.Duration
	// WaitDuration is how long the breaker stays open before probing.
	WaitDuration time.Duration
	// HalfOpenCalls is the number of trial calls permitted in half-open.
	HalfOpenCalls int
}

func (c *BreakerConfig) windowSize() int {
	if c.WindowSize > 0 {
		return c.WindowSize
	}
	return DefaultWindowSize
}

func (c *BreakerConfig) minimumCalls() int {
	if c.MinimumCalls > 0 {
		return min(c.MinimumCalls, c.windowSize())
	}
	return min(DefaultMinimumCalls, c.windowSize())
}

func (c *BreakerConfig) failureRate() float64 {
	if c.FailureRateThreshold > 0 {
		return c.FailureRateThreshold
	}
	return DefaultFailureRate
}

func (c *BreakerConfig) slowCallRate() float64 {
	if c.SlowCallRateThreshold > 0 {
		return c.SlowCallRateThreshold
	}
	return DefaultSlowCallRate
}

func (c *BreakerConfig) slowCallDuration() time.Duration {
	if c.SlowCallDuration > 0 {
		return c.SlowCallDuration
	}
	return DefaultSlowCallDuration
}

func (c *BreakerConfig) waitDuration() time.Duration {
	if c.WaitDuration > 0 {
		return c.WaitDuration
	}
	return DefaultWaitDuration
}

func (c *BreakerConfig) halfOpenCalls() int {
	if c.HalfOpenCalls > 0 {
		return c.HalfOpenCalls
	}
	return DefaultHalfOpenCalls
}

// CircuitOpenError is returned by Allow while the breaker rejects calls.
type CircuitOpenError struct {
	Provider   string
	State      State
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: circuit breaker %s (retry after %s)", e.Provider, e.State, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: circuit breaker %s", e.Provider, e.State)
}

type outcome struct {
	failed bool
	slow   bool
}

// providerBreaker is the state of one provider. The ring buffer holds the
// last windowSize outcomes.
type providerBreaker struct {
	mu sync.Mutex

	state    State
	window   []outcome
	next     int
	count    int
	failures int
	slow     int
	openedAt time.Time

	trialsInflight int
	trialsPassed   int
}

func (b *providerBreaker) push(o outcome) {
	if b.count == len(b.window) {
		old := b.window[b.next]
		if old.failed {
			b.failures--
		}
		if old.slow {
			b.slow--
		}
	} else {
		b.count++
	}

	b.window[b.next] = o
	b.next = (b.next + 1) % len(b.window)
	if o.failed {
		b.failures++
	}
	if o.slow {
		b.slow++
	}
}

func (b *providerBreaker) reset() {
	clear(b.window)
	b.next, b.count, b.failures, b.slow = 0, 0, 0, 0
	b.trialsInflight, b.trialsPassed = 0, 0
}

type transition struct {
	name     string
	from, to State
}

// CircuitBreaker tracks an independent breaker per provider name. Breakers
// are created on first use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerBreaker
	cfg      BreakerConfig

	now          func() time.Time
	onTransition func(name string, from, to State)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithTransitionHook is called after every state change, outside the lock.
func WithTransitionHook(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker creates a CircuitBreaker with the given tuning.
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerBreaker),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Allow reports whether the named provider may receive a call. It returns a
// *CircuitOpenError while the breaker is open, and in half-open once all
// trial slots are taken. An open breaker whose wait has elapsed moves to
// half-open and admits the caller as a trial.
func (cb *CircuitBreaker) Allow(name string) error {
	b := cb.get(name)

	b.mu.Lock()
	var tr *transition

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		elapsed := cb.now().Sub(b.openedAt)
		if wait := cb.cfg.waitDuration(); elapsed < wait {
			b.mu.Unlock()
			return &CircuitOpenError{Provider: name, State: StateOpen, RetryAfter: wait - elapsed}
		}
		tr = cb.setState(name, b, StateHalfOpen)
	}

	// Half-open.
	if b.trialsInflight+b.trialsPassed >= cb.cfg.halfOpenCalls() {
		b.mu.Unlock()
		cb.notify(tr)
		return &CircuitOpenError{Provider: name, State: StateHalfOpen}
	}
	b.trialsInflight++
	b.mu.Unlock()

	cb.notify(tr)
	return nil
}

// Record stores the outcome of a call that Allow admitted. A call fails when
// err is non-nil, except for caller cancellation which is not recorded at
// all. Outcomes arriving while the breaker is open are ignored.
func (cb *CircuitBreaker) Record(name string, d time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		cb.release(name)
		return
	}

	b := cb.get(name)
	failed := err != nil

	b.mu.Lock()
	var tr *transition

	switch b.state {
	case StateClosed:
		b.push(outcome{failed: failed, slow: d >= cb.cfg.slowCallDuration()})
		if b.count >= cb.cfg.minimumCalls() {
			failureRate := float64(b.failures) * 100 / float64(b.count)
			slowRate := float64(b.slow) * 100 / float64(b.count)
			if failureRate >= cb.cfg.failureRate() || slowRate >= cb.cfg.slowCallRate() {
				tr = cb.setState(name, b, StateOpen)
			}
		}

	case StateHalfOpen:
		if b.trialsInflight > 0 {
			b.trialsInflight--
		}
		if failed {
			tr = cb.setState(name, b, StateOpen)
			break
		}
		b.trialsPassed++
		if b.trialsPassed >= cb.cfg.halfOpenCalls() {
			tr = cb.setState(name, b, StateClosed)
		}
	}
	b.mu.Unlock()

	cb.notify(tr)
}

// release frees a half-open trial slot without recording an outcome.
func (cb *CircuitBreaker) release(name string) {
	b := cb.get(name)
	b.mu.Lock()
	if b.state == StateHalfOpen && b.trialsInflight > 0 {
		b.trialsInflight--
	}
	b.mu.Unlock()
}

// State returns the current state for name, applying no transitions.
func (cb *CircuitBreaker) State(name string) State {
	cb.mu.RLock()
	b, ok := cb.breakers[name]
	cb.mu.RUnlock()
	if !ok {
		return StateClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// States returns a snapshot of every tracked breaker.
func (cb *CircuitBreaker) States() map[string]State {
	cb.mu.RLock()
	names := make([]string, 0, len(cb.breakers))
	for name := range cb.breakers {
		names = append(names, name)
	}
	cb.mu.RUnlock()

	out := make(map[string]State, len(names))
	for _, name := range names {
		out[name] = cb.State(name)
	}
	return out
}

// setState must be called with b.mu held.
func (cb *CircuitBreaker) setState(name string, b *providerBreaker, to State) *transition {
	from := b.state
	if from == to {
		return nil
	}

	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = cb.now()
		b.trialsInflight, b.trialsPassed = 0, 0
	case StateHalfOpen:
		b.trialsInflight, b.trialsPassed = 0, 0
	case StateClosed:
		b.reset()
	}
	return &transition{name: name, from: from, to: to}
}

func (cb *CircuitBreaker) notify(tr *transition) {
	if tr != nil && cb.onTransition != nil {
		cb.onTransition(tr.name, tr.from, tr.to)
	}
}

func (cb *CircuitBreaker) get(name string) *providerBreaker {
	cb.mu.RLock()
	b, ok := cb.breakers[name]
	cb.mu.RUnlock()
	if ok {
		return b
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if b, ok = cb.breakers[name]; ok {
		return b
	}
	b = &providerBreaker{window: make([]outcome, cb.cfg.windowSize())}
	cb.breakers[name] = b
	return b
}
