package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultAttemptTimeout bounds a single non-streaming attempt.
const DefaultAttemptTimeout = 30 * time.Second

// Observer receives resilience events, usually to feed metrics.
type Observer interface {
	// Attempt is called after every attempt that reached the provider.
	Attempt(provider, outcome string, d time.Duration)
	// Retry is called before a backoff sleep.
	Retry(provider string)
	// Rejected is called when the breaker refuses an attempt.
	Rejected(provider string)
}

type nopObserver struct{}

func (nopObserver) Attempt(string, string, time.Duration) {}
func (nopObserver) Retry(string)                          {}
func (nopObserver) Rejected(string)                       {}

// Wrapper applies the circuit breaker, retry and timeout policy around a
// single provider call.
type Wrapper struct {
	breaker  *CircuitBreaker
	retry    RetryConfig
	timeout  time.Duration
	observer Observer
	log      *slog.Logger
}

// WrapperOption configures a Wrapper.
type WrapperOption func(*Wrapper)

// WithRetry sets the retry policy.
func WithRetry(cfg RetryConfig) WrapperOption {
	return func(w *Wrapper) { w.retry = cfg }
}

// WithAttemptTimeout bounds each attempt. Zero disables the bound.
func WithAttemptTimeout(d time.Duration) WrapperOption {
	return func(w *Wrapper) { w.timeout = d }
}

// WithObserver installs an event observer.
func WithObserver(o Observer) WrapperOption {
	return func(w *Wrapper) {
		if o != nil {
			w.observer = o
		}
	}
}

// WithWrapperLogger sets the logger used for retry events.
func WithWrapperLogger(l *slog.Logger) WrapperOption {
	return func(w *Wrapper) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWrapper creates a Wrapper around breaker. A nil breaker gets a default
// one.
func NewWrapper(breaker *CircuitBreaker, opts ...WrapperOption) *Wrapper {
	if breaker == nil {
		breaker = NewCircuitBreaker(BreakerConfig{})
	}
	w := &Wrapper{
		breaker:  breaker,
		timeout:  DefaultAttemptTimeout,
		observer: nopObserver{},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Breaker returns the underlying circuit breaker.
func (w *Wrapper) Breaker() *CircuitBreaker { return w.breaker }

// Execute runs op against the named provider. Each attempt first asks the
// breaker for permission, runs under the per-attempt timeout and records its
// outcome. Transient failures are retried with backoff until the attempt
// budget is spent; anything else stops immediately. If the call still fails
// and fallback is non-nil, its result replaces the error.
//
// The context passed to op is cancelled when op returns. Operations whose
// result outlives the call, such as streams, must not derive from it.
func Execute[T any](
	ctx context.Context,
	w *Wrapper,
	name string,
	op func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, err error) (T, error),
) (T, error) {
	var zero T

	attempt := func() (T, error) {
		if err := w.breaker.Allow(name); err != nil {
			w.observer.Rejected(name)
			return zero, backoff.Permanent(err)
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if w.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, w.timeout)
		}
		defer cancel()

		start := time.Now()
		v, err := op(callCtx)
		elapsed := time.Since(start)

		w.breaker.Record(name, elapsed, err)
		w.observer.Attempt(name, ClassifyError(err), elapsed)

		if err != nil {
			if !IsTransient(err) || ctx.Err() != nil {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return v, nil
	}

	notify := func(err error, wait time.Duration) {
		w.observer.Retry(name)
		w.log.Debug("provider_retry",
			slog.String("provider", name),
			slog.Int64("backoff_ms", wait.Milliseconds()),
			slog.String("error", err.Error()),
		)
	}

	v, err := backoff.RetryNotifyWithData(attempt, backoff.WithContext(w.retry.backOff(), ctx), notify)
	if err == nil {
		return v, nil
	}
	if fallback != nil {
		return fallback(ctx, err)
	}
	return zero, err
}
