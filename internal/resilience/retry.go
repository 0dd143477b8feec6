package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 500 * time.Millisecond
)

// RetryConfig bounds the retries of one logical call. MaxAttempts counts the
// first attempt. A Multiplier above 1 switches from constant to exponential
// backoff capped at MaxDelay.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func (c RetryConfig) attempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (c RetryConfig) delay() time.Duration {
	if c.Delay > 0 {
		return c.Delay
	}
	return DefaultRetryDelay
}

func (c RetryConfig) backOff() backoff.BackOff {
	var b backoff.BackOff
	if c.Multiplier > 1 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = c.delay()
		eb.Multiplier = c.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if c.MaxDelay > 0 {
			eb.MaxInterval = c.MaxDelay
		}
		b = eb
	} else {
		b = backoff.NewConstantBackOff(c.delay())
	}
	return backoff.WithMaxRetries(b, uint64(c.attempts()-1))
}

// IsTransient reports whether err is worth another attempt against the same
// provider: timeouts, connection failures and 408/5xx statuses. Client
// errors, open circuits, unavailable providers and caller cancellation are
// permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var open *CircuitOpenError
	var unavailable *providers.UnavailableError
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &open), errors.As(err, &unavailable):
		return false
	case errors.Is(err, providers.ErrInvalidRequest):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 0 || status == 408 || status >= 500
	}

	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}

	// Transport errors with no status.
	return true
}

// ClassifyError turns an attempt error into a short metrics label.
func ClassifyError(err error) string {
	if err == nil {
		return "ok"
	}

	var open *CircuitOpenError
	if errors.As(err, &open) {
		return "circuit_open"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return "timeout"
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}

	var unavailable *providers.UnavailableError
	if errors.As(err, &unavailable) {
		return "unavailable"
	}
	return "unknown"
}
