package providers

import (
	"context"
	"errors"
	"fmt"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// UnavailableError means the provider is not configured. It is not a call
// failure and never reaches the network.
type UnavailableError struct {
	Provider string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: provider unavailable (no credentials configured)", e.Provider)
}

// CallError is an upstream failure translated at the provider boundary.
// StatusCode is 0 when the failure happened below HTTP (dial, timeout, decode).
type CallError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Provider, msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *CallError) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder.
func (e *CallError) HTTPStatus() int { return e.StatusCode }

// Timeout reports whether the call hit a deadline.
func (e *CallError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// NewCallError builds a CallError for provider with an optional status.
func NewCallError(provider string, status int, message string, err error) *CallError {
	return &CallError{Provider: provider, StatusCode: status, Message: message, Err: err}
}

// AsCallError converts err into a *CallError attributed to provider.
// Errors already carrying a status keep it.
func AsCallError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var ce *CallError
	if errors.As(err, &ce) {
		if ce.Provider == "" {
			ce.Provider = provider
		}
		return ce
	}

	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue
	}

	status := 0
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	}
	return &CallError{Provider: provider, StatusCode: status, Err: err}
}
