package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// BaseConfig describes the static part of a provider.
type BaseConfig struct {
	Metadata Metadata
	// Models overrides ModelsFor(Metadata.Name) when non-empty.
	Models []string
	// Equivalents maps foreign model names to native ones.
	Equivalents map[string]string
	// DefaultModel is returned by EquivalentModel when nothing else matches.
	DefaultModel string
	// Available reports whether credentials are configured.
	Available func() bool
}

// Base implements the provider-independent half of Provider. SDK-backed
// providers embed it and route every upstream call through Invoke or
// InvokeStream.
type Base struct {
	meta         Metadata
	models       []string
	modelSet     map[string]struct{}
	equivalents  map[string]string
	defaultModel string
	available    func() bool
}

// NewBase builds a Base from cfg.
func NewBase(cfg BaseConfig) *Base {
	models := cfg.Models
	if len(models) == 0 {
		models = ModelsFor(cfg.Metadata.Name)
	}

	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}

	available := cfg.Available
	if available == nil {
		available = func() bool { return true }
	}

	return &Base{
		meta:         cfg.Metadata,
		models:       models,
		modelSet:     set,
		equivalents:  cfg.Equivalents,
		defaultModel: cfg.DefaultModel,
		available:    available,
	}
}

func (b *Base) Name() string { return b.meta.Name }

func (b *Base) Metadata() Metadata { return b.meta }

func (b *Base) IsAvailable() bool { return b.available() }

// SupportedModels returns a copy of the native model list.
func (b *Base) SupportedModels() []string {
	return append([]string(nil), b.models...)
}

// Supports reports whether model is in the native list.
func (b *Base) Supports(model string) bool {
	_, ok := b.modelSet[model]
	return ok
}

// EquivalentModel returns model itself when native, the mapped equivalent
// when one exists, and the default model otherwise.
func (b *Base) EquivalentModel(model string) string {
	if b.Supports(model) {
		return model
	}
	if eq, ok := b.equivalents[model]; ok {
		return eq
	}
	return b.defaultModel
}

// Invoke runs call with availability short-circuiting, latency measurement,
// panic recovery and error translation. The returned response carries the
// provider name as its route, the computed cost and total token count.
func (b *Base) Invoke(
	ctx context.Context,
	req *Request,
	call func(ctx context.Context, req *Request) (*Response, error),
) (resp *Response, err error) {
	if !b.IsAvailable() {
		return nil, &UnavailableError{Provider: b.meta.Name}
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = NewCallError(b.meta.Name, 0, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	resp, err = call(ctx, req)
	if err != nil {
		return nil, b.WrapError(err)
	}
	if resp == nil {
		return nil, NewCallError(b.meta.Name, 0, "empty response", nil)
	}

	resp.LatencyMs = time.Since(start).Milliseconds()
	resp.Route = b.meta.Name
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	resp.CostUSD = b.meta.Cost(resp.Usage)

	return resp, nil
}

// InvokeStream is Invoke for streams: open must return only after the first
// chunk was produced (see OpenStream).
func (b *Base) InvokeStream(
	ctx context.Context,
	req *Request,
	open func(ctx context.Context, req *Request) (*Stream, error),
) (s *Stream, err error) {
	if !b.IsAvailable() {
		return nil, &UnavailableError{Provider: b.meta.Name}
	}

	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = NewCallError(b.meta.Name, 0, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	s, err = open(ctx, req)
	if err != nil {
		return nil, b.WrapError(err)
	}
	s.Route = b.meta.Name
	return s, nil
}

// WrapError translates err into a CallError attributed to this provider.
// Context errors keep their identity so callers can tell a cancel apart.
func (b *Base) WrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return NewCallError(b.meta.Name, 0, "request canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewCallError(b.meta.Name, http.StatusGatewayTimeout, "upstream timeout", err)
	}
	return AsCallError(b.meta.Name, err)
}

// Degraded returns the canned last-resort response. It is a payload, not an
// error: Error carries the cause and the content tells the user to retry.
func (b *Base) Degraded(req *Request, cause error) *Response {
	msg := "service degraded"
	if cause != nil {
		msg = cause.Error()
	}

	model := b.defaultModel
	if req != nil && req.Model != "" {
		model = req.Model
	}

	return &Response{
		ID:    "degraded-" + uuid.NewString(),
		Model: model,
		Choices: []Choice{{
			Message: Message{
				Role:    "assistant",
				Content: "The service is temporarily unavailable. Please try again shortly.",
			},
			FinishReason: "error",
		}},
		Route: b.meta.Name + "-degraded",
		Error: msg,
	}
}
