package proxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/resilience"
)

// funcProvider is a Provider whose Generate is a test function. Base supplies
// availability, model tables and response bookkeeping like the real ones.
type funcProvider struct {
	*providers.Base

	generate  func(ctx context.Context, req *providers.Request) (*providers.Response, error)
	healthErr error

	calls  atomic.Int32
	mu     sync.Mutex
	models []string // models seen by Generate
}

type fakeProviderOpts struct {
	name      string
	priority  int
	models    []string
	available bool
	rpm       int
	generate  func(ctx context.Context, req *providers.Request) (*providers.Response, error)
}

func newFuncProvider(o fakeProviderOpts) *funcProvider {
	available := o.available
	p := &funcProvider{generate: o.generate}
	p.Base = providers.NewBase(providers.BaseConfig{
		Metadata: providers.Metadata{
			Name:                  o.name,
			Priority:              o.priority,
			CostPer1KInputTokens:  0.001,
			CostPer1KOutputTokens: 0.002,
			MaxRequestsPerMinute:  o.rpm,
		},
		Models:       o.models,
		DefaultModel: o.name + "-default",
		Available:    func() bool { return available },
	})
	if p.generate == nil {
		p.generate = answer(o.name)
	}
	return p
}

func (p *funcProvider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.models = append(p.models, req.Model)
	p.mu.Unlock()
	return p.Invoke(ctx, req, p.generate)
}

func (p *funcProvider) HealthCheck(context.Context) error { return p.healthErr }

func (p *funcProvider) seenModels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.models...)
}

// streamingProvider adds native streaming on top of funcProvider.
type streamingProvider struct {
	*funcProvider
	streamErr   error
	streamCalls atomic.Int32
}

func (p *streamingProvider) GenerateStream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	p.streamCalls.Add(1)
	return p.InvokeStream(ctx, req, func(context.Context, *providers.Request) (*providers.Stream, error) {
		if p.streamErr != nil {
			return nil, p.streamErr
		}
		return providers.SingleChunkStream(&providers.Response{
			Choices: []providers.Choice{{Message: providers.Message{Role: "assistant", Content: "streamed by " + p.Name()}}},
		}), nil
	})
}

// answer returns a generate func replying with "from <name>".
func answer(name string) func(context.Context, *providers.Request) (*providers.Response, error) {
	return func(_ context.Context, req *providers.Request) (*providers.Response, error) {
		return &providers.Response{
			ID:      "resp-" + name,
			Model:   req.Model,
			Choices: []providers.Choice{{Message: providers.Message{Role: "assistant", Content: "from " + name}, FinishReason: "stop"}},
			Usage:   providers.Usage{PromptTokens: 10, CompletionTokens: 5},
		}, nil
	}
}

// failWith returns a generate func that always fails with the given status.
func failWith(status int) func(context.Context, *providers.Request) (*providers.Response, error) {
	return func(context.Context, *providers.Request) (*providers.Response, error) {
		return nil, providers.NewCallError("", status, "upstream failure", errors.New("boom"))
	}
}

// fakeLimiter denies the providers listed in deny.
type fakeLimiter struct {
	deny map[string]bool
	err  error
}

func (l *fakeLimiter) Allow(_ context.Context, provider string, _ int) (bool, error) {
	if l.err != nil {
		return true, l.err
	}
	return !l.deny[provider], nil
}

func testWrapper() *resilience.Wrapper {
	return resilience.NewWrapper(resilience.NewCircuitBreaker(resilience.BreakerConfig{}),
		resilience.WithRetry(resilience.RetryConfig{MaxAttempts: 2, Delay: time.Millisecond}),
		resilience.WithAttemptTimeout(time.Second),
	)
}

func chatRequest(model, content string) *providers.Request {
	return &providers.Request{
		Model:     model,
		Messages:  []providers.Message{{Role: "user", Content: content}},
		RequestID: "req-test",
	}
}

// threeProviders builds the canonical fixture: p1 (priority 1, unavailable),
// p2 (priority 2, supports "x") and p3 (priority 3).
func threeProviders(t *testing.T, p2, p3 func(context.Context, *providers.Request) (*providers.Response, error)) (*funcProvider, *funcProvider, *funcProvider) {
	t.Helper()
	return newFuncProvider(fakeProviderOpts{name: "p1", priority: 1, models: []string{"x"}, available: false}),
		newFuncProvider(fakeProviderOpts{name: "p2", priority: 2, models: []string{"x"}, available: true, generate: p2}),
		newFuncProvider(fakeProviderOpts{name: "p3", priority: 3, models: []string{"y"}, available: true, generate: p3})
}
