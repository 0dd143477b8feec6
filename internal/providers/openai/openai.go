// Package openai implements the OpenAI provider on top of openai-go. The same
// Provider serves any OpenAI-compatible upstream via WithName and
// WithBaseURL (see package openaicompat).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"

	// DefaultPriority places OpenAI first in the fallback chain.
	DefaultPriority = 1
)

// equivalents maps other vendors' models to the closest OpenAI model.
var equivalents = map[string]string{
	"claude-3-5-sonnet": "gpt-4o",
	"claude-3-7-sonnet": "gpt-4o",
	"claude-sonnet-4":   "gpt-4.1",
	"claude-opus-4":     "gpt-4.1",
	"claude-3-5-haiku":  "gpt-4o-mini",
	"claude-haiku-4-5":  "gpt-4o-mini",
	"gemini-1.5-pro":    "gpt-4o",
	"gemini-2.5-pro":    "gpt-4.1",
	"gemini-1.5-flash":  "gpt-4o-mini",
	"gemini-2.0-flash":  "gpt-4o-mini",
	"gemini-2.5-flash":  "gpt-4o-mini",
}

type config struct {
	name         string
	baseURL      string
	defaultModel string
	priority     int
	maxRPM       int
	inputCost    float64
	outputCost   float64
	timeout      time.Duration
	httpClient   *http.Client
	models       []string
	equivalents  map[string]string
}

// Option configures a Provider.
type Option func(*config)

// WithName overrides the provider name used for routing, metrics and model
// lookup. OpenAI-compatible upstreams set their own.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithBaseURL points the client at another API root, e.g. a proxy or an
// OpenAI-compatible vendor.
func WithBaseURL(u string) Option {
	return func(c *config) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithPriority sets the fallback-chain priority (lower is preferred).
func WithPriority(p int) Option {
	return func(c *config) { c.priority = p }
}

// WithDefaultModel sets the model used when a foreign model has no mapping.
func WithDefaultModel(m string) Option {
	return func(c *config) {
		if m != "" {
			c.defaultModel = m
		}
	}
}

// WithMaxRPM sets the per-minute request budget. 0 means unlimited.
func WithMaxRPM(n int) Option {
	return func(c *config) { c.maxRPM = n }
}

// WithCost sets USD prices per 1K input and output tokens.
func WithCost(input, output float64) Option {
	return func(c *config) {
		c.inputCost = input
		c.outputCost = output
	}
}

// WithTimeout bounds the wait for upstream response headers.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client handed to the SDK.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithModels overrides the native model list.
func WithModels(models ...string) Option {
	return func(c *config) { c.models = models }
}

// WithEquivalents overrides the foreign-to-native model mapping.
func WithEquivalents(m map[string]string) Option {
	return func(c *config) { c.equivalents = m }
}

// Provider talks to the chat completions, embeddings and models endpoints.
type Provider struct {
	*providers.Base
	client openaiSDK.Client
}

// New creates a Provider. An empty apiKey yields a provider that reports
// itself unavailable and never touches the network.
func New(apiKey string, opts ...Option) *Provider {
	cfg := config{
		name:         providerName,
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		priority:     DefaultPriority,
		inputCost:    0.0025,
		outputCost:   0.01,
		timeout:      providers.ProviderTimeout,
		equivalents:  equivalents,
	}
	for _, o := range opts {
		o(&cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = providers.NewHTTPClient(cfg.timeout)
	}

	p := &Provider{
		Base: providers.NewBase(providers.BaseConfig{
			Metadata: providers.Metadata{
				Name:                  cfg.name,
				Priority:              cfg.priority,
				CostPer1KInputTokens:  cfg.inputCost,
				CostPer1KOutputTokens: cfg.outputCost,
				MaxTokens:             16384,
				SupportsStreaming:     true,
				MaxRequestsPerMinute:  cfg.maxRPM,
			},
			Models:       cfg.models,
			Equivalents:  cfg.equivalents,
			DefaultModel: cfg.defaultModel,
			Available:    func() bool { return apiKey != "" },
		}),
		// Retries belong to the resilience layer, not the SDK.
		client: openaiSDK.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(cfg.baseURL),
			option.WithHTTPClient(hc),
			option.WithMaxRetries(0),
		),
	}
	return p
}

// Generate implements providers.Provider.
func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return p.Invoke(ctx, req, func(ctx context.Context, req *providers.Request) (*providers.Response, error) {
		completion, err := p.client.Chat.Completions.New(ctx, buildParams(req))
		if err != nil {
			return nil, p.callError(err)
		}

		choices := make([]providers.Choice, len(completion.Choices))
		for i, c := range completion.Choices {
			choices[i] = providers.Choice{
				Index:        int(c.Index),
				Message:      providers.Message{Role: "assistant", Content: c.Message.Content},
				FinishReason: c.FinishReason,
			}
		}

		return &providers.Response{
			ID:      completion.ID,
			Model:   completion.Model,
			Choices: choices,
			Usage: providers.Usage{
				PromptTokens:     int(completion.Usage.PromptTokens),
				CompletionTokens: int(completion.Usage.CompletionTokens),
				TotalTokens:      int(completion.Usage.TotalTokens),
			},
		}, nil
	})
}

// GenerateStream implements providers.StreamingProvider.
func (p *Provider) GenerateStream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	return p.InvokeStream(ctx, req, func(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
		sctx, cancel := context.WithCancel(ctx)
		upstream := p.client.Chat.Completions.NewStreaming(sctx, buildParams(req))

		s, err := providers.OpenStream(sctx, cancel, &chunkSource{stream: upstream, translate: p.callError})
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Embed implements providers.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if !p.IsAvailable() {
		return nil, &providers.UnavailableError{Provider: p.Name()}
	}
	if len(req.Input) == 0 {
		return nil, fmt.Errorf("%s: embed: %w", p.Name(), providers.ErrInvalidRequest)
	}

	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	}
	if req.Dimensions > 0 {
		params.Dimensions = openaiSDK.Int(int64(req.Dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, p.WrapError(p.callError(err))
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{Index: int(d.Index), Embedding: vec}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

// HealthCheck implements providers.HealthProber by listing models.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s: health check: %w", p.Name(), p.callError(err))
	}
	return nil
}

func (p *Provider) callError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return providers.NewCallError(p.Name(), apiErr.StatusCode, msg, err)
	}
	return err
}

func buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// sdkStream is the subset of the SDK's SSE stream the adapter needs.
type sdkStream interface {
	Next() bool
	Current() openaiSDK.ChatCompletionChunk
	Err() error
	Close() error
}

// chunkSource adapts an SDK stream to providers.ChunkSource, skipping
// keep-alive chunks that carry neither content nor a finish reason.
type chunkSource struct {
	stream    sdkStream
	translate func(error) error
	cur       providers.StreamChunk
}

func (c *chunkSource) Next() bool {
	for c.stream.Next() {
		chunk := c.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason == "" {
			continue
		}
		c.cur = providers.StreamChunk{Content: choice.Delta.Content, FinishReason: choice.FinishReason}
		return true
	}
	return false
}

func (c *chunkSource) Current() providers.StreamChunk { return c.cur }

func (c *chunkSource) Err() error {
	if err := c.stream.Err(); err != nil {
		return c.translate(err)
	}
	return nil
}

func (c *chunkSource) Close() error { return c.stream.Close() }
