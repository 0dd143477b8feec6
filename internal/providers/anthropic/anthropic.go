package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	providerName   = "anthropic"
	defaultBaseURL = "https://api.anthropic.com/"
	defaultModel   = "claude-3-5-haiku-20241022"

	// DefaultPriority places Anthropic right after OpenAI.
	DefaultPriority = 2
)

var equivalents = map[string]string{
	"gpt-4o":           "claude-3-5-sonnet-20241022",
	"gpt-4.1":          "claude-sonnet-4",
	"gpt-4-turbo":      "claude-3-5-sonnet-20241022",
	"gpt-4":            "claude-3-5-sonnet-20241022",
	"o1":               "claude-3-7-sonnet",
	"o3":               "claude-3-7-sonnet",
	"gpt-4o-mini":      "claude-3-5-haiku-20241022",
	"gpt-3.5-turbo":    "claude-3-5-haiku-20241022",
	"gemini-1.5-pro":   "claude-3-5-sonnet-20241022",
	"gemini-2.5-pro":   "claude-sonnet-4",
	"gemini-2.0-flash": "claude-3-5-haiku-20241022",
}

type config struct {
	baseURL      string
	defaultModel string
	priority     int
	maxRPM       int
	timeout      time.Duration
	httpClient   *http.Client
}

// Option configures a Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *config) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithPriority sets the fallback-chain priority.
func WithPriority(p int) Option {
	return func(c *config) { c.priority = p }
}

// WithDefaultModel sets the model used for unmapped foreign models.
func WithDefaultModel(m string) Option {
	return func(c *config) {
		if m != "" {
			c.defaultModel = m
		}
	}
}

// WithMaxRPM sets the per-minute request budget.
func WithMaxRPM(n int) Option {
	return func(c *config) { c.maxRPM = n }
}

// WithTimeout bounds the wait for upstream response headers.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client handed to the SDK.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	*providers.Base
	client anthropic.Client
}

// New creates an Anthropic Provider. An empty apiKey makes it unavailable.
func New(apiKey string, opts ...Option) *Provider {
	cfg := config{
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		priority:     DefaultPriority,
		timeout:      providers.ProviderTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = providers.NewHTTPClient(cfg.timeout)
	}

	return &Provider{
		Base: providers.NewBase(providers.BaseConfig{
			Metadata: providers.Metadata{
				Name:                  providerName,
				Priority:              cfg.priority,
				CostPer1KInputTokens:  0.003,
				CostPer1KOutputTokens: 0.015,
				MaxTokens:             8192,
				SupportsStreaming:     true,
				MaxRequestsPerMinute:  cfg.maxRPM,
			},
			Equivalents:  equivalents,
			DefaultModel: cfg.defaultModel,
			Available:    func() bool { return apiKey != "" },
		}),
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(cfg.baseURL),
			option.WithHTTPClient(hc),
			option.WithMaxRetries(0),
		),
	}
}

// Generate implements providers.Provider.
func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return p.Invoke(ctx, req, func(ctx context.Context, req *providers.Request) (*providers.Response, error) {
		msg, err := p.client.Messages.New(ctx, buildParams(req))
		if err != nil {
			return nil, callError(err)
		}

		var sb strings.Builder
		for _, b := range msg.Content {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}

		return &providers.Response{
			ID:    msg.ID,
			Model: string(msg.Model),
			Choices: []providers.Choice{{
				Message:      providers.Message{Role: "assistant", Content: sb.String()},
				FinishReason: finishReason(msg.StopReason),
			}},
			Usage: providers.Usage{
				PromptTokens:     int(msg.Usage.InputTokens),
				CompletionTokens: int(msg.Usage.OutputTokens),
			},
		}, nil
	})
}

// GenerateStream implements providers.StreamingProvider.
func (p *Provider) GenerateStream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	return p.InvokeStream(ctx, req, func(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
		sctx, cancel := context.WithCancel(ctx)
		upstream := p.client.Messages.NewStreaming(sctx, buildParams(req))
		return providers.OpenStream(sctx, cancel, &eventSource{stream: upstream})
	})
}

// HealthCheck lists a single model as an auth and connectivity probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", callError(err))
	}
	return nil
}

func buildParams(req *providers.Request) anthropic.MessageNewParams {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content)
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n")}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	return params
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary.
func finishReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return "stop"
	case anthropic.StopReasonMaxTokens:
		return "length"
	case "":
		return ""
	default:
		return string(r)
	}
}

func callError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.NewCallError(providerName, apiErr.StatusCode, http.StatusText(apiErr.StatusCode), err)
	}
	return err
}

type sdkStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

// eventSource turns message events into chunks: text deltas become content
// and the message_delta stop reason becomes the finish reason.
type eventSource struct {
	stream sdkStream
	cur    providers.StreamChunk
}

func (e *eventSource) Next() bool {
	for e.stream.Next() {
		ev := e.stream.Current()
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				e.cur = providers.StreamChunk{Content: ev.Delta.Text}
				return true
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				e.cur = providers.StreamChunk{FinishReason: finishReason(ev.Delta.StopReason)}
				return true
			}
		}
	}
	return false
}

func (e *eventSource) Current() providers.StreamChunk { return e.cur }

func (e *eventSource) Err() error {
	if err := e.stream.Err(); err != nil {
		return callError(err)
	}
	return nil
}

func (e *eventSource) Close() error { return e.stream.Close() }
