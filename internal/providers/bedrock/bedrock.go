// Package bedrock implements providers.Provider for Anthropic models hosted on
// AWS Bedrock, using the bedrockruntime InvokeModel API.
//
// Static credentials (BEDROCK_ACCESS_KEY_ID, BEDROCK_SECRET_ACCESS_KEY and an
// optional session token) and a region are required for the provider to be
// available.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	providerName     = "bedrock"
	defaultModel     = "anthropic.claude-3-haiku-20240307-v1:0"
	anthropicVersion = "bedrock-2023-05-31"

	// DefaultPriority places Bedrock after the Google providers.
	DefaultPriority = 5
)

var equivalents = map[string]string{
	"claude-3-5-sonnet":          "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-sonnet-20241022": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-opus":              "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-haiku":             "anthropic.claude-3-haiku-20240307-v1:0",
	"gpt-4o":                     "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"gpt-4.1":                    "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"gpt-4":                      "anthropic.claude-3-opus-20240229-v1:0",
	"gemini-1.5-pro":             "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"gemini-2.5-pro":             "anthropic.claude-3-5-sonnet-20241022-v2:0",
}

type options struct {
	accessKey    string
	secretKey    string
	sessionToken string
	endpointURL  string
	defaultModel string
	priority     int
	maxRPM       int
	timeout      time.Duration
	httpClient   *http.Client
}

// Option configures a Provider.
type Option func(*options)

// WithCredentials sets static AWS credentials. The token may be empty.
func WithCredentials(accessKey, secretKey, sessionToken string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
		o.sessionToken = sessionToken
	}
}

// WithEndpointURL overrides the regional Bedrock runtime endpoint.
func WithEndpointURL(u string) Option {
	return func(o *options) { o.endpointURL = u }
}

// WithPriority sets the fallback-chain priority.
func WithPriority(p int) Option {
	return func(o *options) { o.priority = p }
}

// WithDefaultModel sets the model used for unmapped foreign models.
func WithDefaultModel(m string) Option {
	return func(o *options) {
		if m != "" {
			o.defaultModel = m
		}
	}
}

// WithMaxRPM sets the per-minute request budget.
func WithMaxRPM(n int) Option {
	return func(o *options) { o.maxRPM = n }
}

// WithTimeout bounds the wait for upstream response headers.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// Provider implements providers.Provider for AWS Bedrock.
type Provider struct {
	*providers.Base
	client *bedrockruntime.Client
}

// New creates a Bedrock Provider for region. Without a region or static
// credentials the provider is returned unavailable.
func New(ctx context.Context, region string, opts ...Option) (*Provider, error) {
	o := options{
		defaultModel: defaultModel,
		priority:     DefaultPriority,
		timeout:      providers.ProviderTimeout,
	}
	for _, fn := range opts {
		fn(&o)
	}

	p := &Provider{}
	p.Base = providers.NewBase(providers.BaseConfig{
		Metadata: providers.Metadata{
			Name:                  providerName,
			Priority:              o.priority,
			CostPer1KInputTokens:  0.003,
			CostPer1KOutputTokens: 0.015,
			MaxTokens:             8192,
			SupportsStreaming:     true,
			MaxRequestsPerMinute:  o.maxRPM,
		},
		Equivalents:  equivalents,
		DefaultModel: o.defaultModel,
		Available:    func() bool { return p.client != nil },
	})

	if region == "" || o.accessKey == "" || o.secretKey == "" {
		return p, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	hc := o.httpClient
	if hc == nil {
		hc = providers.NewHTTPClient(o.timeout)
	}

	p.client = bedrockruntime.NewFromConfig(awsCfg, func(opts *bedrockruntime.Options) {
		if o.endpointURL != "" {
			opts.BaseEndpoint = aws.String(o.endpointURL)
		}
		opts.HTTPClient = hc
		// Retries belong to the resilience layer.
		opts.Retryer = aws.NopRetryer{}
	})
	return p, nil
}

// Generate implements providers.Provider.
func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return p.Invoke(ctx, req, func(ctx context.Context, req *providers.Request) (*providers.Response, error) {
		body, err := json.Marshal(buildBody(req))
		if err != nil {
			return nil, fmt.Errorf("bedrock: marshal request: %w", err)
		}

		out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, callError(err)
		}

		var msg messageResponse
		if err := json.Unmarshal(out.Body, &msg); err != nil {
			return nil, providers.NewCallError(providerName, http.StatusBadGateway, "malformed response body", err)
		}

		var sb strings.Builder
		for _, b := range msg.Content {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}

		return &providers.Response{
			ID:    msg.ID,
			Model: req.Model,
			Choices: []providers.Choice{{
				Message:      providers.Message{Role: "assistant", Content: sb.String()},
				FinishReason: finishReason(msg.StopReason),
			}},
			Usage: providers.Usage{
				PromptTokens:     msg.Usage.InputTokens,
				CompletionTokens: msg.Usage.OutputTokens,
			},
		}, nil
	})
}

// GenerateStream implements providers.StreamingProvider.
func (p *Provider) GenerateStream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	return p.InvokeStream(ctx, req, func(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
		body, err := json.Marshal(buildBody(req))
		if err != nil {
			return nil, fmt.Errorf("bedrock: marshal request: %w", err)
		}

		sctx, cancel := context.WithCancel(ctx)
		out, err := p.client.InvokeModelWithResponseStream(sctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			cancel()
			return nil, callError(err)
		}
		return providers.OpenStream(sctx, cancel, &eventSource{ctx: sctx, stream: out.GetStream()})
	})
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type message struct {
	Role    string      `json:"role"`
	Content []textBlock `json:"content"`
}

type messageRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
	Messages         []message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
}

type messageResponse struct {
	ID         string      `json:"id"`
	Content    []textBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

func buildBody(req *providers.Request) messageRequest {
	var system []string
	msgs := make([]message, 0, len(req.Messages))

	for _, m := range req.Messages {
		role := strings.ToLower(m.Role)
		switch role {
		case "system", "developer":
			system = append(system, m.Content)
			continue
		case "assistant":
		default:
			role = "user"
		}
		msgs = append(msgs, message{Role: role, Content: []textBlock{{Type: "text", Text: m.Content}}})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	return messageRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		System:           strings.Join(system, "\n"),
		Messages:         msgs,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
	}
}

func finishReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return r
	}
}

// callError extracts the HTTP status and service message from SDK errors.
func callError(err error) error {
	var re interface{ HTTPStatusCode() int }
	if !errors.As(err, &re) {
		return err
	}

	status := re.HTTPStatusCode()
	msg := http.StatusText(status)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorCode()
		if m := apiErr.ErrorMessage(); m != "" {
			msg += ": " + m
		}
	}
	return providers.NewCallError(providerName, status, msg, err)
}

type eventReader interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// eventSource decodes the Anthropic JSON events carried in Bedrock payload
// chunks.
type eventSource struct {
	ctx    context.Context
	stream eventReader
	cur    providers.StreamChunk
	err    error
}

func (e *eventSource) Next() bool {
	for {
		var (
			ev types.ResponseStream
			ok bool
		)
		select {
		case <-e.ctx.Done():
			e.err = e.ctx.Err()
			return false
		case ev, ok = <-e.stream.Events():
		}
		if !ok {
			if err := e.stream.Err(); err != nil {
				e.err = callError(err)
			}
			return false
		}

		chunk, isChunk := ev.(*types.ResponseStreamMemberChunk)
		if !isChunk {
			continue
		}

		var se streamEvent
		if err := json.Unmarshal(chunk.Value.Bytes, &se); err != nil {
			e.err = providers.NewCallError(providerName, http.StatusBadGateway, "malformed stream event", err)
			return false
		}

		switch se.Type {
		case "content_block_delta":
			if se.Delta.Type == "text_delta" && se.Delta.Text != "" {
				e.cur = providers.StreamChunk{Content: se.Delta.Text}
				return true
			}
		case "message_delta":
			if se.Delta.StopReason != "" {
				e.cur = providers.StreamChunk{FinishReason: finishReason(se.Delta.StopReason)}
				return true
			}
		}
	}
}

func (e *eventSource) Current() providers.StreamChunk { return e.cur }

func (e *eventSource) Err() error { return e.err }

func (e *eventSource) Close() error { return e.stream.Close() }
