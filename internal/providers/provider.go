// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Gemini, Bedrock, and any
// OpenAI-compatible upstream).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Optional capabilities (streaming, embeddings, health probing,
// degraded responses) are separate interfaces; callers probe them with a type
// assertion instead of switching on the provider name.
package providers

import (
	"context"
	"errors"
	"strings"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Request is a normalized chat completion request. Temperature and TopP
	// are pointers because "absent" differs from zero for cache keys.
	Request struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature *float64  `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
		TopP        *float64  `json:"top_p,omitempty"`
		Stream      bool      `json:"stream,omitempty"`
		RequestID   string    `json:"-"`
	}

	// Choice is one generated alternative.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason,omitempty"`
	}

	// Usage holds token usage stats.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Response is a normalized completion. Values are treated as immutable
	// once returned: use Clone / WithRoute to derive a modified copy.
	Response struct {
		ID         string   `json:"id"`
		Model      string   `json:"model"`
		Choices    []Choice `json:"choices"`
		Usage      Usage    `json:"usage"`
		CostUSD    float64  `json:"cost_usd"`
		CacheHit   bool     `json:"cache_hit"`
		Similarity *float64 `json:"similarity,omitempty"`
		Route      string   `json:"route"`
		LatencyMs  int64    `json:"latency_ms"`
		Error      string   `json:"error,omitempty"`
	}

	// EmbeddingRequest is a normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model string
		// Dimensions asks models that support shortening for vectors of this
		// length. 0 keeps the model's native size.
		Dimensions int
	}

	// EmbeddingData is a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse is a normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// ErrInvalidRequest is returned for requests that can never succeed upstream.
var ErrInvalidRequest = errors.New("invalid request")

// Validate checks the fields every provider needs.
func (r *Request) Validate() error {
	if r == nil {
		return errors.Join(ErrInvalidRequest, errors.New("request is nil"))
	}
	if strings.TrimSpace(r.Model) == "" {
		return errors.Join(ErrInvalidRequest, errors.New("model is required"))
	}
	if len(r.Messages) == 0 {
		return errors.Join(ErrInvalidRequest, errors.New("at least one message is required"))
	}
	return nil
}

// Content returns the concatenated message content in order.
func (r *Request) Content() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// WithModel returns a shallow copy of r targeting a different model.
func (r *Request) WithModel(model string) *Request {
	out := *r
	out.Model = model
	return &out
}

// Content returns the text of the first choice.
func (r *Response) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.Choices != nil {
		out.Choices = append([]Choice(nil), r.Choices...)
	}
	if r.Similarity != nil {
		s := *r.Similarity
		out.Similarity = &s
	}
	return &out
}

// WithRoute returns a copy of r tagged with the serving route.
func (r *Response) WithRoute(route string) *Response {
	out := r.Clone()
	out.Route = route
	return out
}

// Metadata is the static description of a provider.
type Metadata struct {
	Name string
	// Priority orders the fallback chain; lower is preferred.
	Priority              int
	CostPer1KInputTokens  float64
	CostPer1KOutputTokens float64
	MaxTokens             int
	SupportsStreaming     bool
	// MaxRequestsPerMinute is enforced by the router when a limiter is
	// configured. 0 means unlimited.
	MaxRequestsPerMinute int
}

// Cost returns the USD price of the given usage.
func (m Metadata) Cost(u Usage) float64 {
	return float64(u.PromptTokens)/1000*m.CostPer1KInputTokens +
		float64(u.CompletionTokens)/1000*m.CostPer1KOutputTokens
}

// Provider is the LLM provider interface.
type Provider interface {
	Name() string
	SupportedModels() []string
	// IsAvailable reports whether credentials are configured. It never
	// touches the network.
	IsAvailable() bool
	Metadata() Metadata
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EquivalentModel maps a foreign model name to this provider's closest
	// native model.
	EquivalentModel(model string) string
}

// StreamingProvider is implemented by providers that can stream tokens.
// The returned Stream has already produced its first chunk (or finished), so
// an error here means the stream never started.
type StreamingProvider interface {
	GenerateStream(ctx context.Context, req *Request) (*Stream, error)
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// HealthProber is implemented by providers that expose a cheap live probe.
type HealthProber interface {
	HealthCheck(ctx context.Context) error
}

// DegradedResponder builds a canned response used as a last-resort payload.
type DegradedResponder interface {
	Degraded(req *Request, cause error) *Response
}

// Defaults shared by provider implementations.
const (
	ProviderTimeout  = 30 * time.Second
	DefaultMaxTokens = 4096
)
