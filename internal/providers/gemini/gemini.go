// Package gemini implements providers.Provider on top of the Google GenAI SDK.
// The same adapter serves the Gemini API (API key) and Vertex AI
// (Application Default Credentials, see WithVertexAI).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	providerName   = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"

	vertexName            = "vertexai"
	vertexPrefix          = "vertexai-"
	defaultVertexLocation = "us-central1"

	// DefaultPriority places Gemini after OpenAI and Anthropic.
	DefaultPriority = 3
	// DefaultVertexPriority places Vertex AI right after the Gemini API.
	DefaultVertexPriority = 4
)

var equivalents = map[string]string{
	"gpt-4o":                     "gemini-2.5-pro",
	"gpt-4.1":                    "gemini-2.5-pro",
	"gpt-4-turbo":                "gemini-1.5-pro",
	"gpt-4":                      "gemini-1.5-pro",
	"gpt-4o-mini":                "gemini-2.0-flash",
	"gpt-3.5-turbo":              "gemini-2.0-flash-lite",
	"claude-3-5-sonnet":          "gemini-2.5-pro",
	"claude-3-5-sonnet-20241022": "gemini-2.5-pro",
	"claude-sonnet-4":            "gemini-2.5-pro",
	"claude-3-5-haiku":           "gemini-2.0-flash",
	"claude-3-5-haiku-20241022":  "gemini-2.0-flash",
	"claude-3-haiku":             "gemini-2.0-flash",
}

type config struct {
	baseURL      string
	defaultModel string
	priority     int
	maxRPM       int
	timeout      time.Duration
	httpClient   *http.Client

	vertex   bool
	project  string
	location string
}

// Option configures a Provider.
type Option func(*config)

// WithBaseURL overrides the API endpoint. A trailing version segment
// ("/v1beta") is split off and used as the API version.
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

// WithHTTPClient replaces the HTTP client handed to the SDK. On Vertex AI a
// custom client bypasses Application Default Credentials.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithVertexAI switches the provider to the Vertex AI backend. The provider
// is then named "vertexai", serves the "vertexai-" prefixed models and
// authenticates through Application Default Credentials.
func WithVertexAI(project, location string) Option {
	return func(c *config) {
		c.vertex = true
		c.project = project
		if location != "" {
			c.location = location
		}
	}
}

// Provider implements providers.Provider for Gemini and Vertex AI.
type Provider struct {
	*providers.Base
	client *genai.Client
	vertex bool
}

// New creates a Gemini Provider. Without an API key (Gemini API) or a
// project (Vertex AI) the provider is returned unavailable and no client is
// built.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}

	cfg := config{
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		priority:     DefaultPriority,
		timeout:      providers.ProviderTimeout,
		location:     defaultVertexLocation,
	}
	for _, o := range opts {
		o(&cfg)
	}

	p := &Provider{vertex: cfg.vertex}
	meta := providers.Metadata{
		Name:                  providerName,
		Priority:              cfg.priority,
		CostPer1KInputTokens:  0.00125,
		CostPer1KOutputTokens: 0.005,
		MaxTokens:             8192,
		SupportsStreaming:     true,
		MaxRequestsPerMinute:  cfg.maxRPM,
	}
	eq := equivalents
	defModel := cfg.defaultModel

	if cfg.vertex {
		meta.Name = vertexName
		if cfg.priority == DefaultPriority {
			meta.Priority = DefaultVertexPriority
		}
		eq = vertexEquivalents()
		defModel = vertexPrefix + strings.TrimPrefix(cfg.defaultModel, vertexPrefix)
	}

	p.Base = providers.NewBase(providers.BaseConfig{
		Metadata:     meta,
		Equivalents:  eq,
		DefaultModel: defModel,
		Available:    func() bool { return p.client != nil },
	})

	cc, configured := clientConfig(cfg, apiKey)
	if !configured {
		return p, nil
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("%s: create client: %w", meta.Name, err)
	}
	p.client = client
	return p, nil
}

func clientConfig(cfg config, apiKey string) (*genai.ClientConfig, bool) {
	if cfg.vertex {
		if cfg.project == "" {
			return nil, false
		}
		cc := &genai.ClientConfig{
			Project:  cfg.project,
			Location: cfg.location,
			Backend:  genai.BackendVertexAI,
			// nil keeps the SDK's ADC-authenticated transport.
			HTTPClient: cfg.httpClient,
		}
		if cfg.baseURL != defaultBaseURL {
			base, ver := splitBaseURLAndVersion(cfg.baseURL)
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: ver}
		}
		return cc, true
	}

	if apiKey == "" {
		return nil, false
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = providers.NewHTTPClient(cfg.timeout)
	}
	base, ver := splitBaseURLAndVersion(cfg.baseURL)
	return &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  hc,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	}, true
}

func vertexEquivalents() map[string]string {
	out := make(map[string]string, len(equivalents)+len(providers.ModelsFor(providerName)))
	for from, to := range equivalents {
		out[from] = vertexPrefix + to
	}
	// Plain Gemini names resolve to the same model on Vertex.
	for _, m := range providers.ModelsFor(providerName) {
		out[m] = vertexPrefix + m
	}
	return out
}

// upstreamModel strips the routing prefix Vertex models carry.
func (p *Provider) upstreamModel(model string) string {
	if p.vertex {
		return strings.TrimPrefix(model, vertexPrefix)
	}
	return model
}

// Generate implements providers.Provider.
func (p *Provider) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return p.Invoke(ctx, req, func(ctx context.Context, req *providers.Request) (*providers.Response, error) {
		contents, cfg := buildContents(req)
		resp, err := p.client.Models.GenerateContent(ctx, p.upstreamModel(req.Model), contents, cfg)
		if err != nil {
			return nil, p.callError(err)
		}

		out := &providers.Response{
			ID:    resp.ResponseID,
			Model: req.Model,
			Choices: []providers.Choice{{
				Message: providers.Message{Role: "assistant", Content: resp.Text()},
			}},
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			out.Choices[0].FinishReason = finishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			out.Usage = providers.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		return out, nil
	})
}

// GenerateStream implements providers.StreamingProvider.
func (p *Provider) GenerateStream(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
	return p.InvokeStream(ctx, req, func(ctx context.Context, req *providers.Request) (*providers.Stream, error) {
		contents, cfg := buildContents(req)
		sctx, cancel := context.WithCancel(ctx)
		seq := p.client.Models.GenerateContentStream(sctx, p.upstreamModel(req.Model), contents, cfg)

		next, stop := iter.Pull2(seq)
		return providers.OpenStream(sctx, cancel, &seqSource{next: next, stop: stop, wrap: p.callError})
	})
}

// Embed implements providers.EmbeddingProvider. All inputs go out in one
// batch call.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	if !p.IsAvailable() {
		return nil, &providers.UnavailableError{Provider: p.Name()}
	}
	if req == nil || len(req.Input) == 0 {
		return nil, fmt.Errorf("%s: embed: %w: empty input", p.Name(), providers.ErrInvalidRequest)
	}

	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	var cfg *genai.EmbedContentConfig
	if req.Dimensions > 0 {
		cfg = &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(int32(req.Dimensions))}
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.upstreamModel(req.Model), contents, cfg)
	if err != nil {
		return nil, p.WrapError(p.callError(err))
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, providers.NewCallError(p.Name(), 0, "empty embedding response", nil)
	}

	data := make([]providers.EmbeddingData, 0, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data = append(data, providers.EmbeddingData{Index: i, Embedding: emb.Values})
	}
	return &providers.EmbeddingResponse{Model: req.Model, Data: data}, nil
}

// HealthCheck lists a single model as an auth and connectivity probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.client == nil {
		return &providers.UnavailableError{Provider: p.Name()}
	}
	if _, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("%s: health check: %w", p.Name(), p.callError(err))
	}
	return nil
}

func buildContents(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if len(system) == 0 && req.Temperature == nil && req.TopP == nil && req.MaxTokens <= 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

// finishReason maps Gemini finish reasons onto the OpenAI vocabulary.
func finishReason(r genai.FinishReason) string {
	switch r {
	case "", genai.FinishReasonUnspecified:
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return "content_filter"
	default:
		return strings.ToLower(string(r))
	}
}

func (p *Provider) callError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Status
		}
		return providers.NewCallError(p.Name(), apiErr.Code, msg, err)
	}
	return err
}

// seqSource adapts the SDK's push iterator to a ChunkSource.
type seqSource struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	wrap func(error) error
	cur  providers.StreamChunk
	err  error
}

func (s *seqSource) Next() bool {
	for {
		resp, err, ok := s.next()
		if !ok {
			return false
		}
		if err != nil {
			s.err = s.wrap(err)
			return false
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}

		c := resp.Candidates[0]
		chunk := providers.StreamChunk{
			Content:      candidateText(c),
			FinishReason: finishReason(c.FinishReason),
		}
		if chunk.Content == "" && chunk.FinishReason == "" {
			continue
		}
		s.cur = chunk
		return true
	}
}

func (s *seqSource) Current() providers.StreamChunk { return s.cur }

func (s *seqSource) Err() error { return s.err }

func (s *seqSource) Close() error {
	s.stop()
	return nil
}

func candidateText(c *genai.Candidate) string {
	if c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// splitBaseURLAndVersion turns "https://host/v1beta" into
// ("https://host/", "v1beta"). URLs without a version keep the SDK default.
func splitBaseURLAndVersion(raw string) (baseURL, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = strings.Join(parts, "/")
	if u.Path != "" {
		u.Path = "/" + u.Path
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}
