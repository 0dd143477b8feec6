package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// ErrDimensionMismatch is returned when the upstream vector length differs
// from the configured dimension.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

// ProviderEmbedder embeds text through a provider's embeddings API.
type ProviderEmbedder struct {
	provider providers.EmbeddingProvider
	model    string
	dim      int
}

// NewProviderEmbedder wraps p. dim is requested from the upstream so models
// that support shortening return vectors of that length; vectors of any other
// length are rejected.
func NewProviderEmbedder(p providers.EmbeddingProvider, model string, dim int) *ProviderEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &ProviderEmbedder{provider: p, model: model, dim: dim}
}

func (e *ProviderEmbedder) Dimension() int { return e.dim }

func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.provider.Embed(ctx, &providers.EmbeddingRequest{
		Input:      []string{Normalize(text)},
		Model:      e.model,
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return nil, errors.New("embedding: empty response")
	}

	vec := resp.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, e.dim, len(vec))
	}

	out := make([]float32, len(vec))
	copy(out, vec)
	return NormalizeL2(out), nil
}
