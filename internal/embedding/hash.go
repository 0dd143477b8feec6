package embedding

import (
	"context"
	"crypto/sha256"
)

// HashEmbedder scatters the SHA-256 digest of the normalized text across
// the vector dimensions and L2-normalizes the result. Identical normalized
// text always yields a bit-identical vector.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of length dim
// (DefaultDimension when dim <= 0).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	digest := sha256.Sum256([]byte(Normalize(text)))

	v := make([]float32, h.dim)
	for i := range v {
		v[i] = (float32(digest[i%len(digest)]) - 127.5) / 127.5
	}
	return NormalizeL2(v), nil
}
