// Package embedding turns prompt text into fixed-dimension unit vectors for
// the semantic cache tier.
//
// The default HashEmbedder is a deterministic placeholder, not a trained
// model: two prompts only score as similar when they normalize to the same
// text. ProviderEmbedder swaps in a real embeddings API behind the same
// interface.
package embedding

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension is the vector length used when none is configured.
const DefaultDimension = 384

// Embedder produces unit-length vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Normalize lower-cases text, strips punctuation and collapses runs of
// whitespace into single spaces.
func Normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))

	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsPunct(r):
			continue
		case unicode.IsSpace(r):
			space = sb.Len() > 0
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1, 1]. Vectors of different length or zero norm score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp rounding drift.
	return math.Max(-1, math.Min(1, sim))
}

// NormalizeL2 scales v to unit length in place and returns it. A zero
// vector is returned unchanged.
func NormalizeL2(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm < 1e-10 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
