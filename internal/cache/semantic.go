package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-gateway/internal/embedding"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// L3 defaults.
const (
	DefaultSimilarityThreshold = 0.95
	DefaultSemanticTimeout     = 2 * time.Second
)

// pointNamespace scopes semantic point ids (UUIDv5 of the prompt content).
var pointNamespace = uuid.MustParse("6f1c8e1a-3b0e-5d4a-9a61-2f7c5d0b8e43")

// Point is a stored semantic cache entry.
type Point struct {
	ID        string
	Vector    []float32
	Payload   []byte
	Model     string
	Bucket    string
	CreatedAt time.Time
}

// Match is the nearest stored point to a query vector.
type Match struct {
	ID      string
	Score   float64
	Payload []byte
	Model   string
}

// VectorIndex is the similarity search service behind L3.
type VectorIndex interface {
	// Nearest returns the single closest point by cosine similarity, or
	// (nil, nil) when the index is empty.
	Nearest(ctx context.Context, vec []float32) (*Match, error)
	// Upsert inserts p or replaces the point with the same ID.
	Upsert(ctx context.Context, p Point) error
	Ping(ctx context.Context) error
}

// SemanticTier is the L3 tier: approximate lookup by prompt similarity with
// a hard threshold gate. A SemanticTier without an index is disabled and
// always misses.
type SemanticTier struct {
	index     VectorIndex
	embedder  embedding.Embedder
	keys      *KeyGenerator
	threshold float64
	timeout   time.Duration
	now       func() time.Time
}

// SemanticOption configures a SemanticTier.
type SemanticOption func(*SemanticTier)

// WithThreshold sets the minimum similarity for a hit.
func WithThreshold(t float64) SemanticOption {
	return func(s *SemanticTier) {
		if t > 0 {
			s.threshold = t
		}
	}
}

// WithSemanticTimeout bounds each index round trip.
func WithSemanticTimeout(d time.Duration) SemanticOption {
	return func(s *SemanticTier) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSemanticTier returns an L3 tier over index. A nil embedder falls back
// to the hash embedder.
func NewSemanticTier(index VectorIndex, embedder embedding.Embedder, opts ...SemanticOption) *SemanticTier {
	if embedder == nil {
		embedder = embedding.NewHashEmbedder(embedding.DefaultDimension)
	}

	s := &SemanticTier{
		index:     index,
		embedder:  embedder,
		keys:      NewKeyGenerator(),
		threshold: DefaultSimilarityThreshold,
		timeout:   DefaultSemanticTimeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports whether the tier has a backing index.
func (s *SemanticTier) Enabled() bool { return s != nil && s.index != nil }

// Threshold returns the configured similarity gate.
func (s *SemanticTier) Threshold() float64 { return s.threshold }

// Get embeds the request content and returns the nearest stored response
// when its similarity is at or above the threshold.
func (s *SemanticTier) Get(ctx context.Context, req *providers.Request) (*providers.Response, float64, error) {
	if !s.Enabled() {
		return nil, 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, req.Content())
	if err != nil {
		return nil, 0, &TierError{Tier: TierL3, Op: "embed", Err: err}
	}

	m, err := s.index.Nearest(ctx, vec)
	if err != nil {
		return nil, 0, &TierError{Tier: TierL3, Op: "get", Err: err}
	}
	if m == nil || m.Score < s.threshold {
		return nil, 0, nil
	}

	resp, err := decodeResponse(TierL3, m.Payload)
	if err != nil {
		return nil, 0, err
	}
	return resp, m.Score, nil
}

// Put stores resp keyed by the request content. The embedding is computed
// again rather than reused from a prior Get.
func (s *SemanticTier) Put(ctx context.Context, req *providers.Request, resp *providers.Response) error {
	if !s.Enabled() {
		return nil
	}

	payload, err := encodeResponse(TierL3, resp)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	content := req.Content()
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return &TierError{Tier: TierL3, Op: "embed", Err: err}
	}

	err = s.index.Upsert(ctx, Point{
		ID:        PointID(content),
		Vector:    vec,
		Payload:   payload,
		Model:     req.Model,
		Bucket:    s.keys.GenerateSemantic(req, vec),
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return &TierError{Tier: TierL3, Op: "put", Err: err}
	}
	return nil
}

// Ping checks the backing index.
func (s *SemanticTier) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return errors.New("cache: l3 disabled")
	}
	return s.index.Ping(ctx)
}

// PointID is the deterministic point id for prompt content, so storing the
// same prompt twice replaces the point instead of duplicating it.
func PointID(content string) string {
	return uuid.NewSHA1(pointNamespace, []byte(content)).String()
}
