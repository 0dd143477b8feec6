package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/providers/openai"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Hello, World!":           "hello world",
		"  What   is\tGo?\n":      "what is go",
		"already normal":          "already normal",
		"":                        "",
		"¿Qué tal?":               "qué tal",
		"end with space   ":       "end with space",
		"dots...between...words ": "dotsbetweenwords",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHashEmbedder_DeterministicAndUnitLength(t *testing.T) {
	e := NewHashEmbedder(0)
	if e.Dimension() != DefaultDimension {
		t.Fatalf("dimension: want %d, got %d", DefaultDimension, e.Dimension())
	}

	a, _ := e.Embed(context.Background(), "What is the capital of France?")
	b, _ := e.Embed(context.Background(), "what is the capital of france")

	if len(a) != DefaultDimension {
		t.Fatalf("vector length: got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}

	var sum float64
	for _, x := range a {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("expected unit norm, got %f", math.Sqrt(sum))
	}

	if sim := CosineSimilarity(a, b); math.Abs(sim-1) > 1e-6 {
		t.Fatalf("identical text should have similarity 1, got %f", sim)
	}
}

func TestHashEmbedder_DifferentTextDiffers(t *testing.T) {
	e := NewHashEmbedder(64)

	a, _ := e.Embed(context.Background(), "tell me a joke")
	b, _ := e.Embed(context.Background(), "tell me a story")

	if sim := CosineSimilarity(a, b); sim > 0.95 {
		t.Fatalf("unrelated prompts scored %f", sim)
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"same", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CosineSimilarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("want %f, got %f", tc.want, got)
			}
		})
	}
}

type fakeEmbeddings struct {
	vec  []float32
	err  error
	seen *providers.EmbeddingRequest
}

func (f *fakeEmbeddings) Embed(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	f.seen = req
	if f.err != nil {
		return nil, f.err
	}
	return &providers.EmbeddingResponse{Data: []providers.EmbeddingData{{Embedding: f.vec}}}, nil
}

func TestProviderEmbedder_NormalizesInputAndOutput(t *testing.T) {
	f := &fakeEmbeddings{vec: []float32{3, 4}}
	e := NewProviderEmbedder(f, "text-embedding-3-small", 2)

	v, err := e.Embed(context.Background(), "Hi, THERE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.seen.Input[0] != "hi there" || f.seen.Model != "text-embedding-3-small" || f.seen.Dimensions != 2 {
		t.Fatalf("unexpected request: %+v", f.seen)
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Fatalf("expected unit vector, got %v", v)
	}
	if f.vec[0] != 3 {
		t.Fatal("provider vector must not be mutated")
	}
}

func TestProviderEmbedder_DimensionMismatch(t *testing.T) {
	e := NewProviderEmbedder(&fakeEmbeddings{vec: []float32{1, 2, 3}}, "m", 2)

	if _, err := e.Embed(context.Background(), "x"); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestProviderEmbedder_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	e := NewProviderEmbedder(&fakeEmbeddings{err: boom}, "m", 2)

	if _, err := e.Embed(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
}

// TestProviderEmbedder_OpenAIShortensToConfiguredDimension runs against an
// embeddings endpoint that returns the model's native 1536 values unless
// the request asks for fewer.
func TestProviderEmbedder_OpenAIShortensToConfiguredDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Dimensions int `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		n := 1536
		if body.Dimensions > 0 {
			n = body.Dimensions
		}
		vec := make([]float64, n)
		vec[0] = 1

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   []any{map[string]any{"object": "embedding", "index": 0, "embedding": vec}},
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	p := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/v1"))
	e := NewProviderEmbedder(p, "text-embedding-3-small", 384)

	v, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v) != 384 {
		t.Fatalf("expected 384 values, got %d", len(v))
	}
}
