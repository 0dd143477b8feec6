package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New(context.Background(), "us-east-1",
		WithCredentials("AKIDEXAMPLE", "secret", ""),
		WithEndpointURL(srv.URL),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model: "anthropic.claude-3-haiku-20240307-v1:0",
		Messages: []providers.Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Hello"},
		},
		RequestID: "req-mock-1",
	}
}

func TestNew_UnavailableWithoutCredentials(t *testing.T) {
	p, err := New(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.IsAvailable() {
		t.Fatal("provider without credentials must be unavailable")
	}
	if p.Name() != "bedrock" || p.Metadata().Priority != DefaultPriority {
		t.Fatalf("unexpected metadata %+v", p.Metadata())
	}
	if got := p.EquivalentModel("claude-3-5-sonnet"); got != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Fatalf("unexpected equivalent %q", got)
	}
}

func TestProvider_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/model/") || !strings.HasSuffix(r.URL.Path, "/invoke") {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256") {
			t.Errorf("request is not SigV4 signed")
		}

		var body messageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.AnthropicVersion != anthropicVersion || body.System != "Be brief." || len(body.Messages) != 1 {
			t.Errorf("unexpected body %+v", body)
		}
		if body.MaxTokens != providers.DefaultMaxTokens {
			t.Errorf("expected default max_tokens, got %d", body.MaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg-1",
			"type":        "message",
			"content":     []map[string]any{{"type": "text", "text": "Hi"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 1000, "output_tokens": 1000},
		})
	}))
	defer srv.Close()

	resp, err := newTestProvider(t, srv).Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content() != "Hi" || resp.Choices[0].FinishReason != "stop" || resp.Route != "bedrock" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if want := 0.003 + 0.015; resp.CostUSD < want-1e-9 || resp.CostUSD > want+1e-9 {
		t.Fatalf("expected cost %v, got %v", want, resp.CostUSD)
	}
}

func TestProvider_Generate_Throttled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Amzn-ErrorType", "ThrottlingException")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv).Generate(context.Background(), baseRequest())
	var ce *providers.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CallError, got %T: %v", err, err)
	}
	if ce.StatusCode != http.StatusTooManyRequests || ce.Provider != "bedrock" {
		t.Fatalf("unexpected CallError %+v", ce)
	}
	if !strings.Contains(ce.Message, "slow down") {
		t.Fatalf("expected service message, got %q", ce.Message)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("SDK retries must be disabled, got %d calls", n)
	}
}

type fakeEvents struct {
	ch     chan types.ResponseStream
	err    error
	closed atomic.Bool
}

func newFakeEvents(payloads ...string) *fakeEvents {
	f := &fakeEvents{ch: make(chan types.ResponseStream, len(payloads))}
	for _, p := range payloads {
		f.ch <- &types.ResponseStreamMemberChunk{Value: types.PayloadPart{Bytes: []byte(p)}}
	}
	close(f.ch)
	return f
}

func (f *fakeEvents) Events() <-chan types.ResponseStream { return f.ch }
func (f *fakeEvents) Err() error                          { return f.err }
func (f *fakeEvents) Close() error {
	f.closed.Store(true)
	return nil
}

func TestEventSource(t *testing.T) {
	events := newFakeEvents(
		`{"type":"message_start","message":{"id":"msg-1","usage":{"input_tokens":3}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := providers.OpenStream(ctx, cancel, &eventSource{ctx: ctx, stream: events})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []providers.StreamChunk
	for c := range s.Chunks() {
		got = append(got, c)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) != 3 || got[0].Content+got[1].Content != "Hello world" || got[2].FinishReason != "length" {
		t.Fatalf("unexpected chunks %+v", got)
	}
	if !events.closed.Load() {
		t.Fatal("expected upstream stream to be closed")
	}
}

func TestEventSource_ErrorBeforeFirstChunk(t *testing.T) {
	events := newFakeEvents()
	events.err = errors.New("connection reset")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := providers.OpenStream(ctx, cancel, &eventSource{ctx: ctx, stream: events})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestEventSource_MalformedPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := providers.OpenStream(ctx, cancel, &eventSource{ctx: ctx, stream: newFakeEvents(`{not json`)})
	var ce *providers.CallError
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 CallError, got %v", err)
	}
}

func TestProvider_GenerateStream_InitiationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/invoke-with-response-stream") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Amzn-ErrorType", "ServiceUnavailableException")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"try later"}`))
	}))
	defer srv.Close()

	s, err := newTestProvider(t, srv).GenerateStream(context.Background(), baseRequest())
	if s != nil {
		t.Fatal("expected no stream")
	}
	var ce *providers.CallError
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 CallError, got %v", err)
	}
}

func TestFinishReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_use",
	}
	for in, want := range tests {
		if got := finishReason(in); got != want {
			t.Errorf("finishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
