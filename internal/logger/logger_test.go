package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// syncBuffer guards a bytes.Buffer shared with the flusher goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_RejectsNilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestLogger_FlushesOnClose(t *testing.T) {
	var out syncBuffer
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(&out, nil)))
	if err != nil {
		t.Fatal(err)
	}

	sim := 0.97
	l.Log(RequestLog{
		RequestID:    "req-1",
		Route:        "anthropic-fallback",
		Model:        "gpt-4o",
		InputTokens:  10,
		OutputTokens: 5,
		CostUSD:      0.001,
		Cached:       true,
		Similarity:   &sim,
		LatencyMs:    12,
	})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	line := strings.TrimSpace(out.String())
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}

	if got["msg"] != "request" || got["route"] != "anthropic-fallback" || got["request_id"] != "req-1" {
		t.Fatalf("unexpected entry: %v", got)
	}
	if got["cache_hit"] != true || got["similarity"] != 0.97 {
		t.Fatalf("cache fields missing: %v", got)
	}
	if _, ok := got["error"]; ok {
		t.Fatal("error attribute must be omitted when empty")
	}
	if id, _ := got["id"].(string); id == "" || id == uuid.Nil.String() {
		t.Fatalf("entry id must be generated, got %q", id)
	}
}

func TestLogger_DropsWhenFull(t *testing.T) {
	var dropped int
	l := &Logger{
		queue:  make(chan RequestLog, 1),
		done:   make(chan struct{}),
		onDrop: func() { dropped++ },
	}

	l.Log(RequestLog{})
	l.Log(RequestLog{})
	l.Log(RequestLog{})

	if l.DroppedLogs() != 2 || dropped != 2 {
		t.Fatalf("dropped = %d (hook %d), want 2", l.DroppedLogs(), dropped)
	}
}

func TestLogger_NilIsNoop(t *testing.T) {
	var l *Logger
	l.Log(RequestLog{Model: "x"})
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]RequestLog
	err     error
}

func (s *recordingSink) WriteBatch(_ context.Context, batch []RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]RequestLog(nil), batch...))
	return s.err
}

func TestLogger_BatchesIntoSink(t *testing.T) {
	sink := &recordingSink{}
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(&syncBuffer{}, nil)), WithSink(sink))
	if err != nil {
		t.Fatal(err)
	}

	for range batchSize + 5 {
		l.Log(RequestLog{Model: "m"})
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	var total int
	for _, b := range sink.batches {
		if len(b) > batchSize {
			t.Fatalf("batch of %d exceeds the limit", len(b))
		}
		total += len(b)
	}
	if total != batchSize+5 {
		t.Fatalf("sink received %d entries, want %d", total, batchSize+5)
	}
	if sink.batches[0][0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt must be stamped on enqueue")
	}
}

func TestLogger_SinkErrorIsReported(t *testing.T) {
	var out syncBuffer
	sink := &recordingSink{err: errors.New("disk full")}
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(&out, nil)), WithSink(sink))
	if err != nil {
		t.Fatal(err)
	}

	l.Log(RequestLog{Model: "m"})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(out.String(), "request_log_flush_error") || !strings.Contains(out.String(), "disk full") {
		t.Fatalf("expected flush error to be logged, got %q", out.String())
	}
}
