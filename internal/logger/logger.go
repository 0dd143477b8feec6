// Package logger implements a non-blocking, batched request logger.
//
// Each completed gateway request produces one RequestLog. Entries go to a
// bounded queue and a background goroutine hands them to a Sink in batches,
// so logging never blocks the completion path. When the queue is full new
// entries are dropped, counted in DroppedLogs and reported to the optional
// drop hook. The default sink writes one structured slog record per entry.
package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	queueSize     = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog summarizes one completed request.
type RequestLog struct {
	ID           uuid.UUID
	RequestID    string
	Route        string
	Model        string
	Stream       bool
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Cached       bool
	Similarity   *float64
	LatencyMs    int64
	Error        string
	CreatedAt    time.Time
}

// Sink persists a batch of entries. It is called from a single goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, batch []RequestLog) error
}

// SlogSink writes each entry as an info record named "request".
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) WriteBatch(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.Logger.LogAttrs(ctx, slog.LevelInfo, "request", entryAttrs(e)...)
	}
	return nil
}

// Logger queues entries for a Sink.
type Logger struct {
	queue chan RequestLog
	done  chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup

	dropped atomic.Int64
	onDrop  func()

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithDropHook is called for every dropped entry.
func WithDropHook(fn func()) Option {
	return func(l *Logger) { l.onDrop = fn }
}

// WithSink replaces the default slog sink.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sink = s
		}
	}
}

// New starts the background flusher. It stops on Close.
func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, errors.New("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	l := &Logger{
		queue:   make(chan RequestLog, queueSize),
		done:    make(chan struct{}),
		sink:    SlogSink{Logger: slogger},
		baseCtx: ctx,
		log:     slogger,
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry without blocking. A nil Logger discards it.
func (l *Logger) Log(entry RequestLog) {
	if l == nil {
		return
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case l.queue <- entry:
	default:
		l.dropped.Add(1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

// DroppedLogs returns how many entries were discarded on a full queue.
func (l *Logger) DroppedLogs() int64 { return l.dropped.Load() }

// Close flushes everything queued so far and stops the flusher.
func (l *Logger) Close() error {
	l.stop.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)
	add := func(e RequestLog) {
		batch = append(batch, e)
		if len(batch) == batchSize {
			batch = l.flush(batch)
		}
	}

	for {
		select {
		case e := <-l.queue:
			add(e)
		case <-ticker.C:
			batch = l.flush(batch)
		case <-l.done:
			for {
				select {
				case e := <-l.queue:
					add(e)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes batch and returns it emptied. A failed write is reported
// once per batch and the entries are discarded.
func (l *Logger) flush(batch []RequestLog) []RequestLog {
	if len(batch) == 0 {
		return batch
	}
	if err := l.sink.WriteBatch(l.baseCtx, batch); err != nil {
		l.log.Warn("request_log_flush_error",
			slog.Int("entries", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	return batch[:0]
}

func entryAttrs(e RequestLog) []slog.Attr {
	attrs := make([]slog.Attr, 0, 13)
	attrs = append(attrs,
		slog.String("id", e.ID.String()),
		slog.String("request_id", e.RequestID),
		slog.String("route", e.Route),
		slog.String("model", e.Model),
		slog.Bool("stream", e.Stream),
		slog.Int("input_tokens", e.InputTokens),
		slog.Int("output_tokens", e.OutputTokens),
		slog.Float64("cost_usd", e.CostUSD),
		slog.Bool("cache_hit", e.Cached),
		slog.Int64("latency_ms", e.LatencyMs),
		slog.Time("created_at", e.CreatedAt.UTC()),
	)
	if e.Similarity != nil {
		attrs = append(attrs, slog.Float64("similarity", *e.Similarity))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	return attrs
}
