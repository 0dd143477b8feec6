package providers

import (
	"context"
	"strings"
	"sync"
)

// StreamChunk is a single token chunk delivered during a streaming response.
type StreamChunk struct {
	Content      string
	FinishReason string
}

// ChunkSource is the pull-style view of an upstream stream. SDK streams are
// adapted to it by each provider.
type ChunkSource interface {
	Next() bool
	Current() StreamChunk
	Err() error
	Close() error
}

const streamBuffer = 64

// Stream delivers chunks from a single upstream call. The consumer reads
// Chunks until it is closed, then checks Err. Calling Close at any time
// cancels the upstream request and releases the connection.
type Stream struct {
	// Route names the provider serving the stream.
	Route string

	chunks chan StreamChunk
	done   chan struct{}
	cancel context.CancelFunc
	err    error

	closeOnce sync.Once
}

// OpenStream pulls the first chunk from src synchronously and then pumps
// the rest in a goroutine. An error before the first chunk is returned
// directly so the caller can still fall back to another provider.
//
// cancel must cancel the context src was opened with.
func OpenStream(ctx context.Context, cancel context.CancelFunc, src ChunkSource) (*Stream, error) {
	hasFirst := src.Next()
	if !hasFirst {
		if err := src.Err(); err != nil {
			_ = src.Close()
			cancel()
			return nil, err
		}
	}

	var first StreamChunk
	if hasFirst {
		first = src.Current()
	}

	s := &Stream{
		chunks: make(chan StreamChunk, streamBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		defer close(s.chunks)
		defer func() { _ = src.Close() }()

		if !hasFirst {
			return
		}
		if !s.send(ctx, first) {
			return
		}
		for src.Next() {
			if !s.send(ctx, src.Current()) {
				return
			}
		}
		s.err = src.Err()
	}()

	return s, nil
}

// SingleChunkStream wraps a complete response as a one-chunk stream. It is
// used for providers without native streaming.
func SingleChunkStream(resp *Response) *Stream {
	s := &Stream{
		Route:  resp.Route,
		chunks: make(chan StreamChunk, 1),
		done:   make(chan struct{}),
		cancel: func() {},
	}

	finish := "stop"
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		finish = resp.Choices[0].FinishReason
	}
	s.chunks <- StreamChunk{Content: resp.Content(), FinishReason: finish}
	close(s.chunks)
	close(s.done)

	return s
}

func (s *Stream) send(ctx context.Context, c StreamChunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-ctx.Done():
		s.err = ctx.Err()
		return false
	}
}

// Chunks returns the channel of chunks. It is closed when the upstream
// finishes, fails, or the stream is closed.
func (s *Stream) Chunks() <-chan StreamChunk { return s.chunks }

// Err blocks until the stream is finished and returns the terminal error.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close cancels the upstream call and drains pending chunks. Safe to call
// more than once and concurrently with reads.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.chunks {
		}
		<-s.done
	})
}

// Collect reads the whole stream and returns the concatenated content.
func (s *Stream) Collect() (string, error) {
	defer s.Close()

	var sb strings.Builder
	for c := range s.Chunks() {
		sb.WriteString(c.Content)
	}
	return sb.String(), s.Err()
}
