package openai

import (
	"errors"
	"fmt"
	"io"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"chat-relay/internal/domain"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("openai: stream closed")

// Stream reads chunks from a streaming chat completion response.
type Stream struct {
	events *ssestream.Stream[oai.ChatCompletionChunk]

	closeOnce sync.Once
	closeErr  error
	closed    bool
	done      bool
}

func newStream(events *ssestream.Stream[oai.ChatCompletionChunk]) *Stream {
	return &Stream{events: events}
}

// Recv returns the next chunk. It returns io.EOF once the provider signals
// completion with [DONE] or closes the body cleanly.
func (s *Stream) Recv() (domain.StreamChunk, error) {
	if s.closed {
		return domain.StreamChunk{}, ErrStreamClosed
	}
	if s.done {
		return domain.StreamChunk{}, io.EOF
	}

	if !s.events.Next() {
		if err := s.events.Err(); err != nil {
			return domain.StreamChunk{}, fmt.Errorf("openai: read stream: %w", err)
		}
		s.done = true
		return domain.StreamChunk{}, io.EOF
	}

	// Only the first choice is relayed; n>1 is never requested.
	var out domain.StreamChunk
	chunk := s.events.Current()
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		out.Content = choice.Delta.Content
		out.FinishReason = string(choice.FinishReason)
	}
	return out, nil
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		if s.events != nil {
			s.closeErr = s.events.Close()
		}
	})
	return s.closeErr
}
