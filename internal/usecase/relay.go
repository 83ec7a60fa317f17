package usecase

import (
	"context"
	"errors"
	"io"
	"strings"

	"chat-relay/internal/domain"
)

// DefaultModel is used when neither the request nor configuration names one.
const DefaultModel = "gpt-4.1-mini"

// ChunkReader is a pull-based provider stream. Recv returns io.EOF once the
// provider signals completion.
type ChunkReader interface {
	Recv() (domain.StreamChunk, error)
	Close() error
}

type LLMClient interface {
	StreamChat(ctx context.Context, model string, messages []domain.ChatMessage) (ChunkReader, error)
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, maxTokens int) (string, error)
}

// ClientFactory builds a provider client bound to one caller credential.
type ClientFactory func(apiKey string) (LLMClient, error)

type RelayInput struct {
	DeveloperMessage string
	UserMessage      string
	Model            string
	APIKey           string
}

type RelayService struct {
	newClient    ClientFactory
	defaultModel string
}

func NewRelayService(newClient ClientFactory, defaultModel string) (*RelayService, error) {
	if newClient == nil {
		return nil, errors.New("usecase: client factory must not be nil")
	}
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return &RelayService{newClient: newClient, defaultModel: defaultModel}, nil
}

// DefaultModel returns the model used when a request leaves it blank.
func (s *RelayService) DefaultModel() string {
	return s.defaultModel
}

// Relay opens a streaming completion for in and returns the fragment stream.
// The caller owns the stream and must Close it.
func (s *RelayService) Relay(ctx context.Context, in RelayInput) (*FragmentStream, error) {
	if strings.TrimSpace(in.UserMessage) == "" {
		return nil, newError(ErrorInvalidInput, "user_message is required", nil)
	}
	if strings.TrimSpace(in.APIKey) == "" {
		return nil, newError(ErrorInvalidInput, "api_key is required", nil)
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = s.defaultModel
	}

	client, err := s.newClient(in.APIKey)
	if err != nil {
		return nil, newError(ErrorUpstream, "client_init_error", err)
	}
	reader, err := client.StreamChat(ctx, model, BuildMessages(in.DeveloperMessage, in.UserMessage))
	if err != nil {
		return nil, newError(ErrorUpstream, "stream_open_error", err)
	}
	return &FragmentStream{reader: reader}, nil
}

// BuildMessages returns [developer?, user]. A blank developer message is
// dropped.
func BuildMessages(developerMessage, userMessage string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, 2)
	if strings.TrimSpace(developerMessage) != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleDeveloper, Content: developerMessage})
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: userMessage})
}

// FragmentStream yields the non-empty text fragments of one completion in
// arrival order. It is not safe for concurrent use.
type FragmentStream struct {
	reader       ChunkReader
	fragments    int
	finishReason string
}

// Next returns the next fragment, io.EOF at the end of the completion, or an
// *Error with ErrorUpstream when the provider stream fails.
func (f *FragmentStream) Next() (string, error) {
	for {
		chunk, err := f.reader.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", newError(ErrorUpstream, "stream_read_error", err)
		}
		if chunk.FinishReason != "" {
			f.finishReason = chunk.FinishReason
		}
		if chunk.Content == "" {
			continue
		}
		f.fragments++
		return chunk.Content, nil
	}
}

// Fragments reports how many fragments Next has returned so far.
func (f *FragmentStream) Fragments() int {
	return f.fragments
}

// FinishReason is the provider's stop reason ("stop", "length", ...), empty
// until the provider has sent one.
func (f *FragmentStream) FinishReason() string {
	return f.finishReason
}

func (f *FragmentStream) Close() error {
	return f.reader.Close()
}
