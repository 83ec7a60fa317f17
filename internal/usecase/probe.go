package usecase

import (
	"context"
	"strings"

	"chat-relay/internal/domain"
)

const (
	ProbeModel     = "gpt-3.5-turbo"
	probePrompt    = "Say 'Hello, OpenAI API is working!'"
	probeMaxTokens = 50
)

type ProbeOutput struct {
	Response string
	Model    string
}

// Probe checks that apiKey can complete a short non-streaming request.
func (s *RelayService) Probe(ctx context.Context, apiKey string) (ProbeOutput, error) {
	if strings.TrimSpace(apiKey) == "" {
		return ProbeOutput{}, newError(ErrorInvalidInput, "API key required", nil)
	}
	client, err := s.newClient(apiKey)
	if err != nil {
		return ProbeOutput{}, newError(ErrorUpstream, "client_init_error", err)
	}
	answer, err := client.Chat(ctx, ProbeModel, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: probePrompt},
	}, probeMaxTokens)
	if err != nil {
		return ProbeOutput{}, newError(ErrorUpstream, "probe_error", err)
	}
	return ProbeOutput{Response: answer, Model: ProbeModel}, nil
}
