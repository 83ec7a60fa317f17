package domain

const (
	RoleDeveloper = "developer"
	RoleUser      = "user"
)

// ChatMessage is the provider-agnostic chat message shape used by the relay
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one decoded unit of a streaming completion. Content is empty
// for role-only deltas, finish frames and usage frames.
type StreamChunk struct {
	Content      string
	FinishReason string
}
