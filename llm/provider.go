// Package llm abstracts the chat completion provider behind a small
// interface so agents can be tested against a scripted fake and deployed
// against any OpenAI-compatible endpoint.
package llm

import "context"

// Message roles follow the chat completion convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion call.
type Request struct {
	Messages    []Message
	Temperature float32
	MaxTokens   int

	// JSONMode asks the provider to return a single JSON object.
	JSONMode bool
}

// Response is the provider's answer plus token accounting for rate
// limiting.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens is the combined token cost of the call.
func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Provider is a chat completion backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string

	// Available reports whether the provider is configured. Callers fall
	// back to deterministic behaviour when it is not.
	Available() bool
}
