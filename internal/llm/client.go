// Package llm produces model turns from Ollama and OpenAI-compatible
// backends behind one interface.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends one non-streaming chat request and returns the reply.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
