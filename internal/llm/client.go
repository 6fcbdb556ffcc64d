// Package llm is the provider abstraction the agent loop talks to. It
// defines a provider-neutral request and response shape and an Ollama
// implementation.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends one chat completion request and returns the model's
	// reply. Errors are wrapped with the provider's context.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition

	// MaxTokens caps the reply length. Zero leaves the provider default.
	MaxTokens int
	// Temperature is passed through unchanged, zero included. Nil leaves
	// the provider default.
	Temperature *float64
}
