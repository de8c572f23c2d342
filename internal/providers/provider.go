// Package providers implements the uniform chat contract over a local,
// Ollama-compatible model server and a remote Anthropic model, plus the
// context-size/error-kind classification shared by the agent loop and the
// task runner.
package providers

import (
	"context"

	"github.com/localagent/corvid/internal/models"
)

// ChatOptions carries the per-call knobs the agent loop may set.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int

	// OnToken is invoked as response text arrives. Providers that do not
	// stream call it once with the full content before returning.
	OnToken func(string)
}

// ChatRequest is what the agent loop hands to a provider.
type ChatRequest struct {
	SystemPrompt string
	Messages     []models.Message
	Tools        []models.ToolDefinition
	Options      ChatOptions
}

// LLMProvider is the uniform contract every model backend implements.
// Chat may return a *ContextSizeError when the request overflowed the
// model's window; any other failure is a plain (possibly *ProviderError)
// error.
type LLMProvider interface {
	Name() string
	ContextLength() int
	Chat(ctx context.Context, req ChatRequest) (models.ChatResponse, error)
}
