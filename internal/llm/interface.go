package llm

import "context"

// LLMClient is the completion surface agents and pipeline stages use.
// Keeping it narrow lets tests substitute a scripted client.
type LLMClient interface {
	// Complete sends a single chat completion request
	Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error)

	// CompleteWithRetry retries retryable failures, then falls back to
	// the secondary model if one is configured
	CompleteWithRetry(ctx context.Context, messages []ChatMessage) (*ChatResponse, error)

	// CompleteWithSystem is a convenience method for system + user prompts
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// ParseJSONResponse extracts and parses JSON from LLM response content
	ParseJSONResponse(content string, target interface{}) error
}

// Embedder produces embedding vectors for semantic recall
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

var _ LLMClient = (*Client)(nil)

var _ Embedder = (*Client)(nil)
