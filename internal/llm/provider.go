package llm

import "context"

// Provider defines the interface for LLM providers.
type Provider interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Stream sends a completion request and invokes onDelta for each
	// incremental text fragment as it arrives. The returned response
	// carries the full concatenated content. The token stream is finite
	// and not restartable; callers that need the output again must use
	// the returned response.
	Stream(ctx context.Context, req CompletionRequest, onDelta func(text string)) (*CompletionResponse, error)
	// Name returns the name of this provider.
	Name() string
}
