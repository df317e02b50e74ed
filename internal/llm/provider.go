package llm

import (
	"context"
	"strings"
)

// Provider is the interface all LLM backends must implement.
type Provider interface {
	// Chat sends a generation request and returns the full response.
	Chat(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)

	// StreamChat sends a streaming generation request. Token events are
	// delivered in arrival order; the final event has Done set and carries
	// either the aggregated Result or an Error. The channel is closed after
	// the final event.
	StreamChat(ctx context.Context, req *GenerationRequest) (<-chan StreamEvent, error)

	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// Embedder is implemented by providers that can create embeddings.
type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float64, error)
}

var validRoles = map[string]bool{
	RoleSystem:    true,
	RoleUser:      true,
	RoleAssistant: true,
	RoleFunction:  true,
}

// Validate checks a request before any network call is made.
func (r *GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return validationError("model must be specified")
	}
	if len(r.Messages) == 0 {
		return validationError("at least one message is required")
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return validationError("message %d has unsupported role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return validationError("message %d has empty content", i)
		}
	}
	if r.Temperature < 0 || r.Temperature > 1 {
		return validationError("temperature must be between 0 and 1, got %g", r.Temperature)
	}
	if r.MaxTokens < 0 {
		return validationError("max tokens must be positive, got %d", r.MaxTokens)
	}
	return nil
}

func (r *GenerationRequest) maxTokens() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}

// emptyCompletionError is returned when a provider answers without content.
func emptyCompletionError(provider string) *ClassifiedError {
	return NewError(CategoryModel, "The model returned an empty response. Please try again or choose a different model.",
		&providerError{provider: provider, err: ErrEmptyCompletion})
}

// providerError prefixes an underlying error with the provider name while
// keeping it matchable with errors.Is.
type providerError struct {
	provider string
	err      error
}

func (e *providerError) Error() string { return e.provider + ": " + e.err.Error() }
func (e *providerError) Unwrap() error { return e.err }
