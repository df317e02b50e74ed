package llm

import (
	"math"
	"unicode/utf8"
)

// Message roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// Provider names understood by the registry.
const (
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderGoogle      = "google"
	ProviderMistral     = "mistral"
	ProviderGroq        = "groq"
	ProviderHuggingFace = "huggingface"
	ProviderCompatible  = "compatible"
)

// DefaultMaxTokens is used when a request leaves MaxTokens at zero.
const DefaultMaxTokens = 1024

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "function"
	Content string `json:"content"`
}

// GenerationRequest is the normalized input for one generation.
// It must not be modified after it has been submitted.
type GenerationRequest struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"max_tokens"`
	Stream       bool      `json:"stream"`

	// APIKey and BaseURL override the credential store and the provider
	// default endpoint. Both are optional.
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Normalize fills TotalTokens when the provider did not report it.
func (u Usage) Normalize() Usage {
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	if u.TotalTokens <= 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// GenerationResult is the normalized output of a generation.
type GenerationResult struct {
	ID           string  `json:"id"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	Message      Message `json:"message"`
	Usage        Usage   `json:"usage"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// StreamEvent is one element of a streaming response. Token events carry
// ContentDelta; the last event on the channel has Done set together with
// either the aggregated Result or an Error.
type StreamEvent struct {
	ContentDelta string
	Done         bool
	Result       *GenerationResult
	Error        error
}

// EstimateTokens approximates a token count as ceil(chars/4).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(n) / 4))
}

// estimatePromptTokens approximates prompt usage over all messages.
func estimatePromptTokens(req *GenerationRequest) int {
	chars := utf8.RuneCountInString(req.SystemPrompt)
	for _, m := range req.Messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	return int(math.Ceil(float64(chars) / 4))
}

// usageOrEstimate keeps provider-reported numbers and estimates the rest.
func usageOrEstimate(reported Usage, req *GenerationRequest, completion string) Usage {
	u := reported
	if u.PromptTokens <= 0 {
		u.PromptTokens = estimatePromptTokens(req)
	}
	if u.CompletionTokens <= 0 {
		u.CompletionTokens = EstimateTokens(completion)
	}
	if reported.TotalTokens > 0 && reported.PromptTokens > 0 && reported.CompletionTokens > 0 {
		return u.Normalize()
	}
	u.TotalTokens = 0
	return u.Normalize()
}
