// Package session runs generations per conversation: one in flight at a
// time, rate limited, retried, optionally streamed, and always ending in
// exactly one outcome delivered to a Sink.
package session

import (
	"context"
	"errors"
	"time"

	"chatgate/internal/llm"
)

// State is the lifecycle position of a conversation's generation.
type State int

const (
	StateIdle State = iota
	StateAwaitingRateLimit
	StateCalling
	StateStreaming
	StateFinalizing
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRateLimit:
		return "awaiting_rate_limit"
	case StateCalling:
		return "calling"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// busy reports whether a generation is in flight and can still be cancelled.
func (s State) busy() bool {
	return s == StateAwaitingRateLimit || s == StateCalling || s == StateStreaming
}

var (
	// ErrGenerationInProgress rejects a submit while the conversation is
	// already generating.
	ErrGenerationInProgress = errors.New("a response is already being generated for this conversation")

	// ErrGatewayClosed rejects submits after Close.
	ErrGatewayClosed = errors.New("gateway is closed")
)

// Sink receives the outcome of generations. Exactly one of OnFinal or
// OnError is called per accepted submit, unless it was cancelled.
// Callbacks run on the generation goroutine and must not call back into the
// Gateway synchronously.
type Sink interface {
	OnPartial(conversationID, partial string)
	OnFinal(conversationID string, result *llm.GenerationResult)
	OnError(conversationID string, err *llm.ClassifiedError)
}

// ProviderSource resolves credentials and builds adapters. *llm.Registry
// implements it.
type ProviderSource interface {
	Known(name string) bool
	ResolveAPIKey(name, apiKey string) (string, error)
	CreateProvider(name, apiKey, baseURL string) (llm.Provider, error)
}

// RateLimiter admits requests per provider and key. *ratelimit.Limiter
// implements it.
type RateLimiter interface {
	CheckLimit(ctx context.Context, provider, key string) error
}

// Observer is notified of generation milestones. It may be nil.
type Observer interface {
	GenerationStarted(provider string)
	GenerationFinished(provider, outcome string, elapsed time.Duration, usage llm.Usage)
	Retried(provider string, category llm.Category)
	RateLimited(provider string)
	TokenStreamed(provider string)
}

// unknownProvider is the metric label for provider names the source does
// not know.
const unknownProvider = "unknown"

// Outcomes reported to Observer.GenerationFinished.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

type nopObserver struct{}

func (nopObserver) GenerationStarted(string) {}
func (nopObserver) GenerationFinished(string, string, time.Duration, llm.Usage) {}
func (nopObserver) Retried(string, llm.Category) {}
func (nopObserver) RateLimited(string) {}
func (nopObserver) TokenStreamed(string) {}
