package eventbus

import (
	"time"

	"chatgate/internal/llm"
)

// Topic represents an event topic.
type Topic string

const (
	TopicUserMessage Topic = "user_message"
	TopicPartial     Topic = "generation_partial"
	TopicFinal       Topic = "generation_final"
	TopicError       Topic = "generation_error"
	TopicCancelled   Topic = "generation_cancelled"
	TopicConfig      Topic = "config_reloaded"
)

// Event is a message passed through the event bus.
type Event struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Handler processes an event.
type Handler func(Event)

// UserMessage is published when a user turn is appended to a conversation.
type UserMessage struct {
	ConversationID string
	Message        llm.Message
}

// Partial carries the in-progress content of a streaming reply.
type Partial struct {
	ConversationID string
	Content        string
}

// Final carries a completed generation.
type Final struct {
	ConversationID string
	Result         *llm.GenerationResult
}

// Failure carries a classified generation failure.
type Failure struct {
	ConversationID string
	Err            *llm.ClassifiedError
}

// Message returns the system-role message that represents the failure in the
// conversation. The raw cause is never included.
func (f Failure) Message() llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: f.Err.UserMessage}
}

// Cancelled is published when a user aborts a generation. The gateway emits
// no outcome for cancelled generations, so front-ends learn of it here.
type Cancelled struct {
	ConversationID string
}

// ConfigReloaded is published after the config file was reloaded.
type ConfigReloaded struct {
	Path string
}
