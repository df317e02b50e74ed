package eventbus

import "chatgate/internal/llm"

// Sink publishes generation outcomes on the bus. It satisfies session.Sink,
// so storage and front-ends subscribe to topics instead of being called by
// the gateway directly.
type Sink struct {
	bus *Bus
}

// NewSink creates a sink that publishes on bus.
func NewSink(bus *Bus) *Sink {
	return &Sink{bus: bus}
}

func (s *Sink) OnPartial(conversationID, partial string) {
	s.bus.Publish(TopicPartial, Partial{ConversationID: conversationID, Content: partial})
}

func (s *Sink) OnFinal(conversationID string, result *llm.GenerationResult) {
	s.bus.Publish(TopicFinal, Final{ConversationID: conversationID, Result: result})
}

func (s *Sink) OnError(conversationID string, err *llm.ClassifiedError) {
	s.bus.Publish(TopicError, Failure{ConversationID: conversationID, Err: err})
}
