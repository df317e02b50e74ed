package memory

import (
	"context"
	"log"
	"time"

	"chatgate/internal/eventbus"
)

// Recorder persists conversation turns published on the bus: user messages,
// final replies and the system message of failed generations.
type Recorder struct {
	store   Store
	timeout time.Duration
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, timeout: 5 * time.Second}
}

// Attach subscribes the recorder to bus. The returned function detaches it.
func (r *Recorder) Attach(bus *eventbus.Bus) (detach func()) {
	unsubs := []func(){
		bus.Subscribe(eventbus.TopicUserMessage, r.handle),
		bus.Subscribe(eventbus.TopicFinal, r.handle),
		bus.Subscribe(eventbus.TopicError, r.handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *Recorder) handle(e eventbus.Event) {
	var (
		conversationID string
		rec            Record
	)
	switch p := e.Payload.(type) {
	case eventbus.UserMessage:
		conversationID = p.ConversationID
		rec = Record{Message: p.Message}
	case eventbus.Final:
		conversationID = p.ConversationID
		rec = Record{
			Message:      p.Result.Message,
			GenerationID: p.Result.ID,
			Provider:     p.Result.Provider,
			Model:        p.Result.Model,
			Usage:        p.Result.Usage,
		}
	case eventbus.Failure:
		conversationID = p.ConversationID
		rec = Record{Message: p.Message()}
	default:
		return
	}
	rec.CreatedAt = e.Timestamp

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Append(ctx, conversationID, rec); err != nil {
		log.Printf("[memory] failed to save %s message for %s: %v", rec.Message.Role, conversationID, err)
	}
}
