package server

import (
	"testing"
	"time"

	"chatgate/internal/eventbus"
	"chatgate/internal/llm"
)

func TestEventQueueFiltersConversation(t *testing.T) {
	q := newEventQueue("c1", 4)
	q.push(eventbus.Event{Topic: eventbus.TopicPartial, Payload: eventbus.Partial{ConversationID: "c2", Content: "x"}})
	q.push(eventbus.Event{Topic: eventbus.TopicPartial, Payload: eventbus.Partial{ConversationID: "c1", Content: "y"}})

	if len(q.events) != 1 {
		t.Fatalf("expected one queued event, got %d", len(q.events))
	}
}

func TestEventQueueDropsPartialsWhenFull(t *testing.T) {
	q := newEventQueue("c1", 1)
	for i := 0; i < 3; i++ {
		q.push(eventbus.Event{Topic: eventbus.TopicPartial, Payload: eventbus.Partial{ConversationID: "c1", Content: "x"}})
	}
	select {
	case <-q.Lagged():
		t.Fatal("dropped partials must not end the stream")
	default:
	}
}

func TestUnreadSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := eventbus.New()
	q := newEventQueue("c1", eventBuffer)
	unsubscribe := bus.Subscribe(eventbus.TopicFinal, q.push)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBuffer*2; i++ {
			bus.Publish(eventbus.TopicFinal, eventbus.Final{ConversationID: "c1", Result: &llm.GenerationResult{ID: "gen"}})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a subscriber that never reads")
	}
	select {
	case <-q.Lagged():
	default:
		t.Fatal("expected the subscriber to be marked as lagged")
	}
}
