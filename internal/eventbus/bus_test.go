package eventbus

import (
	"errors"
	"sync"
	"testing"

	"chatgate/internal/llm"
)

func TestPubSub(t *testing.T) {
	bus := New()
	var received []Event
	var mu sync.Mutex

	bus.Subscribe(TopicPartial, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	bus.Publish(TopicPartial, "hello")
	bus.Publish(TopicPartial, "world")

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[0].Payload != "hello" {
		t.Fatalf("expected 'hello', got %v", received[0].Payload)
	}
	if received[1].Payload != "world" {
		t.Fatalf("expected 'world', got %v", received[1].Payload)
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := New()
	count := 0

	for i := 0; i < 3; i++ {
		bus.Subscribe(TopicError, func(e Event) {
			count++
		})
	}

	bus.Publish(TopicError, "test")
	if count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	var a, b int
	unsubA := bus.Subscribe(TopicFinal, func(Event) { a++ })
	bus.Subscribe(TopicFinal, func(Event) { b++ })

	bus.Publish(TopicFinal, nil)
	unsubA()
	unsubA()
	bus.Publish(TopicFinal, nil)

	if a != 1 || b != 2 {
		t.Fatalf("expected a=1 b=2, got a=%d b=%d", a, b)
	}
}

func TestPublishAsync(t *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		bus.Subscribe(TopicUserMessage, func(Event) { wg.Done() })
	}
	bus.PublishAsync(TopicUserMessage, nil)
	wg.Wait()
}

func TestUnsubscribedTopic(t *testing.T) {
	bus := New()
	// Should not panic
	bus.Publish(TopicCancelled, "no subscribers")
}

func TestSinkPublishesOutcomes(t *testing.T) {
	bus := New()
	sink := NewSink(bus)

	var events []Event
	for _, topic := range []Topic{TopicPartial, TopicFinal, TopicError} {
		bus.Subscribe(topic, func(e Event) { events = append(events, e) })
	}

	sink.OnPartial("c1", "Hel")
	sink.OnFinal("c1", &llm.GenerationResult{Message: llm.Message{Role: llm.RoleAssistant, Content: "Hello"}})
	sink.OnError("c2", llm.NewError(llm.CategoryAuthentication, "", errors.New("401")))

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if p := events[0].Payload.(Partial); p.Content != "Hel" || p.ConversationID != "c1" {
		t.Fatalf("unexpected partial %+v", p)
	}
	if f := events[1].Payload.(Final); f.Result.Message.Content != "Hello" {
		t.Fatalf("unexpected final %+v", f)
	}
	failure := events[2].Payload.(Failure)
	msg := failure.Message()
	if msg.Role != llm.RoleSystem || msg.Content != failure.Err.UserMessage {
		t.Fatalf("unexpected failure message %+v", msg)
	}
}
