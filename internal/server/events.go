package server

import (
	"sync"

	"chatgate/internal/eventbus"
)

// eventQueue buffers the events of one SSE subscriber. Push never blocks:
// the bus delivers on the generation goroutine, so a client that stops
// reading must not hold a conversation in Finalizing.
type eventQueue struct {
	conversationID string
	events         chan eventbus.Event

	once   sync.Once
	lagged chan struct{}
}

func newEventQueue(conversationID string, size int) *eventQueue {
	return &eventQueue{
		conversationID: conversationID,
		events:         make(chan eventbus.Event, size),
		lagged:         make(chan struct{}),
	}
}

// push enqueues e if it belongs to the queue's conversation. A partial that
// does not fit is dropped; the next one carries the whole reply so far. A
// terminal event that does not fit marks the subscriber as lagged and the
// stream is ended so the client reloads the conversation.
func (q *eventQueue) push(e eventbus.Event) {
	if conversationOf(e.Payload) != q.conversationID {
		return
	}
	select {
	case q.events <- e:
		return
	default:
	}
	if e.Topic != eventbus.TopicPartial {
		q.once.Do(func() { close(q.lagged) })
	}
}

// Lagged is closed once a terminal event had to be dropped.
func (q *eventQueue) Lagged() <-chan struct{} {
	return q.lagged
}
