package channel

import (
	"context"
	"time"
)

// InboundMessage is a line of user input received from a channel.
type InboundMessage struct {
	ChannelName    string
	ConversationID string
	Text           string
	Timestamp      time.Time
}

// Channel is a chat front-end. It hands user input to the registered
// handlers and renders generation events it receives from the bus.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnMessage(handler func(InboundMessage))
	OnCancel(handler func(conversationID string))
	IsRunning() bool
}
