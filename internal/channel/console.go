package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"chatgate/internal/eventbus"
)

const prompt = "> "

// ConsoleChannel reads user turns line by line and prints replies as they
// stream in. "/cancel" aborts the running generation and "/quit" ends the
// session.
type ConsoleChannel struct {
	in             io.Reader
	out            io.Writer
	conversationID string

	mu       sync.Mutex
	handler  func(InboundMessage)
	onCancel func(string)
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	printed  int // runes of the current partial already written
}

// NewConsoleChannel creates a console bound to one conversation.
func NewConsoleChannel(in io.Reader, out io.Writer, conversationID string) *ConsoleChannel {
	return &ConsoleChannel{
		in:             in,
		out:            out,
		conversationID: conversationID,
		done:           make(chan struct{}),
	}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	go c.readLoop(ctx)
	return nil
}

func (c *ConsoleChannel) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	return nil
}

// Done is closed once input is exhausted or the user quits.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ConsoleChannel) OnMessage(handler func(InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *ConsoleChannel) OnCancel(handler func(conversationID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCancel = handler
}

func (c *ConsoleChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Attach renders generation events for this console's conversation. The
// returned function detaches it.
func (c *ConsoleChannel) Attach(bus *eventbus.Bus) (detach func()) {
	unsubs := []func(){
		bus.Subscribe(eventbus.TopicPartial, c.render),
		bus.Subscribe(eventbus.TopicFinal, c.render),
		bus.Subscribe(eventbus.TopicError, c.render),
		bus.Subscribe(eventbus.TopicCancelled, c.render),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *ConsoleChannel) render(e eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch p := e.Payload.(type) {
	case eventbus.Partial:
		if p.ConversationID != c.conversationID {
			return
		}
		c.writeDelta(p.Content)
	case eventbus.Final:
		if p.ConversationID != c.conversationID {
			return
		}
		c.writeDelta(p.Result.Message.Content)
		fmt.Fprintf(c.out, "\n\n%s", prompt)
		c.printed = 0
	case eventbus.Failure:
		if p.ConversationID != c.conversationID {
			return
		}
		fmt.Fprintf(c.out, "\n[system]: %s\n\n%s", p.Err.UserMessage, prompt)
		c.printed = 0
	case eventbus.Cancelled:
		if p.ConversationID != c.conversationID {
			return
		}
		fmt.Fprintf(c.out, "\n[cancelled]\n\n%s", prompt)
		c.printed = 0
	}
}

// writeDelta prints the part of content not yet on screen. Partials carry
// the accumulated reply, so only the suffix is new.
func (c *ConsoleChannel) writeDelta(content string) {
	runes := []rune(content)
	if c.printed == 0 {
		fmt.Fprint(c.out, "\n")
	}
	if len(runes) > c.printed {
		fmt.Fprint(c.out, string(runes[c.printed:]))
		c.printed = len(runes)
	}
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	defer close(c.done)

	scanner := bufio.NewScanner(c.in)
	fmt.Fprint(c.out, prompt)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())

		c.mu.Lock()
		handler, onCancel := c.handler, c.onCancel
		c.mu.Unlock()

		switch text {
		case "":
			fmt.Fprint(c.out, prompt)
			continue
		case "/quit", "/exit":
			return
		case "/cancel":
			if onCancel != nil {
				onCancel(c.conversationID)
			}
			continue
		}

		if handler != nil {
			handler(InboundMessage{
				ChannelName:    c.Name(),
				ConversationID: c.conversationID,
				Text:           text,
				Timestamp:      time.Now(),
			})
		}
	}
}
