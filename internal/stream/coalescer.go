// Package stream merges incremental tokens into one in-progress assistant
// message per conversation.
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chatgate/internal/llm"
)

var (
	// ErrStreamInProgress is returned by Begin while another session for the
	// same conversation is live.
	ErrStreamInProgress = errors.New("a response is already streaming for this conversation")

	// ErrSessionClosed is returned when tokens arrive after the session was
	// finalized or cancelled.
	ErrSessionClosed = errors.New("stream session is closed")
)

// Coalescer tracks at most one live Session per conversation.
type Coalescer struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoalescer creates an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{sessions: make(map[string]*Session)}
}

// Begin opens a session for conversationID. cancel aborts the underlying
// transport and may be nil. publish receives the accumulated content after
// every token; it is called with the session locked and must not call back
// into the session.
func (c *Coalescer) Begin(conversationID string, cancel context.CancelFunc, publish func(partial string)) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[conversationID]; ok {
		return nil, ErrStreamInProgress
	}
	s := &Session{
		owner:          c,
		conversationID: conversationID,
		cancel:         cancel,
		publish:        publish,
		active:         true,
	}
	c.sessions[conversationID] = s
	return s, nil
}

// Cancel cancels the live session of conversationID, if any.
func (c *Coalescer) Cancel(conversationID string) bool {
	c.mu.Lock()
	s, ok := c.sessions[conversationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// Active reports whether conversationID has a live session.
func (c *Coalescer) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[conversationID]
	return ok
}

func (c *Coalescer) release(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.conversationID] == s {
		delete(c.sessions, s.conversationID)
	}
}

// Session is one streaming generation. Its content has a single writer:
// every mutation happens under mu, in call order.
type Session struct {
	owner          *Coalescer
	conversationID string
	cancel         context.CancelFunc
	publish        func(string)

	mu      sync.Mutex
	content strings.Builder
	tokens  int
	active  bool
}

// OnToken appends chunk and republishes the partial message.
func (s *Session) OnToken(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrSessionClosed
	}
	if chunk == "" {
		return nil
	}
	s.content.WriteString(chunk)
	s.tokens++
	if s.publish != nil {
		s.publish(s.content.String())
	}
	return nil
}

// Content returns the content accumulated so far.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// Tokens returns the number of chunks applied.
func (s *Session) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Active reports whether the session still accepts tokens.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Finalize closes the session and returns the final result. The accumulated
// content is authoritative: it is what was published. result may be nil when
// the transport reported no aggregate.
func (s *Session) Finalize(result *llm.GenerationResult) (*llm.GenerationResult, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.active = false
	content := s.content.String()
	s.mu.Unlock()
	s.owner.release(s)

	var out llm.GenerationResult
	if result != nil {
		out = *result
	}
	if content != "" {
		out.Message = llm.Message{Role: llm.RoleAssistant, Content: content}
	}
	if out.Message.Content == "" {
		return nil, llm.NewError(llm.CategoryModel, "", llm.ErrEmptyCompletion)
	}
	out.Message.Role = llm.RoleAssistant
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.Usage = out.Usage.Normalize()
	return &out, nil
}

// Cancel aborts the transport and discards the partial content. No tokens
// are applied once Cancel returns.
func (s *Session) Cancel() {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.content.Reset()
	s.mu.Unlock()
	if wasActive && s.cancel != nil {
		s.cancel()
	}
	s.owner.release(s)
}

// abandon closes the session after a transport failure without cancelling
// the caller's context.
func (s *Session) abandon() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.owner.release(s)
}

// Consume applies events in order until the final event, then finalizes.
// On a transport error or a cancelled ctx the session is closed without a
// result.
func (s *Session) Consume(ctx context.Context, events <-chan llm.StreamEvent) (*llm.GenerationResult, error) {
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return nil, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				s.abandon()
				return nil, llm.NewError(llm.CategoryNetwork, "The response stream ended unexpectedly. Please try again.", io.ErrUnexpectedEOF)
			}
			if evt.Done {
				if evt.Error != nil {
					s.abandon()
					return nil, evt.Error
				}
				return s.Finalize(evt.Result)
			}
			if err := s.OnToken(evt.ContentDelta); err != nil {
				return nil, err
			}
		}
	}
}
