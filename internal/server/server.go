// Package server exposes the gateway over HTTP: submit and cancel
// generations, read conversation history and follow replies as
// server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatgate/internal/eventbus"
	"chatgate/internal/llm"
	"chatgate/internal/memory"
	"chatgate/internal/session"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	defaultHistory      = 50
	eventBuffer         = 64
	eventWriteTimeout   = 10 * time.Second
)

// Backend is what the server drives. The application implements it.
type Backend interface {
	Send(conversationID, provider, text string) error
	Cancel(conversationID string) bool
	State(conversationID string) session.State
	Records(ctx context.Context, conversationID string, limit int) ([]memory.Record, error)
}

// Server serves the gateway's HTTP API on one address.
type Server struct {
	backend Backend
	bus     *eventbus.Bus
	app     *echo.Echo
	addr    string
}

// New constructs an HTTP server wired with routes and middleware.
func New(addr string, backend Backend, bus *eventbus.Bus) (*Server, error) {
	if backend == nil {
		return nil, errors.New("backend must not be nil")
	}
	if bus == nil {
		return nil, errors.New("event bus must not be nil")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[server] %s %s %d %dms", v.Method, v.URI, v.Status, v.Latency.Milliseconds())
			return nil
		},
	}))

	s := &Server{
		backend: backend,
		bus:     bus,
		app:     e,
		addr:    addr,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log.Printf("[server] listening on http://%s", s.addr)

	httpServer := &http.Server{
		Addr:        s.addr,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/conversations/:id", s.handleConversation)
	s.app.POST("/v1/conversations/:id/messages", s.handleSend)
	s.app.DELETE("/v1/conversations/:id/generation", s.handleCancel)
	s.app.GET("/v1/conversations/:id/events", s.handleEvents)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type sendRequest struct {
	Text     string `json:"text"`
	Provider string `json:"provider,omitempty"`
}

type messageView struct {
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	GenerationID string    `json:"generation_id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	TotalTokens  int       `json:"total_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type conversationView struct {
	ID       string        `json:"id"`
	State    string        `json:"state"`
	Messages []messageView `json:"messages"`
}

func (s *Server) handleConversation(c echo.Context) error {
	id := c.Param("id")
	limit := defaultHistory
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return requestError{Status: http.StatusBadRequest, Message: "limit must be a positive integer", Type: "invalid_request_error"}
		}
		limit = n
	}

	records, err := s.backend.Records(c.Request().Context(), id, limit)
	if err != nil {
		log.Printf("[server] failed to load %s: %v", id, err)
		return requestError{Status: http.StatusInternalServerError, Message: "failed to load conversation", Type: "server_error"}
	}

	view := conversationView{ID: id, State: s.backend.State(id).String(), Messages: make([]messageView, 0, len(records))}
	for _, r := range records {
		view.Messages = append(view.Messages, messageView{
			Role:         r.Message.Role,
			Content:      r.Message.Content,
			GenerationID: r.GenerationID,
			Provider:     r.Provider,
			Model:        r.Model,
			TotalTokens:  r.Usage.TotalTokens,
			CreatedAt:    r.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleSend(c echo.Context) error {
	var req sendRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return requestError{Status: http.StatusBadRequest, Message: "text is required", Type: "invalid_request_error"}
	}

	id := c.Param("id")
	if err := s.backend.Send(id, req.Provider, req.Text); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"conversation_id": id, "state": s.backend.State(id).String()})
}

func (s *Server) handleCancel(c echo.Context) error {
	if !s.backend.Cancel(c.Param("id")) {
		return requestError{Status: http.StatusNotFound, Message: "no generation in progress", Type: "not_found_error"}
	}
	return c.NoContent(http.StatusNoContent)
}

// handleEvents streams the generation events of one conversation until the
// client disconnects or falls too far behind to receive a terminal event.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return requestError{Status: http.StatusInternalServerError, Message: "server does not support streaming responses", Type: "server_error"}
	}

	ctx := c.Request().Context()
	queue := newEventQueue(id, eventBuffer)
	for _, topic := range []eventbus.Topic{eventbus.TopicPartial, eventbus.TopicFinal, eventbus.TopicError, eventbus.TopicCancelled} {
		unsubscribe := s.bus.Subscribe(topic, queue.push)
		defer unsubscribe()
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(writer)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-queue.Lagged():
			log.Printf("[server] events of %s: client fell behind, closing stream", id)
			return nil
		case e := <-queue.events:
			// Not every writer supports deadlines; without one a stalled
			// client only costs this handler.
			_ = rc.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			name, payload := eventView(e)
			if err := writeSSEEvent(writer, name, payload); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func conversationOf(payload any) string {
	switch p := payload.(type) {
	case eventbus.Partial:
		return p.ConversationID
	case eventbus.Final:
		return p.ConversationID
	case eventbus.Failure:
		return p.ConversationID
	case eventbus.Cancelled:
		return p.ConversationID
	}
	return ""
}

func eventView(e eventbus.Event) (string, any) {
	switch p := e.Payload.(type) {
	case eventbus.Partial:
		return "partial", map[string]string{"content": p.Content}
	case eventbus.Final:
		return "final", map[string]any{
			"id":            p.Result.ID,
			"provider":      p.Result.Provider,
			"model":         p.Result.Model,
			"content":       p.Result.Message.Content,
			"finish_reason": p.Result.FinishReason,
			"usage": map[string]int{
				"prompt_tokens":     p.Result.Usage.PromptTokens,
				"completion_tokens": p.Result.Usage.CompletionTokens,
				"total_tokens":      p.Result.Usage.TotalTokens,
			},
		}
	case eventbus.Failure:
		return "error", map[string]any{
			"category":  p.Err.Category,
			"message":   p.Err.UserMessage,
			"retryable": p.Err.Retryable,
		}
	default:
		return "cancelled", map[string]string{}
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{Status: http.StatusBadRequest, Message: "request body is required", Type: "invalid_request_error"}
		}
		return requestError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid JSON payload: %v", err), Type: "invalid_request_error"}
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{Status: http.StatusBadRequest, Message: "request body must contain a single JSON object", Type: "invalid_request_error"}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	return c.JSON(status, payload)
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error")
		return
	}
	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, session.ErrGenerationInProgress):
		return requestError{Status: http.StatusConflict, Message: err.Error(), Type: "conflict_error"}
	case errors.Is(err, session.ErrGatewayClosed):
		return requestError{Status: http.StatusServiceUnavailable, Message: err.Error(), Type: "server_error"}
	}
	var ce *llm.ClassifiedError
	if errors.As(err, &ce) {
		return requestError{Status: http.StatusBadGateway, Message: ce.UserMessage, Type: strings.ToLower(string(ce.Category))}
	}
	return requestError{Status: http.StatusInternalServerError, Message: "internal server error", Type: "server_error"}
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
