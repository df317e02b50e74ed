package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatgate/internal/llm"
	"chatgate/internal/retry"
	"chatgate/internal/security"
	"chatgate/internal/stream"
)

// Config wires a Gateway. Providers and Sink are required.
type Config struct {
	Providers ProviderSource
	Limiter   RateLimiter
	Sink      Sink
	Coalescer *stream.Coalescer
	Retry     retry.Options

	// AttemptTimeout bounds a non-streaming call, or the wait for the first
	// token of a stream. Zero disables it.
	AttemptTimeout time.Duration

	Observer Observer
	Redactor *security.Redactor
}

// settings is the per-generation snapshot of the gateway configuration.
type settings struct {
	providers ProviderSource
	limiter   RateLimiter
	sink      Sink
	retry     retry.Options
	timeout   time.Duration
	observer  Observer
	redactor  *security.Redactor
}

// Gateway routes submits to one Controller per conversation. Conversations
// generate concurrently and independently.
type Gateway struct {
	coalescer *stream.Coalescer

	mu          sync.Mutex
	cfg         settings
	controllers map[string]*Controller
	closed      bool
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Providers == nil {
		return nil, errors.New("session: provider source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session: sink is required")
	}
	if cfg.Coalescer == nil {
		cfg.Coalescer = stream.NewCoalescer()
	}
	g := &Gateway{
		coalescer:   cfg.Coalescer,
		controllers: make(map[string]*Controller),
	}
	g.cfg = settings{
		providers: cfg.Providers,
		limiter:   cfg.Limiter,
		sink:      cfg.Sink,
		retry:     cfg.Retry,
		timeout:   cfg.AttemptTimeout,
		observer:  cfg.Observer,
		redactor:  cfg.Redactor,
	}
	if g.cfg.limiter == nil {
		g.cfg.limiter = noLimit{}
	}
	if g.cfg.observer == nil {
		g.cfg.observer = nopObserver{}
	}
	if g.cfg.redactor == nil {
		g.cfg.redactor = security.NewRedactor()
	}
	if r := cfg.Retry; r.MaxAttempts == 0 && r.InitialDelay == 0 {
		g.cfg.retry = retry.DefaultOptions()
		g.cfg.retry.Sleep = r.Sleep
	}
	return g, nil
}

func (g *Gateway) snapshot() settings {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// SetRetryOptions replaces the retry policy for generations started later.
func (g *Gateway) SetRetryOptions(opts retry.Options) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.retry = opts
}

// SetAttemptTimeout replaces the per-attempt timeout for later generations.
func (g *Gateway) SetAttemptTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.timeout = d
}

func (g *Gateway) controllerLocked(conversationID string) *Controller {
	c, ok := g.controllers[conversationID]
	if !ok {
		c = newController(conversationID, g)
		g.controllers[conversationID] = c
	}
	return c
}

// Submit starts a generation for conversationID. It returns
// ErrGenerationInProgress while that conversation is busy and
// ErrGatewayClosed after Close; every other outcome goes to the sink.
func (g *Gateway) Submit(ctx context.Context, conversationID string, req *llm.GenerationRequest) error {
	return g.SubmitFunc(ctx, conversationID, req, nil)
}

// SubmitFunc is Submit with a callback that runs once the submit has been
// admitted and before the generation starts, so whatever it records comes
// ahead of the outcome. accepted is not called for rejected submits.
func (g *Gateway) SubmitFunc(ctx context.Context, conversationID string, req *llm.GenerationRequest, accepted func()) error {
	if req == nil {
		return errors.New("nil generation request")
	}
	req = cloneRequest(req)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	c := g.controllerLocked(conversationID)
	runCtx, done, err := c.admit(ctx)
	g.mu.Unlock()
	if err != nil {
		return err
	}

	if accepted != nil {
		accepted()
	}
	go c.run(runCtx, req, done)
	return nil
}

// Cancel aborts the generation of conversationID, if any.
func (g *Gateway) Cancel(conversationID string) bool {
	g.mu.Lock()
	c, ok := g.controllers[conversationID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return c.Cancel()
}

// State returns the state of conversationID.
func (g *Gateway) State(conversationID string) State {
	g.mu.Lock()
	c, ok := g.controllers[conversationID]
	g.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return c.State()
}

// Wait blocks until conversationID is idle.
func (g *Gateway) Wait(conversationID string) {
	g.mu.Lock()
	c, ok := g.controllers[conversationID]
	g.mu.Unlock()
	if ok {
		c.Wait()
	}
}

// Close rejects further submits, cancels every in-flight generation and
// waits for them to wind down.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	controllers := make([]*Controller, 0, len(g.controllers))
	for _, c := range g.controllers {
		controllers = append(controllers, c)
	}
	g.mu.Unlock()

	for _, c := range controllers {
		c.Cancel()
	}
	for _, c := range controllers {
		c.Wait()
	}
}
