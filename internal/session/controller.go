package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"chatgate/internal/llm"
	"chatgate/internal/retry"
	"chatgate/internal/security"
)

// Controller owns the generation state of one conversation.
type Controller struct {
	id string
	g  *Gateway

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func newController(id string, g *Gateway) *Controller {
	return &Controller{id: id, g: g}
}

// admit claims an idle controller for a new generation. The gateway calls it
// with its own lock held so admission and eviction cannot interleave.
func (c *Controller) admit(ctx context.Context) (context.Context, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return nil, nil, ErrGenerationInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.state = StateAwaitingRateLimit
	c.cancel = cancel
	c.cancelled = false
	c.done = make(chan struct{})
	return runCtx, c.done, nil
}

// Cancel aborts the in-flight generation. Nothing is delivered to the sink
// for a cancelled generation. It reports whether there was anything to cancel.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	if !c.state.busy() {
		c.mu.Unlock()
		return false
	}
	c.cancelled = true
	cancel := c.cancel
	c.mu.Unlock()

	// Stop applying tokens before the transport notices the cancellation.
	c.g.coalescer.Cancel(c.id)
	cancel()
	return true
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until the current generation, if any, is back to Idle.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.busy() {
		c.state = s
	}
}

func (c *Controller) run(ctx context.Context, req *llm.GenerationRequest, done chan struct{}) {
	defer c.release(done)

	settings := c.g.snapshot()
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	start := time.Now()
	settings.observer.GenerationStarted(metricLabel(settings, provider))

	result, err := c.safeGenerate(ctx, provider, req, settings)
	c.finish(ctx, provider, start, result, err, settings)
}

// release returns the controller to Idle and drops it from the gateway; the
// next submit for the conversation starts from a fresh controller.
func (c *Controller) release(done chan struct{}) {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateIdle
	c.cancel()
	close(done)
	if c.g.controllers[c.id] == c {
		delete(c.g.controllers, c.id)
	}
}

// safeGenerate turns a panic in an adapter, a builder or the stream consumer
// into an ordinary failure of this generation.
func (c *Controller) safeGenerate(ctx context.Context, provider string, req *llm.GenerationRequest, s settings) (result *llm.GenerationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session] %s: panic during generation on %s: %v\n%s", c.id, provider, r, debug.Stack())
			result, err = nil, llm.NewError(llm.CategoryUnknown, "", fmt.Errorf("provider panic: %v", r))
		}
	}()
	return c.generate(ctx, provider, req, s)
}

// metricLabel keeps caller-supplied provider names out of metric labels.
func metricLabel(s settings, provider string) string {
	if s.providers.Known(provider) {
		return provider
	}
	return unknownProvider
}

func (c *Controller) generate(ctx context.Context, provider string, req *llm.GenerationRequest, s settings) (*llm.GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !s.providers.Known(provider) {
		return nil, llm.NewError(llm.CategoryValidation, "", fmt.Errorf("unknown provider %q", provider))
	}
	key, err := s.providers.ResolveAPIKey(provider, req.APIKey)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.CheckLimit(ctx, provider, security.Fingerprint(key)); err != nil {
		if ctx.Err() == nil {
			s.observer.RateLimited(provider)
		}
		return nil, err
	}
	c.setState(StateCalling)

	opts := s.retry
	opts.OnRetry = func(attempt int, delay time.Duration, ce *llm.ClassifiedError) {
		s.observer.Retried(provider, ce.Category)
		log.Printf("[session] %s: attempt %d on %s failed (%s), retrying in %s: %s",
			c.id, attempt, provider, ce.Category, delay, s.redactor.RedactError(ce.Cause))
	}

	return retry.Do(ctx, func(ctx context.Context, attempt int) (*llm.GenerationResult, error) {
		p, err := s.providers.CreateProvider(provider, key, req.BaseURL)
		if err != nil {
			return nil, err
		}
		if req.Stream {
			return c.stream(ctx, p, req, provider, s)
		}
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		return p.Chat(ctx, req)
	}, opts)
}

// stream runs one streaming attempt. Until the first token arrives the
// attempt is bounded by the timeout and may be retried; once tokens have
// been published a failure is terminal so partial output is never repeated.
func (c *Controller) stream(ctx context.Context, p llm.Provider, req *llm.GenerationRequest, provider string, s settings) (*llm.GenerationResult, error) {
	attemptCtx, cancelAttempt := context.WithCancelCause(ctx)
	defer cancelAttempt(nil)

	var timer *time.Timer
	if s.timeout > 0 {
		timeout := s.timeout
		timer = time.AfterFunc(timeout, func() {
			cancelAttempt(llm.NewError(llm.CategoryTimeout, "",
				fmt.Errorf("%s: no response within %s", provider, timeout)))
		})
		defer timer.Stop()
	}

	events, err := p.StreamChat(attemptCtx, req)
	if err != nil {
		return nil, attemptError(ctx, attemptCtx, err)
	}

	var started bool
	sess, err := c.g.coalescer.Begin(c.id, func() { cancelAttempt(context.Canceled) }, func(partial string) {
		if !started {
			started = true
			if timer != nil {
				timer.Stop()
			}
		}
		s.observer.TokenStreamed(provider)
		s.sink.OnPartial(c.id, partial)
	})
	if err != nil {
		return nil, retry.Permanent(err)
	}
	defer func() {
		if r := recover(); r != nil {
			sess.Cancel()
			panic(r)
		}
	}()
	c.setState(StateStreaming)

	result, err := sess.Consume(attemptCtx, events)
	if err != nil {
		err = attemptError(ctx, attemptCtx, err)
		if sess.Tokens() > 0 {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return result, nil
}

// attemptError prefers the cancellation cause of an attempt (a timeout)
// over the transport's generic context error.
func attemptError(parent, attempt context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if cause := context.Cause(attempt); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func (c *Controller) finish(ctx context.Context, provider string, start time.Time, result *llm.GenerationResult, err error, s settings) {
	c.mu.Lock()
	cancelled := c.cancelled || ctx.Err() != nil
	switch {
	case cancelled:
	case err != nil:
		c.state = StateErrored
	default:
		c.state = StateFinalizing
	}
	c.mu.Unlock()

	elapsed := time.Since(start)
	label := metricLabel(s, provider)
	if cancelled {
		log.Printf("[session] %s: generation on %s cancelled", c.id, provider)
		s.observer.GenerationFinished(label, OutcomeCancelled, elapsed, llm.Usage{})
		return
	}

	if err != nil {
		ce := llm.Classify(err)
		log.Printf("[session] %s: generation on %s failed (%s): %s",
			c.id, provider, ce.Category, s.redactor.RedactError(ce.Cause))
		s.observer.GenerationFinished(label, OutcomeError, elapsed, llm.Usage{})
		s.sink.OnError(c.id, ce)
		return
	}

	if result.Provider == "" {
		result.Provider = provider
	}
	log.Printf("[session] %s: %s replied in %s (%d tokens)", c.id, provider, elapsed.Round(time.Millisecond), result.Usage.TotalTokens)
	s.observer.GenerationFinished(label, OutcomeSuccess, elapsed, result.Usage)
	s.sink.OnFinal(c.id, result)
}

func cloneRequest(req *llm.GenerationRequest) *llm.GenerationRequest {
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	return &cp
}

// noLimit admits everything; used when no limiter is configured.
type noLimit struct{}

func (noLimit) CheckLimit(context.Context, string, string) error { return nil }
