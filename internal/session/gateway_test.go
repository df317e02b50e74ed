package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatgate/internal/llm"
	"chatgate/internal/ratelimit"
	"chatgate/internal/retry"
)

const testKey = "sk-test0123456789abcdefghij"

type stubProvider struct {
	mu     sync.Mutex
	calls  int
	chat   func(ctx context.Context, call int) (*llm.GenerationResult, error)
	stream func(ctx context.Context, call int) (<-chan llm.StreamEvent, error)
}

func (s *stubProvider) Name() string { return llm.ProviderOpenAI }

func (s *stubProvider) next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.calls
}

func (s *stubProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubProvider) Chat(ctx context.Context, _ *llm.GenerationRequest) (*llm.GenerationResult, error) {
	return s.chat(ctx, s.next())
}

func (s *stubProvider) StreamChat(ctx context.Context, _ *llm.GenerationRequest) (<-chan llm.StreamEvent, error) {
	return s.stream(ctx, s.next())
}

// recordingSink appends terminal messages the way a conversation store would.
type recordingSink struct {
	mu       sync.Mutex
	messages []llm.Message
	errs     []*llm.ClassifiedError
	partials []string
	partialC chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{partialC: make(chan string, 16)}
}

func (r *recordingSink) OnPartial(_ string, partial string) {
	r.mu.Lock()
	r.partials = append(r.partials, partial)
	r.mu.Unlock()
	r.partialC <- partial
}

func (r *recordingSink) OnFinal(_ string, res *llm.GenerationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, res.Message)
}

func (r *recordingSink) OnError(_ string, err *llm.ClassifiedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.messages = append(r.messages, llm.Message{Role: llm.RoleSystem, Content: err.UserMessage})
}

func (r *recordingSink) snapshot() ([]llm.Message, []*llm.ClassifiedError, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Message(nil), r.messages...), append([]*llm.ClassifiedError(nil), r.errs...), append([]string(nil), r.partials...)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestGateway(t *testing.T, stub *stubProvider, mutate func(cfg *Config)) (*Gateway, *recordingSink) {
	t.Helper()
	reg := llm.NewRegistry(llm.RegistryConfig{})
	reg.RegisterBuilder(llm.ProviderOpenAI, func(llm.AdapterConfig) (llm.Provider, error) {
		return stub, nil
	})
	sink := newRecordingSink()
	retryOpts := retry.DefaultOptions()
	retryOpts.Sleep = noSleep
	cfg := Config{
		Providers: reg,
		Limiter:   ratelimit.New(ratelimit.Options{Sleep: noSleep}),
		Sink:      sink,
		Retry:     retryOpts,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gw.Close)
	return gw, sink
}

func chatRequest(stream bool) *llm.GenerationRequest {
	return &llm.GenerationRequest{
		Provider: llm.ProviderOpenAI,
		Model:    "gpt-4",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
		Stream:   stream,
		APIKey:   testKey,
	}
}

func reply(content string) *llm.GenerationResult {
	return &llm.GenerationResult{ID: "gen-1", Model: "gpt-4", Message: llm.Message{Role: llm.RoleAssistant, Content: content}}
}

func TestRetriedGenerationAppendsOneMessage(t *testing.T) {
	stub := &stubProvider{chat: func(_ context.Context, call int) (*llm.GenerationResult, error) {
		if call <= 2 {
			return nil, errors.New("503 Service Unavailable")
		}
		return reply("Hello!"), nil
	}}
	gw, sink := newTestGateway(t, stub, nil)

	if err := gw.Submit(context.Background(), "c1", chatRequest(false)); err != nil {
		t.Fatal(err)
	}
	gw.Wait("c1")

	msgs, errs, _ := sink.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if len(msgs) != 1 || msgs[0].Role != llm.RoleAssistant || msgs[0].Content != "Hello!" {
		t.Fatalf("expected one assistant message, got %+v", msgs)
	}
	if stub.Calls() != 3 {
		t.Fatalf("expected 3 provider calls, got %d", stub.Calls())
	}
	if gw.State("c1") != StateIdle {
		t.Fatalf("expected idle, got %s", gw.State("c1"))
	}
}

func tokenStream(ctx context.Context, tokens []string, pauseAt int, release <-chan struct{}) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		for i, tok := range tokens {
			if i == pauseAt {
				select {
				case <-release:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- llm.StreamEvent{ContentDelta: tok}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.StreamEvent{Done: true, Result: reply(strings.Join(tokens, ""))}:
		case <-ctx.Done():
		}
	}()
	return ch
}

func waitPartial(t *testing.T, sink *recordingSink) string {
	t.Helper()
	select {
	case p := <-sink.partialC:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a partial")
		return ""
	}
}

func TestStreamingPublishesPartials(t *testing.T) {
	stub := &stubProvider{stream: func(ctx context.Context, _ int) (<-chan llm.StreamEvent, error) {
		return tokenStream(ctx, []string{"Hel", "lo", " wor", "ld"}, -1, nil), nil
	}}
	gw, sink := newTestGateway(t, stub, nil)

	if err := gw.Submit(context.Background(), "c1", chatRequest(true)); err != nil {
		t.Fatal(err)
	}
	gw.Wait("c1")

	msgs, _, partials := sink.snapshot()
	if len(msgs) != 1 || msgs[0].Content != "Hello world" {
		t.Fatalf("expected the streamed reply, got %+v", msgs)
	}
	if len(partials) != 4 || partials[3] != "Hello world" {
		t.Fatalf("unexpected partials %v", partials)
	}
}

func TestCancelStreamingAfterTwoTokens(t *testing.T) {
	release := make(chan struct{})
	stub := &stubProvider{stream: func(ctx context.Context, _ int) (<-chan llm.StreamEvent, error) {
		return tokenStream(ctx, []string{"one ", "two ", "three ", "four ", "five"}, 2, release), nil
	}}
	gw, sink := newTestGateway(t, stub, nil)

	if err := gw.Submit(context.Background(), "c1", chatRequest(true)); err != nil {
		t.Fatal(err)
	}
	waitPartial(t, sink)
	waitPartial(t, sink)
	if gw.State("c1") != StateStreaming {
		t.Fatalf("expected streaming, got %s", gw.State("c1"))
	}

	if !gw.Cancel("c1") {
		t.Fatal("expected cancel to find an in-flight generation")
	}
	close(release)
	gw.Wait("c1")

	msgs, errs, partials := sink.snapshot()
	if len(msgs) != 0 || len(errs) != 0 {
		t.Fatalf("cancelled generation must not append messages, got %+v %v", msgs, errs)
	}
	if len(partials) != 2 {
		t.Fatalf("no tokens may be applied after cancel, got %v", partials)
	}
	if gw.State("c1") != StateIdle {
		t.Fatalf("expected idle, got %s", gw.State("c1"))
	}
	if stub.Calls() != 1 {
		t.Fatalf("cancel must suppress retries, got %d calls", stub.Calls())
	}
}

func TestSubmitWhileBusyIsRejected(t *testing.T) {
	release := make(chan struct{})
	stub := &stubProvider{chat: func(ctx context.Context, _ int) (*llm.GenerationResult, error) {
		select {
		case <-release:
			return reply("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	gw, sink := newTestGateway(t, stub, nil)

	if err := gw.Submit(context.Background(), "c1", chatRequest(false)); err != nil {
		t.Fatal(err)
	}
	if err := gw.Submit(context.Background(), "c1", chatRequest(false)); !errors.Is(err, ErrGenerationInProgress) {
		t.Fatalf("expected ErrGenerationInProgress, got %v", err)
	}
	if err := gw.Submit(context.Background(), "c2", chatRequest(false)); err != nil {
		t.Fatalf("other conversations must not be blocked: %v", err)
	}

	close(release)
	gw.Wait("c1")
	gw.Wait("c2")

	msgs, _, _ := sink.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("expected one message per conversation, got %+v", msgs)
	}
	if err := gw.Submit(context.Background(), "c1", chatRequest(false)); err != nil {
		t.Fatalf("idle conversation should accept a new submit: %v", err)
	}
	gw.Wait("c1")
}

func TestFailuresAppendOneSystemMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		req      func() *llm.GenerationRequest
		category llm.Category
		calls    int
	}{
		{"auth", errors.New("401 Unauthorized: invalid api key"), func() *llm.GenerationRequest { return chatRequest(false) }, llm.CategoryAuthentication, 1},
		{"quota", errors.New("insufficient_quota"), func() *llm.GenerationRequest { return chatRequest(false) }, llm.CategoryQuota, 1},
		{"exhausted", errors.New("503 Service Unavailable"), func() *llm.GenerationRequest { return chatRequest(false) }, llm.CategoryServer, 3},
		{"validation", nil, func() *llm.GenerationRequest {
			r := chatRequest(false)
			r.Messages = nil
			return r
		}, llm.CategoryValidation, 0},
		{"missing key", nil, func() *llm.GenerationRequest {
			r := chatRequest(false)
			r.APIKey = ""
			return r
		}, llm.CategoryAuthentication, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubProvider{chat: func(context.Context, int) (*llm.GenerationResult, error) {
				return nil, tt.err
			}}
			gw, sink := newTestGateway(t, stub, nil)

			if err := gw.Submit(context.Background(), "c1", tt.req()); err != nil {
				t.Fatal(err)
			}
			gw.Wait("c1")

			msgs, errs, _ := sink.snapshot()
			if len(msgs) != 1 || msgs[0].Role != llm.RoleSystem {
				t.Fatalf("expected one system message, got %+v", msgs)
			}
			if errs[0].Category != tt.category {
				t.Fatalf("expected %s, got %s", tt.category, errs[0].Category)
			}
			if msgs[0].Content != errs[0].UserMessage {
				t.Fatal("system message must carry the user message")
			}
			if stub.Calls() != tt.calls {
				t.Fatalf("expected %d calls, got %d", tt.calls, stub.Calls())
			}
			if gw.State("c1") != StateIdle {
				t.Fatalf("failed generation left state %s", gw.State("c1"))
			}
		})
	}
}

func TestStreamRetriedOnlyBeforeFirstToken(t *testing.T) {
	stub := &stubProvider{stream: func(ctx context.Context, call int) (<-chan llm.StreamEvent, error) {
		ch := make(chan llm.StreamEvent, 2)
		if call == 1 {
			ch <- llm.StreamEvent{Done: true, Error: llm.Classify(errors.New("502 Bad Gateway"))}
			close(ch)
			return ch, nil
		}
		return tokenStream(ctx, []string{"ok"}, -1, nil), nil
	}}
	gw, sink := newTestGateway(t, stub, nil)
	gw.Submit(context.Background(), "c1", chatRequest(true))
	gw.Wait("c1")

	msgs, _, _ := sink.snapshot()
	if len(msgs) != 1 || msgs[0].Content != "ok" || stub.Calls() != 2 {
		t.Fatalf("expected retry before the first token, got %+v after %d calls", msgs, stub.Calls())
	}

	stub = &stubProvider{stream: func(ctx context.Context, _ int) (<-chan llm.StreamEvent, error) {
		ch := make(chan llm.StreamEvent, 2)
		ch <- llm.StreamEvent{ContentDelta: "partial"}
		ch <- llm.StreamEvent{Done: true, Error: llm.Classify(errors.New("connection reset by peer"))}
		close(ch)
		return ch, nil
	}}
	gw, sink = newTestGateway(t, stub, nil)
	gw.Submit(context.Background(), "c1", chatRequest(true))
	gw.Wait("c1")

	msgs, errs, _ := sink.snapshot()
	if stub.Calls() != 1 {
		t.Fatalf("stream must not be retried after tokens were published, got %d calls", stub.Calls())
	}
	if len(msgs) != 1 || errs[0].Category != llm.CategoryNetwork {
		t.Fatalf("expected one NETWORK system message, got %+v", msgs)
	}
}

func TestAttemptTimeout(t *testing.T) {
	stub := &stubProvider{chat: func(ctx context.Context, _ int) (*llm.GenerationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	gw, sink := newTestGateway(t, stub, func(cfg *Config) {
		cfg.AttemptTimeout = 20 * time.Millisecond
		cfg.Retry.MaxAttempts = 2
	})

	gw.Submit(context.Background(), "c1", chatRequest(false))
	gw.Wait("c1")

	_, errs, _ := sink.snapshot()
	if len(errs) != 1 || errs[0].Category != llm.CategoryTimeout {
		t.Fatalf("expected one TIMEOUT error, got %v", errs)
	}
	if stub.Calls() != 2 {
		t.Fatalf("timeouts should be retried, got %d calls", stub.Calls())
	}
}

func TestStreamFirstTokenTimeout(t *testing.T) {
	stub := &stubProvider{stream: func(ctx context.Context, _ int) (<-chan llm.StreamEvent, error) {
		ch := make(chan llm.StreamEvent, 1)
		go func() {
			defer close(ch)
			<-ctx.Done()
			ch <- llm.StreamEvent{Done: true, Error: ctx.Err()}
		}()
		return ch, nil
	}}
	gw, sink := newTestGateway(t, stub, func(cfg *Config) {
		cfg.AttemptTimeout = 20 * time.Millisecond
		cfg.Retry.MaxAttempts = 1
	})

	gw.Submit(context.Background(), "c1", chatRequest(true))
	gw.Wait("c1")

	_, errs, _ := sink.snapshot()
	if len(errs) != 1 || errs[0].Category != llm.CategoryTimeout {
		t.Fatalf("expected TIMEOUT, got %v", errs)
	}
}

func TestRateLimitExhaustedIsNotRetried(t *testing.T) {
	stub := &stubProvider{chat: func(context.Context, int) (*llm.GenerationResult, error) {
		return reply("hi"), nil
	}}
	gw, sink := newTestGateway(t, stub, func(cfg *Config) {
		cfg.Limiter = ratelimit.New(ratelimit.Options{
			Limits: map[string]ratelimit.Config{llm.ProviderOpenAI: {MaxRequests: 1, Window: time.Minute}},
			Sleep:  noSleep,
		})
	})

	gw.Submit(context.Background(), "c1", chatRequest(false))
	gw.Wait("c1")
	gw.Submit(context.Background(), "c1", chatRequest(false))
	gw.Wait("c1")

	msgs, errs, _ := sink.snapshot()
	if len(msgs) != 2 || len(errs) != 1 || errs[0].Category != llm.CategoryRateLimit {
		t.Fatalf("expected a reply then a RATE_LIMIT message, got %+v", msgs)
	}
	if stub.Calls() != 1 {
		t.Fatalf("rejected request must not reach the provider, got %d calls", stub.Calls())
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	stub := &stubProvider{chat: func(ctx context.Context, _ int) (*llm.GenerationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	gw, sink := newTestGateway(t, stub, nil)

	if gw.Cancel("c1") {
		t.Fatal("nothing to cancel yet")
	}
	gw.Submit(context.Background(), "c1", chatRequest(false))
	gw.Close()

	if err := gw.Submit(context.Background(), "c1", chatRequest(false)); !errors.Is(err, ErrGatewayClosed) {
		t.Fatalf("expected ErrGatewayClosed, got %v", err)
	}
	msgs, _, _ := sink.snapshot()
	if len(msgs) != 0 {
		t.Fatalf("closing must not append messages, got %+v", msgs)
	}
}

func TestRequestIsCopiedOnSubmit(t *testing.T) {
	release := make(chan struct{})
	var seen string
	reg := llm.NewRegistry(llm.RegistryConfig{})
	stub := &stubProvider{}
	reg.RegisterBuilder(llm.ProviderOpenAI, func(llm.AdapterConfig) (llm.Provider, error) {
		return &capturingProvider{stubProvider: stub, seen: &seen, release: release}, nil
	})
	sink := newRecordingSink()
	gw, err := New(Config{Providers: reg, Sink: sink, Retry: retry.Options{MaxAttempts: 1, Sleep: noSleep}})
	if err != nil {
		t.Fatal(err)
	}
	defer gw.Close()

	req := chatRequest(false)
	gw.Submit(context.Background(), "c1", req)
	req.Messages[0].Content = "mutated"
	close(release)
	gw.Wait("c1")

	if seen != "Hi" {
		t.Fatalf("provider saw %q, submitted requests must be immutable", seen)
	}
}

type capturingProvider struct {
	*stubProvider
	seen    *string
	release chan struct{}
}

func (c *capturingProvider) Chat(_ context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	<-c.release
	*c.seen = req.Messages[0].Content
	return reply("ok"), nil
}

func TestStateString(t *testing.T) {
	if StateAwaitingRateLimit.String() != "awaiting_rate_limit" || State(99).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}

func TestProviderPanicBecomesFailure(t *testing.T) {
	stub := &stubProvider{chat: func(context.Context, int) (*llm.GenerationResult, error) {
		var m map[string]int
		m["boom"]++
		return reply("unreachable"), nil
	}}
	gw, sink := newTestGateway(t, stub, nil)

	if err := gw.Submit(context.Background(), "c1", chatRequest(false)); err != nil {
		t.Fatal(err)
	}
	gw.Wait("c1")

	msgs, errs, _ := sink.snapshot()
	if len(errs) != 1 || errs[0].Category != llm.CategoryUnknown {
		t.Fatalf("expected one UNKNOWN failure, got %+v", errs)
	}
	if len(msgs) != 1 || msgs[0].Role != llm.RoleSystem {
		t.Fatalf("expected one system message, got %+v", msgs)
	}
	if gw.State("c1") != StateIdle {
		t.Fatalf("expected idle, got %s", gw.State("c1"))
	}
	if stub.Calls() != 1 {
		t.Fatalf("a panic must not be retried, got %d calls", stub.Calls())
	}
}

func TestStreamPanicReleasesConversation(t *testing.T) {
	stub := &stubProvider{stream: func(ctx context.Context, call int) (<-chan llm.StreamEvent, error) {
		if call == 1 {
			panic("stream exploded")
		}
		return tokenStream(ctx, []string{"ok"}, -1, nil), nil
	}}
	gw, sink := newTestGateway(t, stub, nil)

	gw.Submit(context.Background(), "c1", chatRequest(true))
	gw.Wait("c1")
	if err := gw.Submit(context.Background(), "c1", chatRequest(true)); err != nil {
		t.Fatalf("conversation should accept a submit after a panic: %v", err)
	}
	gw.Wait("c1")

	msgs, errs, _ := sink.snapshot()
	if len(errs) != 1 || len(msgs) != 2 || msgs[1].Content != "ok" {
		t.Fatalf("expected a failure then a reply, got %+v / %+v", msgs, errs)
	}
}

func TestIdleControllersAreDropped(t *testing.T) {
	stub := &stubProvider{chat: func(context.Context, int) (*llm.GenerationResult, error) {
		return reply("hi"), nil
	}}
	gw, _ := newTestGateway(t, stub, nil)

	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		if err := gw.Submit(context.Background(), id, chatRequest(false)); err != nil {
			t.Fatal(err)
		}
		gw.Wait(id)
	}

	gw.mu.Lock()
	n := len(gw.controllers)
	gw.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no controllers once idle, got %d", n)
	}
}

func TestSubmitFuncRunsOnlyWhenAdmitted(t *testing.T) {
	release := make(chan struct{})
	stub := &stubProvider{chat: func(ctx context.Context, _ int) (*llm.GenerationResult, error) {
		<-release
		return reply("done"), nil
	}}
	gw, sink := newTestGateway(t, stub, nil)

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	if err := gw.SubmitFunc(context.Background(), "c1", chatRequest(false), func() { record("first") }); err != nil {
		t.Fatal(err)
	}
	err := gw.SubmitFunc(context.Background(), "c1", chatRequest(false), func() { record("second") })
	if !errors.Is(err, ErrGenerationInProgress) {
		t.Fatalf("expected ErrGenerationInProgress, got %v", err)
	}
	close(release)
	gw.Wait("c1")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("callback must run once for the admitted submit, got %v", order)
	}
	if msgs, _, _ := sink.snapshot(); len(msgs) != 1 {
		t.Fatalf("expected one reply, got %+v", msgs)
	}
}

type labelObserver struct {
	nopObserver
	mu      sync.Mutex
	started []string
}

func (o *labelObserver) GenerationStarted(provider string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, provider)
}

func TestUnknownProviderMetricLabel(t *testing.T) {
	obs := &labelObserver{}
	stub := &stubProvider{}
	gw, sink := newTestGateway(t, stub, func(cfg *Config) { cfg.Observer = obs })

	req := chatRequest(false)
	req.Provider = "made-up-provider-123"
	if err := gw.Submit(context.Background(), "c1", req); err != nil {
		t.Fatal(err)
	}
	gw.Wait("c1")

	_, errs, _ := sink.snapshot()
	if len(errs) != 1 || errs[0].Category != llm.CategoryValidation {
		t.Fatalf("expected a VALIDATION failure, got %+v", errs)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.started) != 1 || obs.started[0] != unknownProvider {
		t.Fatalf("expected the %q label, got %v", unknownProvider, obs.started)
	}
	if stub.Calls() != 0 {
		t.Fatalf("unknown provider must not reach an adapter, got %d calls", stub.Calls())
	}
}
