package llm

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// streamAccumulator is owned by one adapter goroutine. It forwards token
// events in order and builds the aggregated result sent as the final event.
type streamAccumulator struct {
	provider     string
	req          *GenerationRequest
	id           string
	model        string
	finishReason string
	usage        Usage
	content      strings.Builder
}

func newStreamAccumulator(provider string, req *GenerationRequest) *streamAccumulator {
	return &streamAccumulator{provider: provider, req: req, model: req.Model}
}

// push forwards one delta. It returns false once the consumer is gone.
func (a *streamAccumulator) push(ctx context.Context, ch chan<- StreamEvent, delta string) bool {
	a.content.WriteString(delta)
	return send(ctx, ch, StreamEvent{ContentDelta: delta})
}

func (a *streamAccumulator) fail(ctx context.Context, ch chan<- StreamEvent, err error) {
	send(ctx, ch, StreamEvent{Done: true, Error: err})
}

func (a *streamAccumulator) finish(ctx context.Context, ch chan<- StreamEvent) {
	content := a.content.String()
	if content == "" {
		a.fail(ctx, ch, emptyCompletionError(a.provider))
		return
	}
	id := a.id
	if id == "" {
		id = uuid.NewString()
	}
	send(ctx, ch, StreamEvent{
		Done: true,
		Result: &GenerationResult{
			ID:           id,
			Model:        a.model,
			Provider:     a.provider,
			Message:      Message{Role: RoleAssistant, Content: content},
			Usage:        usageOrEstimate(a.usage, a.req, content),
			FinishReason: a.finishReason,
		},
	})
}

func send(ctx context.Context, ch chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
