package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// AnthropicProvider implements Provider using the Anthropic API.
type AnthropicProvider struct {
	client anthropic.Client
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, NewError(CategoryAuthentication, "", &providerError{provider: ProviderAnthropic, err: ErrMissingAPIKey})
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}, nil
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) Chat(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	return p.convertResponse(req, resp)
}

func (p *AnthropicProvider) StreamChat(ctx context.Context, req *GenerationRequest) (<-chan StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()

		acc := newStreamAccumulator(ProviderAnthropic, req)
		for stream.Next() {
			event := stream.Current()
			switch e := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				acc.id = e.Message.ID
				if e.Message.Model != "" {
					acc.model = string(e.Message.Model)
				}
				acc.usage.PromptTokens = int(e.Message.Usage.InputTokens)
			case anthropic.ContentBlockDeltaEvent:
				if e.Delta.Type == "text_delta" && e.Delta.Text != "" {
					if !acc.push(ctx, ch, e.Delta.Text) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				acc.finishReason = string(e.Delta.StopReason)
				if e.Usage.OutputTokens > 0 {
					acc.usage.CompletionTokens = int(e.Usage.OutputTokens)
				}
			}
		}
		if err := stream.Err(); err != nil {
			acc.fail(ctx, ch, classifyAnthropicError(err))
			return
		}
		acc.finish(ctx, ch)
	}()

	return ch, nil
}

func (p *AnthropicProvider) buildParams(req *GenerationRequest) anthropic.MessageNewParams {
	system, messages := p.convertMessages(req)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.maxTokens()),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

// convertMessages lifts system messages into the system prompt and merges
// consecutive turns of the same speaker, which the Messages API requires.
func (p *AnthropicProvider) convertMessages(req *GenerationRequest) (string, []anthropic.MessageParam) {
	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}

	var (
		msgs      []anthropic.MessageParam
		lastRole  string
		pending   []anthropic.ContentBlockParamUnion
		flushTurn = func() {
			if len(pending) == 0 {
				return
			}
			if lastRole == RoleAssistant {
				msgs = append(msgs, anthropic.NewAssistantMessage(pending...))
			} else {
				msgs = append(msgs, anthropic.NewUserMessage(pending...))
			}
			pending = nil
		}
	)

	for _, m := range req.Messages {
		role := m.Role
		text := m.Content
		switch role {
		case RoleSystem:
			system = append(system, m.Content)
			continue
		case RoleFunction:
			role = RoleUser
			text = functionResultText(m.Content)
		}
		if role != lastRole {
			flushTurn()
			lastRole = role
		}
		pending = append(pending, anthropic.NewTextBlock(text))
	}
	flushTurn()

	return strings.Join(system, "\n\n"), msgs
}

func (p *AnthropicProvider) convertResponse(req *GenerationRequest, resp *anthropic.Message) (*GenerationResult, error) {
	var content strings.Builder
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(b.Text)
		}
	}
	if content.Len() == 0 {
		return nil, emptyCompletionError(ProviderAnthropic)
	}

	id := resp.ID
	if id == "" {
		id = uuid.NewString()
	}
	model := string(resp.Model)
	if model == "" {
		model = req.Model
	}

	reported := Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}

	return &GenerationResult{
		ID:           id,
		Model:        model,
		Provider:     ProviderAnthropic,
		Message:      Message{Role: RoleAssistant, Content: content.String()},
		Usage:        usageOrEstimate(reported, req, content.String()),
		FinishReason: string(resp.StopReason),
	}, nil
}

func classifyAnthropicError(err error) *ClassifiedError {
	return Classify(&providerError{provider: ProviderAnthropic, err: err})
}
