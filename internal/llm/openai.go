package llm

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default endpoints of providers that speak the OpenAI wire protocol.
const (
	groqBaseURL        = "https://api.groq.com/openai/v1/"
	mistralBaseURL     = "https://api.mistral.ai/v1/"
	huggingFaceBaseURL = "https://router.huggingface.co/v1/"
)

// OpenAIProvider implements Provider using the OpenAI API.
// Groq, Mistral, the HuggingFace router and any compatible endpoint
// (Ollama, LM Studio, vLLM) are served by the same adapter via BaseURL.
type OpenAIProvider struct {
	client         openai.Client
	name           string
	includeUsage   bool
	embeddingModel string
	embeddingDims  int
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	Name                string
	APIKey              string
	BaseURL             string
	HTTPClient          *http.Client
	EmbeddingModel      string
	EmbeddingDimensions int
}

// NewOpenAIProvider creates a new OpenAI-protocol provider. It fails with an
// AUTHENTICATION error when no API key is supplied.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	name := cfg.Name
	if name == "" {
		name = ProviderOpenAI
	}
	if cfg.APIKey == "" {
		return nil, NewError(CategoryAuthentication, "", &providerError{provider: name, err: ErrMissingAPIKey})
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL(name)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries belong to the retry orchestrator
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		switch name {
		case ProviderMistral:
			embeddingModel = "mistral-embed"
		default:
			embeddingModel = "text-embedding-3-small"
		}
	}

	return &OpenAIProvider{
		client:         openai.NewClient(opts...),
		name:           name,
		includeUsage:   name == ProviderOpenAI,
		embeddingModel: embeddingModel,
		embeddingDims:  cfg.EmbeddingDimensions,
	}, nil
}

func defaultOpenAIBaseURL(name string) string {
	switch name {
	case ProviderGroq:
		return groqBaseURL
	case ProviderMistral:
		return mistralBaseURL
	case ProviderHuggingFace:
		return huggingFaceBaseURL
	default:
		return ""
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Chat(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.classifyError(err)
	}

	return p.convertResponse(req, resp)
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, req *GenerationRequest) (<-chan StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := p.buildParams(req)
	if p.includeUsage {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()

		acc := newStreamAccumulator(p.name, req)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.ID != "" {
				acc.id = chunk.ID
			}
			if chunk.Model != "" {
				acc.model = chunk.Model
			}
			if chunk.Usage.TotalTokens > 0 {
				acc.usage = Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if fr := chunk.Choices[0].FinishReason; fr != "" {
				acc.finishReason = string(fr)
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !acc.push(ctx, ch, delta) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			acc.fail(ctx, ch, p.classifyError(err))
			return
		}
		acc.finish(ctx, ch)
	}()

	return ch, nil
}

// CreateEmbedding returns the embedding vector for text.
func (p *OpenAIProvider) CreateEmbedding(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, validationError("embedding input must not be empty")
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(p.embeddingModel),
	}
	if p.embeddingDims > 0 {
		params.Dimensions = openai.Int(int64(p.embeddingDims))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, p.classifyError(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, emptyCompletionError(p.name)
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) buildParams(req *GenerationRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:     req.Model,
		Messages:  p.convertMessages(req),
		MaxTokens: openai.Int(int64(req.maxTokens())),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

func (p *OpenAIProvider) convertMessages(req *GenerationRequest) []openai.ChatCompletionMessageParamUnion {
	var msgs []openai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case RoleFunction:
			// the legacy function role has no tool call id to attach to
			msgs = append(msgs, openai.UserMessage(functionResultText(m.Content)))
		}
	}
	return msgs
}

func (p *OpenAIProvider) convertResponse(req *GenerationRequest, resp *openai.ChatCompletion) (*GenerationResult, error) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, emptyCompletionError(p.name)
	}
	choice := resp.Choices[0]

	id := resp.ID
	if id == "" {
		id = uuid.NewString()
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}

	reported := Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}

	return &GenerationResult{
		ID:           id,
		Model:        model,
		Provider:     p.name,
		Message:      Message{Role: RoleAssistant, Content: choice.Message.Content},
		Usage:        usageOrEstimate(reported, req, choice.Message.Content),
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (p *OpenAIProvider) classifyError(err error) *ClassifiedError {
	return Classify(&providerError{provider: p.name, err: err})
}

func functionResultText(content string) string {
	return "Function result:\n" + content
}
