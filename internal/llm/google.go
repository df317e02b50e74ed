package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const googleBaseURL = "https://generativelanguage.googleapis.com"

// GoogleProvider implements Provider for the Gemini generateContent API.
type GoogleProvider struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	embeddingModel string
	embeddingDims  int
}

// GoogleConfig holds configuration for the Google provider.
type GoogleConfig struct {
	APIKey              string
	BaseURL             string
	HTTPClient          *http.Client
	EmbeddingModel      string
	EmbeddingDimensions int
}

// NewGoogleProvider creates a new Google provider.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, NewError(CategoryAuthentication, "", &providerError{provider: ProviderGoogle, err: ErrMissingAPIKey})
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-004"
	}
	return &GoogleProvider{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     client,
		embeddingModel: model,
		embeddingDims:  cfg.EmbeddingDimensions,
	}, nil
}

func (p *GoogleProvider) Name() string { return ProviderGoogle }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	ResponseID   string `json:"responseId"`
	ModelVersion string `json:"modelVersion"`
	Candidates   []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (r *geminiResponse) text() string {
	var sb strings.Builder
	for _, cand := range r.Candidates {
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func (r *geminiResponse) finishReason() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].FinishReason
}

// blocked reports a safety stop, which surfaces as CONTENT_FILTER.
func (r *geminiResponse) blocked() bool {
	return r.PromptFeedback.BlockReason != "" || r.finishReason() == "SAFETY"
}

func (p *GoogleProvider) Chat(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, p.modelURL(req.Model, "generateContent"), p.buildPayload(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, Classify(&providerError{provider: ProviderGoogle, err: fmt.Errorf("parse response: %w", err)})
	}

	text := parsed.text()
	if text == "" {
		if parsed.blocked() {
			return nil, NewError(CategoryContentFilter, "", &providerError{provider: ProviderGoogle, err: fmt.Errorf("blocked: %s%s", parsed.PromptFeedback.BlockReason, parsed.finishReason())})
		}
		return nil, emptyCompletionError(ProviderGoogle)
	}

	id := parsed.ResponseID
	if id == "" {
		id = uuid.NewString()
	}
	model := parsed.ModelVersion
	if model == "" {
		model = req.Model
	}

	reported := Usage{
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
	}

	return &GenerationResult{
		ID:           id,
		Model:        model,
		Provider:     ProviderGoogle,
		Message:      Message{Role: RoleAssistant, Content: text},
		Usage:        usageOrEstimate(reported, req, text),
		FinishReason: parsed.finishReason(),
	}, nil
}

func (p *GoogleProvider) StreamChat(ctx context.Context, req *GenerationRequest) (<-chan StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, p.modelURL(req.Model, "streamGenerateContent")+"?alt=sse", p.buildPayload(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		acc := newStreamAccumulator(ProviderGoogle, req)
		blocked := false
		err := ReadSSE(ctx, resp.Body, func(data string) (bool, error) {
			var frame geminiResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				return false, fmt.Errorf("parse stream frame: %w", err)
			}
			if frame.ResponseID != "" {
				acc.id = frame.ResponseID
			}
			if frame.ModelVersion != "" {
				acc.model = frame.ModelVersion
			}
			if u := frame.UsageMetadata; u.TotalTokenCount > 0 {
				acc.usage = Usage{
					PromptTokens:     u.PromptTokenCount,
					CompletionTokens: u.CandidatesTokenCount,
					TotalTokens:      u.TotalTokenCount,
				}
			}
			if frame.blocked() {
				blocked = true
			}
			if delta := frame.text(); delta != "" {
				if !acc.push(ctx, ch, delta) {
					return true, ctx.Err()
				}
			}
			if fr := frame.finishReason(); fr != "" {
				acc.finishReason = fr
			}
			return false, nil
		})
		if err != nil {
			acc.fail(ctx, ch, Classify(&providerError{provider: ProviderGoogle, err: err}))
			return
		}
		if blocked && acc.content.Len() == 0 {
			acc.fail(ctx, ch, NewError(CategoryContentFilter, "", &providerError{provider: ProviderGoogle, err: fmt.Errorf("blocked: %s", acc.finishReason)}))
			return
		}
		acc.finish(ctx, ch)
	}()

	return ch, nil
}

// CreateEmbedding returns the embedding vector for text.
func (p *GoogleProvider) CreateEmbedding(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, validationError("embedding input must not be empty")
	}
	payload := map[string]any{
		"model": "models/" + p.embeddingModel,
		"content": geminiContent{
			Parts: []geminiPart{{Text: text}},
		},
	}
	if p.embeddingDims > 0 {
		payload["outputDimensionality"] = p.embeddingDims
	}

	resp, err := p.post(ctx, p.modelURL(p.embeddingModel, "embedContent"), payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Embedding struct {
			Values []float64 `json:"values"`
		} `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, Classify(&providerError{provider: ProviderGoogle, err: fmt.Errorf("parse response: %w", err)})
	}
	if len(parsed.Embedding.Values) == 0 {
		return nil, emptyCompletionError(ProviderGoogle)
	}
	return parsed.Embedding.Values, nil
}

func (p *GoogleProvider) modelURL(model, method string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s", p.baseURL, url.PathEscape(model), method)
}

func (p *GoogleProvider) buildPayload(req *GenerationRequest) geminiRequest {
	var payload geminiRequest
	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			payload.Contents = append(payload.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		case RoleFunction:
			payload.Contents = append(payload.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: functionResultText(m.Content)}}})
		default:
			payload.Contents = append(payload.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	payload.GenerationConfig.Temperature = req.Temperature
	payload.GenerationConfig.MaxOutputTokens = req.maxTokens()
	return payload
}

// post sends a JSON payload and returns the response when the status is a
// success. Error statuses are read and classified.
func (p *GoogleProvider) post(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, validationError("marshal request: %v", err)
	}
	hReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, validationError("build request: %v", err)
	}
	hReq.Header.Set("Content-Type", "application/json")
	hReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(hReq)
	if err != nil {
		return nil, Classify(&providerError{provider: ProviderGoogle, err: err})
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, Classify(&providerError{provider: ProviderGoogle, err: newStatusError(resp.StatusCode, raw)})
	}
	return resp, nil
}

// StatusError is an HTTP error status returned by a provider endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func newStatusError(code int, body []byte) *StatusError {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
		if parsed.Error.Status != "" {
			msg = parsed.Error.Status + ": " + msg
		}
	}
	return &StatusError{StatusCode: code, Message: msg}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}
