package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAIOptions configures the OpenAI-compatible synthesizer.
type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Fallback   Synthesizer
	OnFallback func(reason string, err error)
}

// OpenAISynthesizer rewrites prompts through a chat-completion model and
// falls back to a static synthesizer on any failure.
type OpenAISynthesizer struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	fallback   Synthesizer
	onFallback func(reason string, err error)
}

const openAIDefaultTimeout = 15 * time.Second

const defaultOpenAIModel = "gpt-4o-mini"

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenAISynthesizer constructs the synthesizer with sane defaults.
func NewOpenAISynthesizer(opts OpenAIOptions) *OpenAISynthesizer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback = NewStaticSynthesizer()
	}
	return &OpenAISynthesizer{
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      model,
		baseURL:    baseURL,
		client:     client,
		fallback:   fallback,
		onFallback: opts.OnFallback,
	}
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, req Request) (string, error) {
	if s.apiKey == "" {
		return s.fallbackWith(ctx, req, "missing_api_key", nil)
	}
	out, err := s.complete(ctx, req)
	if err != nil {
		return s.fallbackWith(ctx, req, "request_failed", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return s.fallbackWith(ctx, req, "empty_completion", nil)
	}
	return out, nil
}

func (s *OpenAISynthesizer) complete(ctx context.Context, req Request) (string, error) {
	system := "You rewrite prompts for an AI photo generator. Reply with the improved prompt only."
	if req.Kind == KindMotion {
		system = "You write short motion descriptions for an image-to-video model. Reply with the motion prompt only."
	}
	user := req.Prompt
	if req.Character != "" {
		user = fmt.Sprintf("Subject: %s\nPrompt: %s", req.Character, req.Prompt)
	}
	payload := openAIChatRequest{
		Model: s.model,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("prompt: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("prompt: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("prompt: http request: %w", err)
	}
	defer resp.Body.Close()

	var decoded openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("prompt: decode response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("prompt: %s", decoded.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("prompt: status %d", resp.StatusCode)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("prompt: no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

func (s *OpenAISynthesizer) fallbackWith(ctx context.Context, req Request, reason string, err error) (string, error) {
	if s.onFallback != nil {
		s.onFallback(reason, err)
	}
	return s.fallback.Synthesize(ctx, req)
}

var _ Synthesizer = (*OpenAISynthesizer)(nil)
