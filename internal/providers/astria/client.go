// Package astria submits identity-model (LoRA) training to the Astria API.
// Training runs for many minutes; the API acknowledges with a tune id and
// reports completion to the callback target.
package astria

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"creatorforge/internal/capability"
	"creatorforge/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("astria: api key is required")

// Options configures the Astria client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the Astria fine-tuning API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type tunePayload struct {
	Title       string `json:"title"`
	Steps       int    `json:"steps"`
	BaseTune    string `json:"base_tune"`
	CallbackURL string `json:"callback"`
}

type tuneResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.astria.ai"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SubmitTune queues a training run and returns the provider tune id.
func (c *Client) SubmitTune(ctx context.Context, in capability.Input, callbackURL string) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(in.ModelRef) == "" {
		return "", errors.New("astria: character reference is required")
	}
	body, err := json.Marshal(tunePayload{
		Title:       in.ModelRef,
		Steps:       in.Steps,
		BaseTune:    "flux1-dev",
		CallbackURL: callbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("astria: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tunes", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("astria: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("astria: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("astria: read response: %w", err)
	}
	var decoded tuneResponse
	if resp.StatusCode >= 300 {
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != "" {
			return "", fmt.Errorf("astria: %s", decoded.Error)
		}
		return "", fmt.Errorf("astria: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("astria: decode response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("astria: %s", decoded.Error)
	}
	if decoded.ID == 0 {
		return "", errors.New("astria: empty tune id")
	}
	c.logger.Debug().Int64("tune_id", decoded.ID).Msg("astria: training submitted")
	return strconv.FormatInt(decoded.ID, 10), nil
}

// TrainingProvider adapts the client to the identity training capability.
type TrainingProvider struct {
	client *Client
}

// NewTrainingProvider wraps a client for identity-model training.
func NewTrainingProvider(client *Client) *TrainingProvider {
	return &TrainingProvider{client: client}
}

func (p *TrainingProvider) Name() string { return "astria" }

func (p *TrainingProvider) Submit(ctx context.Context, in capability.Input, callbackURL string) (string, error) {
	return p.client.SubmitTune(ctx, in, callbackURL)
}

var _ capability.AsyncProvider = (*TrainingProvider)(nil)
