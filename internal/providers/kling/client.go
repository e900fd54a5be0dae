// Package kling submits video rendering tasks to the Kling API. Rendering
// takes minutes, so submissions are asynchronous: the API acknowledges with
// a task id and reports the outcome to the callback target.
package kling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"creatorforge/internal/capability"
	"creatorforge/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("kling: api key is required")

// Options configures the Kling client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the Kling video API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type submitPayload struct {
	ImageURL    string `json:"image_url"`
	Prompt      string `json:"prompt"`
	Duration    int    `json:"duration"`
	Resolution  string `json:"resolution"`
	Mode        string `json:"mode"`
	CallbackURL string `json:"callback_url"`
}

type submitResponse struct {
	Data struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
	Code    int    `json:"code"`
	Message string `json:"message"`
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
		baseURL = "https://api.klingai.com/v1"
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

// SubmitVideo queues a render and returns the provider task id.
func (c *Client) SubmitVideo(ctx context.Context, in capability.Input, callbackURL string) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(in.ImageURL) == "" {
		return "", errors.New("kling: image url is required")
	}
	mode := "std"
	if in.Tier == "pro" {
		mode = "pro"
	}
	body, err := json.Marshal(submitPayload{
		ImageURL:    in.ImageURL,
		Prompt:      in.Prompt,
		Duration:    in.DurationSec,
		Resolution:  in.Resolution,
		Mode:        mode,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("kling: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/videos/image2video", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("kling: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("kling: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("kling: read response: %w", err)
	}
	var decoded submitResponse
	if resp.StatusCode >= 300 {
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Message != "" {
			return "", fmt.Errorf("kling: %s (%d)", decoded.Message, decoded.Code)
		}
		return "", fmt.Errorf("kling: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("kling: decode response: %w", err)
	}
	if decoded.Code != 0 {
		return "", fmt.Errorf("kling: %s (%d)", decoded.Message, decoded.Code)
	}
	if decoded.Data.TaskID == "" {
		return "", errors.New("kling: empty task id")
	}
	c.logger.Debug().Str("task_id", decoded.Data.TaskID).Msg("kling: video submitted")
	return decoded.Data.TaskID, nil
}

// VideoProvider adapts the client to the video render capability.
type VideoProvider struct {
	client *Client
}

// NewVideoProvider wraps a client for video rendering.
func NewVideoProvider(client *Client) *VideoProvider {
	return &VideoProvider{client: client}
}

func (p *VideoProvider) Name() string { return "kling" }

func (p *VideoProvider) Submit(ctx context.Context, in capability.Input, callbackURL string) (string, error) {
	return p.client.SubmitVideo(ctx, in, callbackURL)
}

var _ capability.AsyncProvider = (*VideoProvider)(nil)
