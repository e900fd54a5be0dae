// Package flux calls a Flux-compatible image generation API for base image
// synthesis and upscaling.
package flux

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
var ErrMissingAPIKey = errors.New("flux: api key is required")

// Options configures the Flux client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the Flux generation API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// ImageRequest captures the inputs for one base image generation.
type ImageRequest struct {
	Prompt      string
	AspectRatio string
	ModelRef    string
	RequestID   string
}

// UpscaleRequest captures the inputs for one upscale call.
type UpscaleRequest struct {
	ImageURL  string
	Factor    int
	RequestID string
}

// ImageResult is the normalized provider response.
type ImageResult struct {
	URL  string
	MIME string
}

type generateRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	LoraRef     string `json:"lora_ref,omitempty"`
}

type upscaleRequest struct {
	ImageURL string `json:"image_url"`
	Factor   int    `json:"factor"`
}

type imageResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result struct {
		URL  string `json:"url"`
		MIME string `json:"content_type"`
	} `json:"result"`
	Error string `json:"error"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.flux.dev/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "flux-pro-1.1"
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
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// GenerateImage invokes the generation endpoint once and blocks for the
// result.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("flux: prompt is required")
	}
	payload := generateRequest{
		Model:       c.model,
		Prompt:      prompt,
		AspectRatio: req.AspectRatio,
		LoraRef:     req.ModelRef,
	}
	res, err := c.post(ctx, "/generate", payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("request_id", req.RequestID).
		Str("url", res.URL).
		Msg("flux: generated image")
	return res, nil
}

// Upscale invokes the upscale endpoint once and blocks for the result.
func (c *Client) Upscale(ctx context.Context, req UpscaleRequest) (*ImageResult, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		return nil, errors.New("flux: image url is required")
	}
	factor := req.Factor
	if factor < 2 {
		factor = 2
	}
	res, err := c.post(ctx, "/upscale", upscaleRequest{ImageURL: req.ImageURL, Factor: factor})
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Str("request_id", req.RequestID).
		Int("factor", factor).
		Msg("flux: upscaled image")
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*ImageResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("flux: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("flux: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flux: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("flux: read response: %w", err)
	}
	var decoded imageResponse
	if resp.StatusCode >= 300 {
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != "" {
			return nil, fmt.Errorf("flux: %s", decoded.Error)
		}
		return nil, fmt.Errorf("flux: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("flux: decode response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("flux: %s", decoded.Error)
	}
	if decoded.Result.URL == "" {
		return nil, errors.New("flux: empty result url")
	}
	mime := decoded.Result.MIME
	if mime == "" {
		mime = "image/png"
	}
	return &ImageResult{URL: decoded.Result.URL, MIME: mime}, nil
}

// ImageProvider adapts the client to the base image capability.
type ImageProvider struct {
	client *Client
}

// NewImageProvider wraps a client for base image generation.
func NewImageProvider(client *Client) *ImageProvider {
	return &ImageProvider{client: client}
}

func (p *ImageProvider) Name() string { return "flux" }

func (p *ImageProvider) Invoke(ctx context.Context, in capability.Input) (*capability.Result, error) {
	res, err := p.client.GenerateImage(ctx, ImageRequest{
		Prompt:      in.Prompt,
		AspectRatio: in.AspectRatio,
		ModelRef:    in.ModelRef,
	})
	if err != nil {
		return nil, err
	}
	return &capability.Result{URL: res.URL, MIME: res.MIME}, nil
}

// UpscaleProvider adapts the client to the upscale capability.
type UpscaleProvider struct {
	client *Client
}

// NewUpscaleProvider wraps a client for upscaling.
func NewUpscaleProvider(client *Client) *UpscaleProvider {
	return &UpscaleProvider{client: client}
}

func (p *UpscaleProvider) Name() string { return "flux" }

func (p *UpscaleProvider) Invoke(ctx context.Context, in capability.Input) (*capability.Result, error) {
	res, err := p.client.Upscale(ctx, UpscaleRequest{
		ImageURL: in.ImageURL,
		Factor:   in.UpscaleFactor,
	})
	if err != nil {
		return nil, err
	}
	return &capability.Result{URL: res.URL, MIME: res.MIME}, nil
}

var (
	_ capability.SyncProvider = (*ImageProvider)(nil)
	_ capability.SyncProvider = (*UpscaleProvider)(nil)
)
