// Package fashn calls the FASHN try-on API for clothing replacement.
package fashn

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
var ErrMissingAPIKey = errors.New("fashn: api key is required")

// Options configures the FASHN client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the FASHN try-on API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// TryOnRequest captures the inputs for one clothing replacement call.
type TryOnRequest struct {
	ImageURL   string
	ClothesURL string
	RequestID  string
}

type tryOnPayload struct {
	ModelImage   string `json:"model_image"`
	GarmentImage string `json:"garment_image"`
	Mode         string `json:"mode"`
}

type tryOnResponse struct {
	Output []string `json:"output"`
	Error  string   `json:"error"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.fashn.ai/v1"
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

// TryOn replaces the clothing in the image with the referenced garment.
func (c *Client) TryOn(ctx context.Context, req TryOnRequest) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(req.ImageURL) == "" || strings.TrimSpace(req.ClothesURL) == "" {
		return "", errors.New("fashn: image url and clothes url are required")
	}
	body, err := json.Marshal(tryOnPayload{
		ModelImage:   req.ImageURL,
		GarmentImage: req.ClothesURL,
		Mode:         "quality",
	})
	if err != nil {
		return "", fmt.Errorf("fashn: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fashn: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fashn: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fashn: read response: %w", err)
	}
	var decoded tryOnResponse
	if resp.StatusCode >= 300 {
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != "" {
			return "", fmt.Errorf("fashn: %s", decoded.Error)
		}
		return "", fmt.Errorf("fashn: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("fashn: decode response: %w", err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("fashn: %s", decoded.Error)
	}
	if len(decoded.Output) == 0 || decoded.Output[0] == "" {
		return "", errors.New("fashn: empty output")
	}
	c.logger.Debug().Str("request_id", req.RequestID).Msg("fashn: try-on complete")
	return decoded.Output[0], nil
}

// SwapProvider adapts the client to the cloth swap capability.
type SwapProvider struct {
	client *Client
}

// NewSwapProvider wraps a client for clothing replacement.
func NewSwapProvider(client *Client) *SwapProvider {
	return &SwapProvider{client: client}
}

func (p *SwapProvider) Name() string { return "fashn" }

func (p *SwapProvider) Invoke(ctx context.Context, in capability.Input) (*capability.Result, error) {
	url, err := p.client.TryOn(ctx, TryOnRequest{
		ImageURL:   in.ImageURL,
		ClothesURL: in.ClothesURL,
	})
	if err != nil {
		return nil, err
	}
	return &capability.Result{URL: url, MIME: "image/png"}, nil
}

var _ capability.SyncProvider = (*SwapProvider)(nil)
