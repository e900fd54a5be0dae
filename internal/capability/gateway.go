// Package capability provides a uniform interface over heterogeneous
// generation providers. Steps that finish within seconds are invoked
// synchronously; multi-minute operations are submitted asynchronously and
// resolved later by a provider callback against the persisted handle.
package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"creatorforge/internal/domain"
	"creatorforge/internal/infra"
)

// Capability identifies an abstracted external AI operation.
type Capability string

const (
	BaseImage     Capability = "base_image"
	ClothSwap     Capability = "cloth_swap"
	Upscale       Capability = "upscale"
	VideoRender   Capability = "video_render"
	TrainIdentity Capability = "train_identity"
)

// Input carries the normalized request for any capability. Providers pick
// the fields relevant to them.
type Input struct {
	Prompt        string
	ImageURL      string
	ClothesURL    string
	AspectRatio   string
	UpscaleFactor int
	DurationSec   int
	Resolution    string
	Tier          string
	ModelRef      string
	Steps         int
}

// Result is the normalized outcome of a synchronous invocation. The URL is
// ephemeral; callers copy it into durable storage.
type Result struct {
	URL  string
	MIME string
}

// SyncProvider completes within the call.
type SyncProvider interface {
	Name() string
	Invoke(ctx context.Context, in Input) (*Result, error)
}

// AsyncProvider returns an external request id immediately and reports the
// outcome later via the callback target.
type AsyncProvider interface {
	Name() string
	Submit(ctx context.Context, in Input, callbackURL string) (string, error)
}

// Options configures the gateway.
type Options struct {
	Handles         domain.HandleRepository
	CallbackBaseURL string
	CallbackTimeout time.Duration
	RatePerSecond   float64
	Logger          infra.Logger
}

// Gateway dispatches capability invocations to registered providers, rate
// limiting per provider.
type Gateway struct {
	syncProviders  map[Capability]SyncProvider
	asyncProviders map[Capability]AsyncProvider

	handles         domain.HandleRepository
	callbackBaseURL string
	callbackTimeout time.Duration
	ratePerSec      float64
	logger          infra.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates an empty gateway; providers are registered per capability.
func New(opts Options) *Gateway {
	timeout := opts.CallbackTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	perSec := opts.RatePerSecond
	if perSec <= 0 {
		perSec = 2
	}
	return &Gateway{
		syncProviders:   make(map[Capability]SyncProvider),
		asyncProviders:  make(map[Capability]AsyncProvider),
		handles:         opts.Handles,
		callbackBaseURL: opts.CallbackBaseURL,
		callbackTimeout: timeout,
		ratePerSec:      perSec,
		logger:          opts.Logger,
		limiters:        make(map[string]*rate.Limiter),
	}
}

// RegisterSync binds a synchronous provider to a capability.
func (g *Gateway) RegisterSync(cap Capability, p SyncProvider) {
	g.syncProviders[cap] = p
}

// RegisterAsync binds an asynchronous provider to a capability.
func (g *Gateway) RegisterAsync(cap Capability, p AsyncProvider) {
	g.asyncProviders[cap] = p
}

// InvokeSync blocks until the provider returns a result or an error.
func (g *Gateway) InvokeSync(ctx context.Context, cap Capability, in Input) (*Result, error) {
	p, ok := g.syncProviders[cap]
	if !ok {
		return nil, fmt.Errorf("capability %q has no sync provider", cap)
	}
	if err := g.limiter(p.Name()).Wait(ctx); err != nil {
		return nil, err
	}
	res, err := p.Invoke(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderFailure, p.Name(), err)
	}
	return res, nil
}

// InvokeAsync submits the request and persists the handle before returning,
// so a crash after submission still leaves a local record for the callback
// or the timeout sweep to resolve.
func (g *Gateway) InvokeAsync(ctx context.Context, cap Capability, in Input, jobID string, step domain.Step) (*domain.RequestHandle, error) {
	p, ok := g.asyncProviders[cap]
	if !ok {
		return nil, fmt.Errorf("capability %q has no async provider", cap)
	}
	if err := g.limiter(p.Name()).Wait(ctx); err != nil {
		return nil, err
	}
	externalID, err := p.Submit(ctx, in, g.callbackTarget(p.Name()))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderFailure, p.Name(), err)
	}
	now := time.Now().UTC()
	handle := &domain.RequestHandle{
		ID:         uuid.NewString(),
		Provider:   p.Name(),
		ExternalID: externalID,
		JobID:      jobID,
		Step:       step,
		IssuedAt:   now,
		Deadline:   now.Add(g.callbackTimeout),
	}
	if err := g.handles.Create(ctx, handle); err != nil {
		g.logger.Error().Err(err).
			Str("provider", p.Name()).
			Str("external_id", externalID).
			Str("job_id", jobID).
			Msg("gateway: handle persistence failed after submission")
		return nil, fmt.Errorf("persist request handle: %w", err)
	}
	return handle, nil
}

func (g *Gateway) callbackTarget(provider string) string {
	return g.callbackBaseURL + "/v1/callbacks/" + provider
}

func (g *Gateway) limiter(provider string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[provider]
	if !ok {
		burst := int(g.ratePerSec)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(g.ratePerSec), burst)
		g.limiters[provider] = l
	}
	return l
}
