// Package bootstrap assembles the pipeline components shared by the API and
// the worker: repositories, artifact storage, provider clients, the
// capability gateway, and the orchestrator.
package bootstrap

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"creatorforge/internal/adapter/repo"
	"creatorforge/internal/capability"
	"creatorforge/internal/domain"
	"creatorforge/internal/infra"
	"creatorforge/internal/infra/credentials"
	"creatorforge/internal/notify"
	"creatorforge/internal/pipeline"
	"creatorforge/internal/providers/astria"
	"creatorforge/internal/providers/fashn"
	"creatorforge/internal/providers/flux"
	"creatorforge/internal/providers/kling"
	"creatorforge/internal/providers/prompt"
	"creatorforge/internal/storage"
)

// Components holds everything a process needs to serve or drive jobs.
type Components struct {
	Jobs     domain.JobRepository
	Handles  domain.HandleRepository
	Accounts domain.AccountRepository
	Ledger   domain.Ledger

	Store        storage.ArtifactStore
	Gateway      *capability.Gateway
	Orchestrator *pipeline.Orchestrator
	Notifier     notify.Notifier
}

// Build wires the full pipeline stack. Provider API keys fall back to the
// DB-backed credential store when the environment does not supply them.
func Build(ctx context.Context, cfg *infra.Config, logger infra.Logger, pool *pgxpool.Pool) (*Components, error) {
	jobs := repo.NewJobRepository(pool)
	handles := repo.NewHandleRepository(pool)
	accounts := repo.NewAccountRepository(pool)
	ledger := repo.NewLedger(pool)

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	runner := infra.NewSQLRunner(pool, logger)
	creds := credentials.NewStore(runner)
	key := func(envKey, provider string) string {
		if k := strings.TrimSpace(envKey); k != "" {
			return k
		}
		k, err := creds.Token(ctx, provider)
		if err != nil {
			logger.Warn().Err(err).Str("provider", provider).Msg("bootstrap: no stored credential")
			return ""
		}
		return k
	}

	httpClient := &http.Client{Timeout: 90 * time.Second}

	fluxClient, err := flux.NewClient(flux.Options{
		APIKey:     key(cfg.FluxAPIKey, credentials.ProviderFlux),
		BaseURL:    cfg.FluxBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}
	fashnClient, err := fashn.NewClient(fashn.Options{
		APIKey:     key(cfg.FashnAPIKey, credentials.ProviderFashn),
		BaseURL:    cfg.FashnBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}
	klingClient, err := kling.NewClient(kling.Options{
		APIKey:     key(cfg.KlingAPIKey, credentials.ProviderKling),
		BaseURL:    cfg.KlingBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}
	astriaClient, err := astria.NewClient(astria.Options{
		APIKey:     key(cfg.AstriaAPIKey, credentials.ProviderAstria),
		BaseURL:    cfg.AstriaBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}

	gateway := capability.New(capability.Options{
		Handles:         handles,
		CallbackBaseURL: cfg.CallbackBaseURL,
		CallbackTimeout: cfg.CallbackTimeout,
		RatePerSecond:   cfg.ProviderRatePerSec,
		Logger:          logger,
	})
	gateway.RegisterSync(capability.BaseImage, flux.NewImageProvider(fluxClient))
	gateway.RegisterSync(capability.Upscale, flux.NewUpscaleProvider(fluxClient))
	gateway.RegisterSync(capability.ClothSwap, fashn.NewSwapProvider(fashnClient))
	gateway.RegisterAsync(capability.VideoRender, kling.NewVideoProvider(klingClient))
	gateway.RegisterAsync(capability.TrainIdentity, astria.NewTrainingProvider(astriaClient))

	synthesizer := prompt.NewOpenAISynthesizer(prompt.OpenAIOptions{
		APIKey:  key(cfg.OpenAIAPIKey, credentials.ProviderOpenAI),
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		OnFallback: func(reason string, err error) {
			logger.Debug().Err(err).Str("reason", reason).Msg("prompt: static fallback")
		},
	})

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, nil, logger)
	}

	orch := pipeline.New(pipeline.Options{
		Jobs:     jobs,
		Handles:  handles,
		Ledger:   ledger,
		Gateway:  gateway,
		Store:    store,
		Prompts:  synthesizer,
		Notifier: notifier,
		Logger:   logger,
	})

	return &Components{
		Jobs:         jobs,
		Handles:      handles,
		Accounts:     accounts,
		Ledger:       ledger,
		Store:        store,
		Gateway:      gateway,
		Orchestrator: orch,
		Notifier:     notifier,
	}, nil
}

func buildStore(ctx context.Context, cfg *infra.Config) (storage.ArtifactStore, error) {
	if cfg.StorageDriver == "s3" {
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
	}
	path := cfg.StoragePath
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return storage.NewFileStore(path)
}
