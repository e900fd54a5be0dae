package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	// Callbacks
	CallbackSecret  string
	CallbackBaseURL string
	CallbackTimeout time.Duration
	SweepInterval   time.Duration

	// Artifact storage
	StorageDriver string
	StoragePath   string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string

	// Providers
	FluxAPIKey    string
	FluxBaseURL   string
	FashnAPIKey   string
	FashnBaseURL  string
	KlingAPIKey   string
	KlingBaseURL  string
	AstriaAPIKey  string
	AstriaBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	NotifyWebhookURL string

	ProviderRatePerSec float64

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		CallbackSecret:  os.Getenv("CALLBACK_SECRET"),
		CallbackBaseURL: getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
		CallbackTimeout: time.Minute * time.Duration(getEnvInt("CALLBACK_TIMEOUT_MINUTES", 30)),
		SweepInterval:   time.Second * time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)),

		StorageDriver: getEnv("STORAGE_DRIVER", "filesystem"),
		StoragePath:   getEnv("STORAGE_PATH", "./storage"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3Region:      os.Getenv("S3_REGION"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		S3AccessKey:   os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretKey:   os.Getenv("S3_SECRET_ACCESS_KEY"),

		FluxAPIKey:    os.Getenv("FLUX_API_KEY"),
		FluxBaseURL:   getEnv("FLUX_BASE_URL", "https://api.flux.dev/v1"),
		FashnAPIKey:   os.Getenv("FASHN_API_KEY"),
		FashnBaseURL:  getEnv("FASHN_BASE_URL", "https://api.fashn.ai/v1"),
		KlingAPIKey:   os.Getenv("KLING_API_KEY"),
		KlingBaseURL:  getEnv("KLING_BASE_URL", "https://api.klingai.com/v1"),
		AstriaAPIKey:  os.Getenv("ASTRIA_API_KEY"),
		AstriaBaseURL: getEnv("ASTRIA_BASE_URL", "https://api.astria.ai"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),

		ProviderRatePerSec: getEnvFloat("PROVIDER_RATE_PER_SECOND", 2),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.CallbackSecret == "" {
		return nil, fmt.Errorf("CALLBACK_SECRET is required")
	}

	if cfg.StorageDriver == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_DRIVER=s3")
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
