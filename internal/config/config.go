package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	OriginBaseURL string `envconfig:"ORIGIN_BASE_URL" required:"true"`

	CacheVersion string   `envconfig:"CACHE_VERSION" default:"v1"`
	ShellAssets  []string `envconfig:"SHELL_ASSETS" default:"/,/static/js/bundle.js,/static/css/main.css,/manifest.json,/modules,/progress,/offline.html"`
	OfflinePage  string   `envconfig:"OFFLINE_PAGE" default:"/offline.html"`

	DBPath     string `envconfig:"DB_PATH" default:"content.db"`
	BucketPath string `envconfig:"BUCKET_PATH" default:"buckets.db"`
	QuotaBytes int64  `envconfig:"QUOTA_BYTES" default:"2147483648"`

	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"0"`
	MaxParallel  int           `envconfig:"MAX_PARALLEL" default:"5"`

	LogLevel         string `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL       string `envconfig:"WEBHOOK_URL"`
	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	ServiceName      string `envconfig:"SERVICE_NAME" default:"syncengine"`
	ServiceVersion   string `envconfig:"SERVICE_VERSION" default:"dev"`
	EventBufferSize  int    `envconfig:"EVENT_BUFFER_SIZE" default:"16"`

	Web struct {
		BindAddress string        `split_words:"true" default:"0.0.0.0:8090"`
		ReadTimeout time.Duration `split_words:"true" default:"30s"`
		// Zero keeps long-lived event streams open.
		WriteTimeout    time.Duration `split_words:"true" default:"0"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
