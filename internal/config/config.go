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
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	StatePath   string `envconfig:"STATE_PATH" default:"streamkeep.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	// MaxConcurrent caps simultaneously active downloads. The default keeps
	// downloads strictly serial to bound network and storage contention.
	MaxConcurrent int `envconfig:"MAX_CONCURRENT" default:"1"`

	// SegmentParallelism bounds parallel segment fetches within one download.
	SegmentParallelism int `envconfig:"SEGMENT_PARALLELISM" default:"5"`

	// DefaultBitrate is the bitrate ceiling applied when a download request
	// does not carry one.
	DefaultBitrate int64 `envconfig:"DEFAULT_BITRATE" default:"10000000"`

	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8090"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"streamkeep"`
		Exporter     string `split_words:"true" default:"prometheus"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
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
