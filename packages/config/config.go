// Package config
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`

	APIKey          string `env:"FLICKR_API_KEY"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
	APIEndpoint     string `env:"API_ENDPOINT" envDefault:"https://api.flickr.com/services/rest"`

	SitemapBaseURL    string  `env:"SITEMAP_BASE_URL" envDefault:"https://www.flickr.com/sitemap"`
	SitemapDateLayout string  `env:"SITEMAP_DATE_LAYOUT" envDefault:"2006/01/02"`
	SampleFraction    float64 `env:"SAMPLE_FRACTION" envDefault:"0.01"`

	BatchSize     int           `env:"BATCH_SIZE" envDefault:"100"`
	MaxWorkers    int           `env:"MAX_WORKERS" envDefault:"4"`
	SleepInterval time.Duration `env:"SLEEP_INTERVAL" envDefault:"5s"`

	FetchTimeout        time.Duration `env:"FETCH_TIMEOUT" envDefault:"20s"`
	RetryStep           time.Duration `env:"RETRY_STEP" envDefault:"10s"`
	RetryMaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"0"`
	UnavailableCooldown time.Duration `env:"UNAVAILABLE_COOLDOWN" envDefault:"60s"`
	APIRateLimit        float64       `env:"API_RATE_LIMIT" envDefault:"1"`
	APIRateBurst        int           `env:"API_RATE_BURST" envDefault:"5"`
	UserAgent           string        `env:"USER_AGENT" envDefault:"harvester/1.0"`

	DownloadDir           string `env:"DOWNLOAD_DIR"`
	DownloadShardSegments int    `env:"DOWNLOAD_SHARD_SEGMENTS" envDefault:"3"`
	DownloadShardWidth    int    `env:"DOWNLOAD_SHARD_WIDTH" envDefault:"2"`
	WriteExif             bool   `env:"WRITE_EXIF" envDefault:"false"`

	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"24h"`

	MetricsAddr    string        `env:"METRICS_ADDR" envDefault:"0.0.0.0:9092"`
	StalledTimeout time.Duration `env:"STALLED_TIMEOUT" envDefault:"30m"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"15m"`

	LogFile  string `env:"LOG_FILE" envDefault:"logs/harvester.log"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type credentials struct {
	APIKey string `yaml:"api_key"`
}

// Load reads a .env file when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Could not load .env file", "error", err)
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when environ is nil.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if cfg.APIKey == "" && cfg.CredentialsFile != "" {
		key, err := readCredentials(cfg.CredentialsFile)
		if err != nil {
			return cfg, err
		}
		cfg.APIKey = key
	}

	var problems []string
	if cfg.SampleFraction <= 0 || cfg.SampleFraction > 1 {
		problems = append(problems, fmt.Sprintf("SAMPLE_FRACTION must be in (0, 1], got %v", cfg.SampleFraction))
	}
	if cfg.MaxWorkers < 1 {
		problems = append(problems, "MAX_WORKERS must be at least 1")
	}
	if cfg.BatchSize < 1 {
		problems = append(problems, "BATCH_SIZE must be at least 1")
	}
	if cfg.RetryMaxAttempts < 0 {
		problems = append(problems, "RETRY_MAX_ATTEMPTS must not be negative")
	}
	if len(problems) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func readCredentials(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read credentials file: %w", err)
	}
	var c credentials
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return "", fmt.Errorf("parse credentials file: %w", err)
	}
	if c.APIKey == "" {
		return "", fmt.Errorf("credentials file %s has no api_key", path)
	}
	return c.APIKey, nil
}

// RequireDatabase reports a missing DATABASE_URL.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("missing required environment variable: DATABASE_URL")
	}
	return nil
}

// RequireAPIKey reports a missing API credential.
func (c Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return errors.New("missing API key: set FLICKR_API_KEY or CREDENTIALS_FILE")
	}
	return nil
}
