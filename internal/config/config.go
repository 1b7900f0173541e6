package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DeviceID  string          `yaml:"device_id" env:"WMSYNC_DEVICE_ID"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	Auth      AuthConfig      `yaml:"auth"`
	Network   NetworkConfig   `yaml:"network"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Retention RetentionConfig `yaml:"retention"`
	Archive   ArchiveConfig   `yaml:"archive"`
	LogLevel  string          `yaml:"log_level" env:"WMSYNC_LOG_LEVEL"`
	LogFile   string          `yaml:"log_file" env:"WMSYNC_LOG_FILE"`
}

// StoreConfig locates the local database
type StoreConfig struct {
	Path string `yaml:"path" env:"WMSYNC_STORE_PATH"`
}

// APIConfig describes the warehouse backend
type APIConfig struct {
	BaseURL string        `yaml:"base_url" env:"WMSYNC_API_BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"WMSYNC_API_TIMEOUT"`
}

// AuthConfig locates the stored session
type AuthConfig struct {
	TokenFile string `yaml:"token_file" env:"WMSYNC_AUTH_TOKEN_FILE"`
}

// NetworkConfig controls connectivity detection. Without a state file the
// monitor takes AssumeOnline as its only reading.
type NetworkConfig struct {
	StateFile    string `yaml:"state_file" env:"WMSYNC_NETWORK_STATE_FILE"`
	AssumeOnline bool   `yaml:"assume_online" env:"WMSYNC_NETWORK_ASSUME_ONLINE"`
}

// MetricsConfig controls the prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"WMSYNC_METRICS_ADDR"`
}

// RetentionConfig controls pruning of synced actions. Zero DoneTTL keeps
// them forever.
type RetentionConfig struct {
	DoneTTL  time.Duration `yaml:"done_ttl" env:"WMSYNC_RETENTION_DONE_TTL"`
	Interval time.Duration `yaml:"interval" env:"WMSYNC_RETENTION_INTERVAL"`
}

// ArchiveConfig is the S3-compatible target for pruned actions. Empty
// Endpoint disables archiving.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" env:"WMSYNC_ARCHIVE_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"WMSYNC_ARCHIVE_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"WMSYNC_ARCHIVE_SECRET_KEY"`
	Secure    bool   `yaml:"secure" env:"WMSYNC_ARCHIVE_SECURE"`
	Bucket    string `yaml:"bucket" env:"WMSYNC_ARCHIVE_BUCKET"`
	Prefix    string `yaml:"prefix" env:"WMSYNC_ARCHIVE_PREFIX"`
}

// Enabled reports whether archiving is configured
func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != ""
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "./wmsync.db",
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenFile: "./session.token",
		},
		Network: NetworkConfig{
			AssumeOnline: true,
		},
		Retention: RetentionConfig{
			DoneTTL:  7 * 24 * time.Hour,
			Interval: time.Hour,
		},
		Archive: ArchiveConfig{
			Secure: true,
			Prefix: "actions",
		},
		LogLevel: "info",
	}
}

// Load loads configuration from defaults, an optional YAML file, the
// environment and finally changed command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetDuration(name)
		}
	}

	str("device-id", &cfg.DeviceID)
	str("store", &cfg.Store.Path)
	str("api-url", &cfg.API.BaseURL)
	dur("api-timeout", &cfg.API.Timeout)
	str("token-file", &cfg.Auth.TokenFile)
	str("state-file", &cfg.Network.StateFile)
	str("metrics-addr", &cfg.Metrics.Addr)
	dur("done-ttl", &cfg.Retention.DoneTTL)
	dur("prune-interval", &cfg.Retention.Interval)
	str("log-level", &cfg.LogLevel)
	str("log-file", &cfg.LogFile)

	if err == nil && flags.Changed("assume-online") {
		cfg.Network.AssumeOnline, err = flags.GetBool("assume-online")
	}

	return err
}

func (c *Config) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if c.API.BaseURL == "" {
		return fmt.Errorf("api base url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api base url must be an absolute http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}

	if c.Auth.TokenFile == "" {
		return fmt.Errorf("auth token file is required")
	}

	if c.Retention.DoneTTL < 0 {
		return fmt.Errorf("retention done_ttl cannot be negative")
	}
	if c.Retention.DoneTTL > 0 && c.Retention.Interval <= 0 {
		return fmt.Errorf("retention interval must be positive when done_ttl is set")
	}

	if c.Archive.Enabled() {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required when archive endpoint is set")
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("archive credentials are required when archive endpoint is set")
		}
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	return nil
}
