// Package config handles loading and parsing of the ingest service
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Store         StoreConfig         `yaml:"store"`
	Upload        UploadConfig        `yaml:"upload"`
	Bundle        BundleConfig        `yaml:"bundle"`
	DevStore      DevStoreConfig      `yaml:"devstore"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings for the ingest API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// StoreConfig locates the S3-compatible object store.
type StoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// RequestTimeout bounds each signed call to the store, in seconds.
	RequestTimeout int `yaml:"request_timeout"`
}

// UploadConfig tunes multipart transfers.
type UploadConfig struct {
	// Concurrency bounds parts presigned or transferred at once.
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts bounds transfers per part.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelayMs is the base delay between part attempts.
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

// BundleConfig tunes HLS bundle import.
type BundleConfig struct {
	// MaxArchiveSize caps the accepted ZIP body in bytes.
	MaxArchiveSize int64 `yaml:"max_archive_size"`
	// MaxEntrySize caps a single decompressed entry in bytes.
	MaxEntrySize int64 `yaml:"max_entry_size"`
	// MaxTotalSize caps the decompressed size of a whole archive in bytes.
	MaxTotalSize int64 `yaml:"max_total_size"`
	// Strict rejects entries whose size or CRC differs from the archive's
	// declaration.
	Strict      bool `yaml:"strict"`
	Concurrency int  `yaml:"concurrency"`
	// UseSDK writes bundle files through the AWS SDK client, which falls
	// back to the default credential chain when no keys are configured.
	UseSDK bool `yaml:"use_sdk"`
}

// DevStoreConfig controls the in-process development object store.
type DevStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// MinPartSize overrides the 5 MiB minimum for non-final parts.
	MinPartSize int64 `yaml:"min_part_size"`
}

// ObservabilityConfig toggles the metrics endpoint.
type ObservabilityConfig struct {
	Metrics bool `yaml:"metrics"`
}

// Environment variables that override the store section.
const (
	EnvStoreEndpoint        = "INGEST_STORE_ENDPOINT"
	EnvStoreBucket          = "INGEST_STORE_BUCKET"
	EnvStoreRegion          = "INGEST_STORE_REGION"
	EnvStoreAccessKeyID     = "INGEST_STORE_ACCESS_KEY_ID"
	EnvStoreSecretAccessKey = "INGEST_STORE_SECRET_ACCESS_KEY"
)

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with defaults and environment overrides applied.
// If the primary path fails, it falls back to ingest.example.yaml in the
// same directory or its parent.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "ingest.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "ingest.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnv(cfg, os.LookupEnv)
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied, for callers that run without a config file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnv(cfg, os.LookupEnv)
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Region:         "auto",
			RequestTimeout: 60,
		},
		Upload: UploadConfig{
			Concurrency:  4,
			MaxAttempts:  3,
			RetryDelayMs: 500,
		},
		Bundle: BundleConfig{
			MaxArchiveSize: 512 << 20,
			MaxEntrySize:   256 << 20,
			MaxTotalSize:   1 << 30,
			Concurrency:    8,
		},
		DevStore: DevStoreConfig{
			Host: "127.0.0.1",
			Port: 9100,
		},
		Observability: ObservabilityConfig{
			Metrics: true,
		},
	}
}

// applyEnv overrides store settings from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for name, field := range map[string]*string{
		EnvStoreEndpoint:        &cfg.Store.Endpoint,
		EnvStoreBucket:          &cfg.Store.Bucket,
		EnvStoreRegion:          &cfg.Store.Region,
		EnvStoreAccessKeyID:     &cfg.Store.AccessKeyID,
		EnvStoreSecretAccessKey: &cfg.Store.SecretAccessKey,
	} {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Store.Region == "" {
		cfg.Store.Region = def.Store.Region
	}
	if cfg.Store.RequestTimeout <= 0 {
		cfg.Store.RequestTimeout = def.Store.RequestTimeout
	}
	if cfg.Upload.Concurrency <= 0 {
		cfg.Upload.Concurrency = def.Upload.Concurrency
	}
	if cfg.Upload.MaxAttempts <= 0 {
		cfg.Upload.MaxAttempts = def.Upload.MaxAttempts
	}
	if cfg.Upload.RetryDelayMs <= 0 {
		cfg.Upload.RetryDelayMs = def.Upload.RetryDelayMs
	}
	if cfg.Bundle.MaxArchiveSize <= 0 {
		cfg.Bundle.MaxArchiveSize = def.Bundle.MaxArchiveSize
	}
	if cfg.Bundle.MaxEntrySize <= 0 {
		cfg.Bundle.MaxEntrySize = def.Bundle.MaxEntrySize
	}
	if cfg.Bundle.MaxTotalSize <= 0 {
		cfg.Bundle.MaxTotalSize = def.Bundle.MaxTotalSize
	}
	if cfg.Bundle.Concurrency <= 0 {
		cfg.Bundle.Concurrency = def.Bundle.Concurrency
	}
	if cfg.DevStore.Host == "" {
		cfg.DevStore.Host = def.DevStore.Host
	}
	if cfg.DevStore.Port == 0 {
		cfg.DevStore.Port = def.DevStore.Port
	}
	if cfg.DevStore.Enabled && cfg.Store.Endpoint == "" {
		cfg.Store.Endpoint = fmt.Sprintf("http://%s:%d", cfg.DevStore.Host, cfg.DevStore.Port)
	}
}

// Validate reports every missing store setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Store.Endpoint == "" {
		missing = append(missing, "store.endpoint")
	}
	if c.Store.Bucket == "" {
		missing = append(missing, "store.bucket")
	}
	if c.Store.AccessKeyID == "" {
		missing = append(missing, "store.access_key_id")
	}
	if c.Store.SecretAccessKey == "" {
		missing = append(missing, "store.secret_access_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
