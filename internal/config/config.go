// Package config provides the configuration structure for the
// narration-service.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/core"
)

// Default values applied when a section is absent from the TOML file.
const (
	DefaultProviderBaseURL        = "https://api.elevenlabs.io/v1"
	DefaultProviderTimeoutSeconds = 30
	DefaultBalanceCheckLimit      = 1
	DefaultBalanceCheckDelayMS    = 250
	DefaultMetricsListenAddress   = ":9464"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	TextObjectStoreBucket    string `toml:"text_object_store_bucket"`
	SessionBucket            string `toml:"session_bucket"`
}

// ProviderConfig holds the configuration for the speech-synthesis
// provider API.
type ProviderConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// SegmentationConfig holds the default text segmentation bounds. The
// tail merge factor is a tuning heuristic carried over from production
// use; it is configurable rather than hard-coded.
type SegmentationConfig struct {
	MinChunkChars   int     `toml:"min_chunk_chars"`
	MaxChunkChars   int     `toml:"max_chunk_chars"`
	TailMergeFactor float64 `toml:"tail_merge_factor"`
}

// PoolConfig holds the credential pool's balance-check throttling knobs.
type PoolConfig struct {
	BalanceCheckLimit   int `toml:"balance_check_limit"`
	BalanceCheckDelayMS int `toml:"balance_check_delay_ms"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	OutputDir   string `toml:"output_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS         NATSConfig         `toml:"nats"`
	Provider     ProviderConfig     `toml:"provider"`
	Segmentation SegmentationConfig `toml:"segmentation"`
	Pool         PoolConfig         `toml:"pool"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Paths        PathsConfig        `toml:"paths"`
}

// Load loads the configuration for the narration-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills absent or invalid values in place. Segmentation
// bounds follow the correct-on-input policy of the tuning settings.
func (c *Config) ApplyDefaults() {
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultProviderBaseURL
	}

	if c.Provider.TimeoutSeconds <= 0 {
		c.Provider.TimeoutSeconds = DefaultProviderTimeoutSeconds
	}

	if c.Segmentation.MinChunkChars < 1 {
		c.Segmentation.MinChunkChars = core.DefaultMinChunkChars
	}

	if c.Segmentation.MaxChunkChars <= c.Segmentation.MinChunkChars {
		c.Segmentation.MaxChunkChars = c.Segmentation.MinChunkChars +
			(core.DefaultMaxChunkChars - core.DefaultMinChunkChars)
	}

	if c.Segmentation.TailMergeFactor <= 1.0 {
		c.Segmentation.TailMergeFactor = core.DefaultTailMergeFactor
	}

	if c.Pool.BalanceCheckLimit < 1 {
		c.Pool.BalanceCheckLimit = DefaultBalanceCheckLimit
	}

	if c.Pool.BalanceCheckDelayMS <= 0 {
		c.Pool.BalanceCheckDelayMS = DefaultBalanceCheckDelayMS
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = DefaultMetricsListenAddress
	}
}
