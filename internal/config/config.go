// Package config provides configuration management for the filtering
// engine. It handles loading, validation, and access to configuration
// values from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sifthq/sift/internal/logger"
)

// Defaults.
const (
	defaultServerAddress      = ":8080"
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerWriteTimeout = 30 * time.Second
	defaultServerIdleTimeout  = 60 * time.Second

	defaultChunkSize       = 10
	defaultRateLimit       = 5.0
	defaultClassifyTimeout = 10 * time.Second
	defaultMaxBatchSize    = 20
	defaultMaxBatchesRun   = 25
	defaultMaxEmptyBatches = 3

	defaultQuietWindow      = 150 * time.Millisecond
	defaultRescanInterval   = 30 * time.Second
	defaultCycleTimeout     = 30 * time.Second
	defaultFailureThreshold = 3
)

// Config represents the application configuration.
type Config struct {
	// App holds application-level settings.
	App AppConfig `yaml:"app" mapstructure:"app"`
	// Logger holds logging configuration.
	Logger logger.Config `yaml:"logger" mapstructure:"logger"`
	// Detector holds container detection settings.
	Detector DetectorConfig `yaml:"detector" mapstructure:"detector"`
	// Scheduler holds batch scheduling settings.
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	// Classifier holds remote classifier client settings.
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	// Engine holds filtering cycle settings.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`
	// Server holds HTTP server settings.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	// Rules holds the locally configured rule store.
	Rules RulesConfig `yaml:"rules" mapstructure:"rules"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	// Environment is one of development, staging, production.
	Environment string `yaml:"environment" mapstructure:"environment"`
	// ClientID identifies this installation to the classifier.
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	// Debug enables debug logging regardless of logger level.
	Debug bool `yaml:"debug" mapstructure:"debug"`
}

// DetectorConfig holds container detection settings.
type DetectorConfig struct {
	// MinChildren is the minimum repeating-child count for a
	// candidate container.
	MinChildren int `yaml:"min_children" mapstructure:"min_children"`
	// MinTextLength is the minimum item text length for
	// classification eligibility.
	MinTextLength int `yaml:"min_text_length" mapstructure:"min_text_length"`
}

// SchedulerConfig holds batch scheduling settings.
type SchedulerConfig struct {
	// MaxBatchSize is the maximum items per batch.
	MaxBatchSize int `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	// MaxBatchesPerRun bounds one scheduling run.
	MaxBatchesPerRun int `yaml:"max_batches_per_run" mapstructure:"max_batches_per_run"`
	// MaxEmptyBatches is the stall threshold.
	MaxEmptyBatches int `yaml:"max_empty_batches" mapstructure:"max_empty_batches"`
}

// ClassifierConfig holds remote classifier client settings.
type ClassifierConfig struct {
	// Endpoint is the classifier base URL.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	// APIKey authenticates requests; empty disables auth.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	// ChunkSize is the per-chunk child count for batch splitting.
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size"`
	// RateLimit is requests per second across all chunks.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	// Timeout bounds one classification HTTP call.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// ReportEndpoint receives hidden-count reports; empty disables
	// reporting.
	ReportEndpoint string `yaml:"report_endpoint" mapstructure:"report_endpoint"`
}

// EngineConfig holds filtering cycle settings.
type EngineConfig struct {
	// QuietWindow is the mutation coalescing delay.
	QuietWindow time.Duration `yaml:"quiet_window" mapstructure:"quiet_window"`
	// RescanInterval is the periodic comprehensive rescan interval.
	RescanInterval time.Duration `yaml:"rescan_interval" mapstructure:"rescan_interval"`
	// CycleTimeout bounds one full filtering cycle; expiry clears any
	// in-flight visual staging.
	CycleTimeout time.Duration `yaml:"cycle_timeout" mapstructure:"cycle_timeout"`
	// FailureThreshold is the consecutive-failure count that triggers
	// the degraded notification.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// Progressive selects viewport-first progressive scheduling; off
	// means naive full-page batching.
	Progressive bool `yaml:"progressive" mapstructure:"progressive"`
	// ToastEnabled shows user-facing notifications on hide events.
	ToastEnabled bool `yaml:"toast_enabled" mapstructure:"toast_enabled"`
	// HidingMethod is one of remove, collapse, opacity.
	HidingMethod string `yaml:"hiding_method" mapstructure:"hiding_method"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Address is the listen address.
	Address string `yaml:"address" mapstructure:"address"`
	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	// IdleTimeout bounds idle keep-alive connections.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// RulesConfig holds locally configured rules, keyed by host. The
// "default" key applies when no host matches.
type RulesConfig struct {
	// Allow lists allow rules per host.
	Allow map[string][]string `yaml:"allow" mapstructure:"allow"`
	// Block lists block rules per host.
	Block map[string][]string `yaml:"block" mapstructure:"block"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Detector.MinChildren < 2 {
		return fmt.Errorf("detector.min_children must be at least 2, got %d", c.Detector.MinChildren)
	}
	if c.Scheduler.MaxBatchSize < 1 {
		return fmt.Errorf("scheduler.max_batch_size must be positive, got %d", c.Scheduler.MaxBatchSize)
	}
	if c.Classifier.ChunkSize < 1 {
		return fmt.Errorf("classifier.chunk_size must be positive, got %d", c.Classifier.ChunkSize)
	}
	if c.Classifier.RateLimit <= 0 {
		return fmt.Errorf("classifier.rate_limit must be positive, got %f", c.Classifier.RateLimit)
	}
	switch c.Engine.HidingMethod {
	case "remove", "collapse", "opacity":
	default:
		return fmt.Errorf("engine.hiding_method must be remove, collapse, or opacity, got %q", c.Engine.HidingMethod)
	}
	return nil
}

// Load loads configuration from the specified path. An empty path
// searches the default locations; a missing file is not an error and
// yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sift")
	}

	v.SetEnvPrefix("SIFT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if readErr := v.ReadInConfig(); readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", readErr)
		}
	}

	var cfg Config
	if unmarshalErr := v.Unmarshal(&cfg); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	if cfg.App.Debug {
		cfg.Logger.Level = "debug"
		cfg.Logger.Development = true
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, fmt.Errorf("invalid config: %w", validateErr)
	}

	return &cfg, nil
}

// setDefaults applies default values to the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")

	v.SetDefault("detector.min_children", 3)
	v.SetDefault("detector.min_text_length", 4)

	v.SetDefault("scheduler.max_batch_size", defaultMaxBatchSize)
	v.SetDefault("scheduler.max_batches_per_run", defaultMaxBatchesRun)
	v.SetDefault("scheduler.max_empty_batches", defaultMaxEmptyBatches)

	v.SetDefault("classifier.chunk_size", defaultChunkSize)
	v.SetDefault("classifier.rate_limit", defaultRateLimit)
	v.SetDefault("classifier.timeout", defaultClassifyTimeout)

	v.SetDefault("engine.quiet_window", defaultQuietWindow)
	v.SetDefault("engine.rescan_interval", defaultRescanInterval)
	v.SetDefault("engine.cycle_timeout", defaultCycleTimeout)
	v.SetDefault("engine.failure_threshold", defaultFailureThreshold)
	v.SetDefault("engine.progressive", true)
	v.SetDefault("engine.toast_enabled", true)
	v.SetDefault("engine.hiding_method", "collapse")

	v.SetDefault("server.address", defaultServerAddress)
	v.SetDefault("server.read_timeout", defaultServerReadTimeout)
	v.SetDefault("server.write_timeout", defaultServerWriteTimeout)
	v.SetDefault("server.idle_timeout", defaultServerIdleTimeout)
}
