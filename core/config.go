package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the fabric.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithName("fabric-prod"),
//	    core.WithRedisURL("redis://localhost:6379"),
//	)
type Config struct {
	// Core configuration
	Name string `yaml:"name" env:"TRICORTEX_NAME"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Coordinator configuration
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Soldier failover configuration
	Soldier SoldierConfig `yaml:"soldier"`

	// Learning stack configuration
	Learning LearningConfig `yaml:"learning"`

	// Learning data store configuration
	Store StoreConfig `yaml:"store"`

	// Redis configuration (optional persistence)
	Redis RedisConfig `yaml:"redis"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry configuration
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BusConfig contains event bus dispatch configuration.
type BusConfig struct {
	EnableBatching bool `yaml:"enable_batching" env:"TRICORTEX_BUS_BATCHING"`
	LowLatencyMode bool `yaml:"low_latency_mode" env:"TRICORTEX_BUS_LOW_LATENCY"`
	BatchSize      int  `yaml:"batch_size" env:"TRICORTEX_BUS_BATCH_SIZE"`

	// Queue capacities per priority. Zero means the built-in defaults.
	CriticalQueueSize int `yaml:"critical_queue_size"`
	HighQueueSize     int `yaml:"high_queue_size"`
	NormalQueueSize   int `yaml:"normal_queue_size"`
	LowQueueSize      int `yaml:"low_queue_size"`

	// PersistEvents enables KV persistence of published events.
	PersistEvents bool          `yaml:"persist_events" env:"TRICORTEX_BUS_PERSIST"`
	PersistTTL    time.Duration `yaml:"persist_ttl"`
}

// CoordinatorConfig contains decision coordination configuration.
type CoordinatorConfig struct {
	MaxConcurrentDecisions int           `yaml:"max_concurrent_decisions" env:"TRICORTEX_COORD_MAX_CONCURRENT"`
	Mode                   string        `yaml:"mode" env:"TRICORTEX_COORD_MODE"` // "event" or "direct"
	EnableBatching         bool          `yaml:"enable_batching"`
	BatchSize              int           `yaml:"batch_size"`
	BatchTimeout           time.Duration `yaml:"batch_timeout"`
	SoldierTimeout         time.Duration `yaml:"soldier_timeout"`
	DefaultTimeout         time.Duration `yaml:"default_timeout"`
}

// SoldierConfig contains failover core configuration.
type SoldierConfig struct {
	LocalInferenceTimeout time.Duration `yaml:"local_inference_timeout" env:"TRICORTEX_SOLDIER_LOCAL_TIMEOUT"`
	CloudTimeout          time.Duration `yaml:"cloud_timeout" env:"TRICORTEX_SOLDIER_CLOUD_TIMEOUT"`
	DegradationThreshold  float64       `yaml:"degradation_threshold"`
	FailureThreshold      int           `yaml:"failure_threshold" env:"TRICORTEX_SOLDIER_FAILURE_THRESHOLD"`
	DecisionCacheTTL      time.Duration `yaml:"decision_cache_ttl"`
	DecisionCacheSize     int           `yaml:"decision_cache_size"`
	RecoveryCheckInterval time.Duration `yaml:"recovery_check_interval"`

	// External backing store for cache warm/share (optional).
	BackingStoreHost string `yaml:"backing_store_host"`
	BackingStorePort int    `yaml:"backing_store_port"`
}

// LearningConfig contains meta-learner, router and blender configuration.
type LearningConfig struct {
	MinTrainingSamples      int     `yaml:"min_training_samples"`
	TrainingWindow          int     `yaml:"training_window"`
	EvolutionInterval       int     `yaml:"evolution_interval"`
	HighConfidenceThreshold float64 `yaml:"high_confidence_threshold"`
	LowConfidenceThreshold  float64 `yaml:"low_confidence_threshold"`
	RoutingHistorySize      int     `yaml:"routing_history_size"`
	ExecutionMode           string  `yaml:"execution_mode"` // conservative | aggressive | balanced
}

// StoreConfig contains learning data store configuration.
type StoreConfig struct {
	DataDir       string `yaml:"data_dir" env:"TRICORTEX_STORE_DIR"`
	RetentionDays int    `yaml:"retention_days" env:"TRICORTEX_STORE_RETENTION_DAYS"`
}

// RedisConfig contains the optional external KV configuration.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"TRICORTEX_REDIS_ENABLED"`
	URL       string `yaml:"url" env:"TRICORTEX_REDIS_URL,REDIS_URL"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" env:"TRICORTEX_LOG_LEVEL"`
	Format      string `yaml:"format" env:"TRICORTEX_LOG_FORMAT"` // "json" or "console"
	Development bool   `yaml:"development" env:"TRICORTEX_LOG_DEV"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"TRICORTEX_TELEMETRY_ENABLED"`
	ServiceName string `yaml:"service_name" env:"TRICORTEX_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
}

// Option is a functional option for configuring the fabric
type Option func(*Config)

// NewConfig creates a configuration with the three-layer priority applied.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "tricortex",
		Bus: BusConfig{
			BatchSize:         10,
			CriticalQueueSize: 1000,
			HighQueueSize:     5000,
			NormalQueueSize:   10000,
			LowQueueSize:      5000,
			PersistTTL:        24 * time.Hour,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentDecisions: 32,
			Mode:                   "direct",
			BatchSize:              10,
			BatchTimeout:           50 * time.Millisecond,
			SoldierTimeout:         2 * time.Second,
			DefaultTimeout:         5 * time.Second,
		},
		Soldier: SoldierConfig{
			LocalInferenceTimeout: 20 * time.Millisecond,
			CloudTimeout:          5 * time.Second,
			DegradationThreshold:  20.0,
			FailureThreshold:      3,
			DecisionCacheTTL:      5 * time.Second,
			DecisionCacheSize:     10000,
			RecoveryCheckInterval: 10 * time.Second,
		},
		Learning: LearningConfig{
			MinTrainingSamples:      50,
			TrainingWindow:          1000,
			EvolutionInterval:       100,
			HighConfidenceThreshold: 0.80,
			LowConfidenceThreshold:  0.60,
			RoutingHistorySize:      10000,
			ExecutionMode:           "balanced",
		},
		Store: StoreConfig{
			DataDir:       "data/learning",
			RetentionDays: 365,
		},
		Redis: RedisConfig{
			Namespace: "tricortex",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tricortex",
		},
	}
}

// LoadConfigFile reads a YAML configuration file over the defaults.
func LoadConfigFile(path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, ErrInvalidConfiguration)
	}

	cfg.applyEnvironment()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overlays environment variables onto the config.
func (c *Config) applyEnvironment() {
	if v := os.Getenv("TRICORTEX_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("TRICORTEX_REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("TRICORTEX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRICORTEX_STORE_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv("TRICORTEX_STORE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Store.RetentionDays = n
		}
	}
	if v := os.Getenv("TRICORTEX_COORD_MODE"); v != "" {
		c.Coordinator.Mode = v
	}
	if v := os.Getenv("TRICORTEX_COORD_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Coordinator.MaxConcurrentDecisions = n
		}
	}
	if v := os.Getenv("TRICORTEX_SOLDIER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Soldier.FailureThreshold = n
		}
	}
	if v := os.Getenv("TRICORTEX_BUS_BATCHING"); v != "" {
		c.Bus.EnableBatching = v == "true" || v == "1"
	}
	if v := os.Getenv("TRICORTEX_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Store.RetentionDays <= 0 {
		return fmt.Errorf("store retention_days must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Learning.LowConfidenceThreshold < 0 ||
		c.Learning.HighConfidenceThreshold > 1 ||
		c.Learning.LowConfidenceThreshold > c.Learning.HighConfidenceThreshold {
		return fmt.Errorf("confidence thresholds must satisfy 0 <= low <= high <= 1: %w", ErrInvalidConfiguration)
	}
	if c.Coordinator.MaxConcurrentDecisions <= 0 {
		return fmt.Errorf("max_concurrent_decisions must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Soldier.FailureThreshold <= 0 {
		return fmt.Errorf("soldier failure_threshold must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Bus.BatchSize <= 0 {
		return fmt.Errorf("bus batch_size must be positive: %w", ErrInvalidConfiguration)
	}
	switch c.Coordinator.Mode {
	case "event", "direct":
	default:
		return fmt.Errorf("coordinator mode %q must be \"event\" or \"direct\": %w", c.Coordinator.Mode, ErrInvalidConfiguration)
	}
	switch c.Learning.ExecutionMode {
	case "conservative", "aggressive", "balanced":
	default:
		return fmt.Errorf("execution_mode %q must be conservative, aggressive or balanced: %w", c.Learning.ExecutionMode, ErrInvalidConfiguration)
	}
	return nil
}

// Functional options

// WithName sets the fabric instance name
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithRedisURL enables KV persistence against the given Redis URL
func WithRedisURL(url string) Option {
	return func(c *Config) {
		c.Redis.URL = url
		c.Redis.Enabled = true
	}
}

// WithBatching enables bus batch dispatch with the given batch size
func WithBatching(batchSize int, lowLatency bool) Option {
	return func(c *Config) {
		c.Bus.EnableBatching = true
		c.Bus.LowLatencyMode = lowLatency
		if batchSize > 0 {
			c.Bus.BatchSize = batchSize
		}
	}
}

// WithDataDir sets the learning data store directory
func WithDataDir(dir string) Option {
	return func(c *Config) { c.Store.DataDir = dir }
}

// WithExecutionMode sets the dual-architecture selection policy
func WithExecutionMode(mode string) Option {
	return func(c *Config) { c.Learning.ExecutionMode = mode }
}

// WithCoordinatorMode selects event or direct engine invocation
func WithCoordinatorMode(mode string) Option {
	return func(c *Config) { c.Coordinator.Mode = mode }
}
