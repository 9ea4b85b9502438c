package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the configuration surface. Every field is optional; zero
// values are replaced by these during validation.
const (
	DefaultMaxConcurrency      = 10
	DefaultTaskTimeout         = 30 * time.Second
	DefaultSwarmTimeout        = 10 * time.Minute
	DefaultDeployTimeout       = 15 * time.Second
	DefaultStaleLockTimeout    = 200 * time.Millisecond
	DefaultScanInterval        = 50 * time.Millisecond
	DefaultHotStandbyPercent   = 5.0
	DefaultBatchInterval       = 250 * time.Millisecond
	DefaultBatchBufferSize     = 20
	DefaultThroughputThreshold = 50.0
	DefaultMessagePoolCapacity = 10000
)

var (
	// ErrInvalidConcurrency is returned when max concurrency is negative
	ErrInvalidConcurrency = errors.New("max concurrency must be positive")

	// ErrInvalidStandbyPercent is returned when the hot-standby percentage
	// is outside [0, 100]
	ErrInvalidStandbyPercent = errors.New("hot standby percent must be between 0 and 100")

	// ErrInvalidInterval is returned when a timer interval is negative
	ErrInvalidInterval = errors.New("interval must be positive")
)

// BatchingConfig controls the event bus buffering behavior.
type BatchingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseInterval   time.Duration `mapstructure:"base_interval"`
	BaseBufferSize int           `mapstructure:"base_buffer_size"`
}

// AdaptiveConfig controls the self-tuning of the event bus flush cadence.
type AdaptiveConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	ThroughputThreshold float64 `mapstructure:"throughput_threshold"`
}

// MessagePoolConfig controls the reusable status-message allocator.
type MessagePoolConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Capacity int  `mapstructure:"capacity"`
}

// Config is the full configuration surface of the swarm engine.
type Config struct {
	Provider          string        `mapstructure:"provider"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	SwarmTimeout      time.Duration `mapstructure:"swarm_timeout"`
	DeployTimeout     time.Duration `mapstructure:"deploy_timeout"`
	StaleLockTimeout  time.Duration `mapstructure:"stale_lock_timeout"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	HotStandbyPercent float64       `mapstructure:"hot_standby_percent"`

	Batching    BatchingConfig    `mapstructure:"batching"`
	Adaptive    AdaptiveConfig    `mapstructure:"adaptive"`
	MessagePool MessagePoolConfig `mapstructure:"message_pool"`
}

// Default returns a configuration with every field set to its default.
func Default() Config {
	return Config{
		Provider:          "local",
		MaxConcurrency:    DefaultMaxConcurrency,
		TaskTimeout:       DefaultTaskTimeout,
		SwarmTimeout:      DefaultSwarmTimeout,
		DeployTimeout:     DefaultDeployTimeout,
		StaleLockTimeout:  DefaultStaleLockTimeout,
		ScanInterval:      DefaultScanInterval,
		HotStandbyPercent: DefaultHotStandbyPercent,
		Batching: BatchingConfig{
			Enabled:        true,
			BaseInterval:   DefaultBatchInterval,
			BaseBufferSize: DefaultBatchBufferSize,
		},
		Adaptive: AdaptiveConfig{
			Enabled:             true,
			ThroughputThreshold: DefaultThroughputThreshold,
		},
		MessagePool: MessagePoolConfig{
			Enabled:  true,
			Capacity: DefaultMessagePoolCapacity,
		},
	}
}

// Validate fills in defaults for zero values and rejects invalid settings.
// This is the only place configuration errors surface; everything past
// construction folds failures into run status instead of returning errors.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrency, c.MaxConcurrency)
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.HotStandbyPercent < 0 || c.HotStandbyPercent > 100 {
		return fmt.Errorf("%w: got %.1f", ErrInvalidStandbyPercent, c.HotStandbyPercent)
	}
	if c.TaskTimeout < 0 || c.SwarmTimeout < 0 || c.DeployTimeout < 0 ||
		c.StaleLockTimeout < 0 || c.ScanInterval < 0 {
		return ErrInvalidInterval
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.SwarmTimeout == 0 {
		c.SwarmTimeout = DefaultSwarmTimeout
	}
	if c.DeployTimeout == 0 {
		c.DeployTimeout = DefaultDeployTimeout
	}
	if c.StaleLockTimeout == 0 {
		c.StaleLockTimeout = DefaultStaleLockTimeout
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.Provider == "" {
		c.Provider = "local"
	}
	if c.Batching.BaseInterval < 0 || c.Batching.BaseBufferSize < 0 {
		return ErrInvalidInterval
	}
	if c.Batching.BaseInterval == 0 {
		c.Batching.BaseInterval = DefaultBatchInterval
	}
	if c.Batching.BaseBufferSize == 0 {
		c.Batching.BaseBufferSize = DefaultBatchBufferSize
	}
	if c.Adaptive.ThroughputThreshold < 0 {
		return fmt.Errorf("%w: throughput threshold %.1f", ErrInvalidInterval, c.Adaptive.ThroughputThreshold)
	}
	if c.Adaptive.ThroughputThreshold == 0 {
		c.Adaptive.ThroughputThreshold = DefaultThroughputThreshold
	}
	if c.MessagePool.Capacity < 0 {
		return fmt.Errorf("message pool capacity must not be negative: got %d", c.MessagePool.Capacity)
	}
	if c.MessagePool.Capacity == 0 {
		c.MessagePool.Capacity = DefaultMessagePoolCapacity
	}
	return nil
}

// StandbyTarget returns the number of standby workers to keep warm.
// At least one when the percentage is non-zero and concurrency is non-zero.
func (c *Config) StandbyTarget() int {
	if c.HotStandbyPercent == 0 {
		return 0
	}
	target := int(float64(c.MaxConcurrency) * c.HotStandbyPercent / 100.0)
	if target < 1 {
		target = 1
	}
	return target
}

// FromViper builds a Config from a viper instance, applying defaults for
// anything unset.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.UnmarshalKey("swarm", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal swarm config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
