package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config defines the top level configuration for an ordermesh node.
type Config struct {
	Pool *PoolConfig `mapstructure:"pool"`
	Net  *NetConfig  `mapstructure:"net"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pool: DefaultPoolConfig(),
		Net:  DefaultNetConfig(),
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.Pool.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [pool] section: %w", err)
	}
	if err := cfg.Net.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [net] section: %w", err)
	}
	return nil
}

// Load reads configuration from the given file, layering it over defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PoolConfig defines the configuration options for the order pool.
type PoolConfig struct {
	// MaxOrders caps the number of orders in the pool across all sub-pools.
	MaxOrders int `mapstructure:"max-orders"`

	// MaxPoolBytes caps the cumulative size of all pooled orders.
	MaxPoolBytes int64 `mapstructure:"max-pool-bytes"`

	// MaxOrderBytes caps the encoded size of a single order.
	MaxOrderBytes int `mapstructure:"max-order-bytes"`

	// EventBufferSize is the channel capacity handed to pool event
	// subscribers. A subscriber that falls more than this far behind loses
	// events rather than stalling admission.
	EventBufferSize int `mapstructure:"event-buffer-size"`
}

// DefaultPoolConfig returns a default configuration for the order pool.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxOrders:       5000,
		MaxPoolBytes:    512 * 1024 * 1024, // 512MB
		MaxOrderBytes:   1024 * 1024,       // 1MB
		EventBufferSize: 1024,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *PoolConfig) ValidateBasic() error {
	if cfg.MaxOrders <= 0 {
		return errors.New("max-orders must be positive")
	}
	if cfg.MaxPoolBytes <= 0 {
		return errors.New("max-pool-bytes must be positive")
	}
	if cfg.MaxOrderBytes <= 0 {
		return errors.New("max-order-bytes must be positive")
	}
	if cfg.EventBufferSize <= 0 {
		return errors.New("event-buffer-size must be positive")
	}
	return nil
}

// NetConfig defines the configuration options for the order network layer.
type NetConfig struct {
	// MaxDialRetries bounds connection attempts before a peer is marked
	// disconnected.
	MaxDialRetries int `mapstructure:"max-dial-retries"`

	// DialRetryDelay is the pause between connection attempts.
	DialRetryDelay time.Duration `mapstructure:"dial-retry-delay"`

	// PooledHashesMax bounds the hash list exchanged on session
	// establishment.
	PooledHashesMax int `mapstructure:"pooled-hashes-max"`

	// SoftResponseLimit is the byte budget for one full-order response. The
	// order that would cross the limit is excluded.
	SoftResponseLimit int64 `mapstructure:"soft-response-limit"`

	// SendQueueCapacity is the per-session outbound message buffer.
	SendQueueCapacity int `mapstructure:"send-queue-capacity"`

	// EventBufferSize is the channel capacity for network event
	// subscribers.
	EventBufferSize int `mapstructure:"event-buffer-size"`
}

// DefaultNetConfig returns a default configuration for the network layer.
func DefaultNetConfig() *NetConfig {
	return &NetConfig{
		MaxDialRetries:    3,
		DialRetryDelay:    500 * time.Millisecond,
		PooledHashesMax:   4096,
		SoftResponseLimit: 2 * 1024 * 1024, // 2MB
		SendQueueCapacity: 1024,
		EventBufferSize:   256,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *NetConfig) ValidateBasic() error {
	if cfg.MaxDialRetries < 0 {
		return errors.New("max-dial-retries cannot be negative")
	}
	if cfg.DialRetryDelay < 0 {
		return errors.New("dial-retry-delay cannot be negative")
	}
	if cfg.PooledHashesMax <= 0 {
		return errors.New("pooled-hashes-max must be positive")
	}
	if cfg.SoftResponseLimit <= 0 {
		return errors.New("soft-response-limit must be positive")
	}
	if cfg.SendQueueCapacity <= 0 {
		return errors.New("send-queue-capacity must be positive")
	}
	if cfg.EventBufferSize <= 0 {
		return errors.New("event-buffer-size must be positive")
	}
	return nil
}
