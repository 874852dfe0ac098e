// Package config loads and validates the service configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	LogLevel string `mapstructure:"logLevel"`

	Server   ServerConfig   `mapstructure:"server"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Platform PlatformConfig `mapstructure:"platform"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	HooksDir string         `mapstructure:"hooksDir"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RealtimeConfig configures the channel service connection.
type RealtimeConfig struct {
	URL                 string        `mapstructure:"url"`
	CommandTimeout      time.Duration `mapstructure:"commandTimeout"`
	PingInterval        time.Duration `mapstructure:"pingInterval"`
	HealthCheckInterval time.Duration `mapstructure:"healthCheckInterval"`
	Debounce            time.Duration `mapstructure:"debounce"`
}

// PlatformConfig configures the clinic platform REST client.
type PlatformConfig struct {
	BaseURL string        `mapstructure:"baseUrl"`
	APIKey  string        `mapstructure:"apiKey"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetryConfig configures backoff for both the global connection and the
// per-subscription budgets.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
}

// DeliveryConfig configures the delivery channels.
type DeliveryConfig struct {
	DedupSize int `mapstructure:"dedupSize"`
}

// Load reads the configuration file at path, applying defaults and
// environment overrides (CAREPULSE_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAREPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("realtime.commandTimeout", 10*time.Second)
	v.SetDefault("realtime.pingInterval", 30*time.Second)
	v.SetDefault("realtime.healthCheckInterval", 30*time.Second)
	v.SetDefault("realtime.debounce", 2*time.Second)
	v.SetDefault("retry.baseDelay", 1*time.Second)
	v.SetDefault("retry.maxDelay", 30*time.Second)
	v.SetDefault("retry.maxAttempts", 5)
	v.SetDefault("delivery.dedupSize", 512)
}

func validate(cfg *Config) error {
	if cfg.Realtime.URL == "" {
		return errors.New("realtime.url is required")
	}
	if !strings.HasPrefix(cfg.Realtime.URL, "ws://") && !strings.HasPrefix(cfg.Realtime.URL, "wss://") {
		return fmt.Errorf("realtime.url must be a ws:// or wss:// endpoint")
	}
	if cfg.Platform.BaseURL == "" {
		return errors.New("platform.baseUrl is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.maxAttempts must be at least 1")
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return errors.New("retry delays must satisfy 0 < baseDelay <= maxDelay")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}
	return nil
}
