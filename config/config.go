// Package config 加载桥接代理的运行配置。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the bridge proxy
type Config struct {
	// Listeners
	ListenAddress   string `mapstructure:"LISTEN_ADDRESS"`
	UpstreamAddress string `mapstructure:"UPSTREAM_ADDRESS"`
	MetricsAddress  string `mapstructure:"METRICS_ADDRESS"`

	// Rewrite
	RewriteTypes    []string `mapstructure:"REWRITE_TYPES"`
	MaxMessageBytes int      `mapstructure:"MAX_MESSAGE_BYTES"`

	// Lifecycle
	ShutdownTimeout int `mapstructure:"SHUTDOWN_TIMEOUT"`

	// Logging
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`
	LogFilePath string `mapstructure:"LOG_FILE_PATH"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("LISTEN_ADDRESS", ":9848")
	v.SetDefault("UPSTREAM_ADDRESS", "127.0.0.1:19848")
	v.SetDefault("METRICS_ADDRESS", ":9090")
	v.SetDefault("REWRITE_TYPES", []string{"SubscribeServiceResponse", "NotifySubscriberRequest"})
	v.SetDefault("MAX_MESSAGE_BYTES", 10*1024*1024)
	v.SetDefault("SHUTDOWN_TIMEOUT", 15)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_FILE_PATH", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nacos-bridge")
	}

	// Environment variables, e.g. NACOS_BRIDGE_UPSTREAM_ADDRESS
	v.SetEnvPrefix("NACOS_BRIDGE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("config: LISTEN_ADDRESS is required")
	}
	if c.UpstreamAddress == "" {
		return errors.New("config: UPSTREAM_ADDRESS is required")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: MAX_MESSAGE_BYTES must be positive, got %d", c.MaxMessageBytes)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: SHUTDOWN_TIMEOUT must be positive, got %d", c.ShutdownTimeout)
	}
	return nil
}

// GetShutdownTimeout returns the graceful shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}
