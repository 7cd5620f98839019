// Package config loads YAML configuration of the command line tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/retry"
	"gopkg.in/yaml.v3"
)

// Config holds configuration of both device and service tools.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Service ServiceConfig `yaml:"service"`
	Retry   RetryConfig   `yaml:"retry"`
	Log     LogConfig     `yaml:"log"`
}

// DeviceConfig is the device session configuration.
type DeviceConfig struct {
	ConnectionString string                 `yaml:"connection_string"`
	Transport        string                 `yaml:"transport"` // mqtt, amqp or http
	WebSocket        bool                   `yaml:"websocket"`
	ConnectTimeout   time.Duration          `yaml:"connect_timeout"`
	Options          map[string]interface{} `yaml:"options,omitempty"`
}

// ServiceConfig is the service clients configuration.
type ServiceConfig struct {
	ConnectionString string        `yaml:"connection_string"`
	WebSocket        bool          `yaml:"websocket"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	MethodTimeout    time.Duration `yaml:"method_timeout"`
}

// RetryConfig is the device reconnection policy.
type RetryConfig struct {
	Policy       string        `yaml:"policy"`
	TimeoutLimit time.Duration `yaml:"timeout_limit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Transport:      "mqtt",
			ConnectTimeout: 30 * time.Second,
		},
		Service: ServiceConfig{
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
			MethodTimeout:   30 * time.Second,
		},
		Retry: RetryConfig{
			Policy: retry.ExponentialBackoffWithJitter.String(),
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// Load reads configuration from the named YAML file on top of defaults,
// empty connection strings are taken from $DEVICE_CONNECTION_STRING
// and $IOTHUB_SERVICE_CONNECTION_STRING.
//
// A missing file is not an error, defaults are used instead.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if cfg.Device.ConnectionString == "" {
		cfg.Device.ConnectionString = os.Getenv("DEVICE_CONNECTION_STRING")
	}
	if cfg.Service.ConnectionString == "" {
		cfg.Service.ConnectionString = os.Getenv("IOTHUB_SERVICE_CONNECTION_STRING")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Device.Transport {
	case "mqtt", "amqp":
	case "http":
		if c.Device.WebSocket {
			return errors.New("device.websocket is not supported by http transport")
		}
	default:
		return fmt.Errorf("device.transport must be one of: mqtt, amqp, http")
	}
	if c.Device.ConnectTimeout < 0 {
		return errors.New("device.connect_timeout cannot be negative")
	}
	for k, v := range c.Device.Options {
		switch v.(type) {
		case string, int:
		default:
			return fmt.Errorf("device.options.%s must be a string or an integer", k)
		}
	}
	if c.Service.BreakerTimeout < 0 {
		return errors.New("service.breaker_timeout cannot be negative")
	}
	if c.Service.MethodTimeout < 0 {
		return errors.New("service.method_timeout cannot be negative")
	}
	if _, err := retry.ParseKind(c.Retry.Policy); err != nil {
		return fmt.Errorf("retry.policy: %w", err)
	}
	if c.Retry.TimeoutLimit < 0 {
		return errors.New("retry.timeout_limit cannot be negative")
	}
	if _, err := common.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// RetryPolicy returns the configured retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	k, err := retry.ParseKind(c.Retry.Policy)
	if err != nil {
		panic(err) // validated
	}
	return retry.New(k, c.Retry.TimeoutLimit)
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() common.LogLevel {
	lvl, err := common.ParseLogLevel(c.Log.Level)
	if err != nil {
		panic(err) // validated
	}
	return lvl
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
