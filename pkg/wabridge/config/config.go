// Package config loads the service configuration from YAML with
// environment variable expansion and .env support.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
	"github.com/jholhewres/wabridge/pkg/wabridge/gateway"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
	"github.com/jholhewres/wabridge/pkg/wabridge/simulator"
)

// Config is the root configuration.
type Config struct {
	// Name identifies this instance in logs.
	Name string `yaml:"name"`

	Logging   LoggingConfig     `yaml:"logging"`
	Gateway   gateway.Config    `yaml:"gateway"`
	Driver    DriverConfig      `yaml:"driver"`
	Contacts  contacts.Options  `yaml:"contacts"`
	Simulator simulator.Options `yaml:"simulator"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is text or json. Default: text
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// DriverConfig configures the network driver and its supervision.
type DriverConfig struct {
	// Path overrides the session database location.
	Path string `yaml:"path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// StartTimeout bounds a driver start. Default: 5s
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gte=0"`

	// ReconnectDelay is the wait before restarting after a drop. Default: 5s
	ReconnectDelay time.Duration `yaml:"reconnect_delay" validate:"gte=0"`

	// LogoutTimeout bounds the remote logout. Default: 10s
	LogoutTimeout time.Duration `yaml:"logout_timeout" validate:"gte=0"`

	// Health configures dead connection detection.
	Health driver.HealthConfig `yaml:"health"`
}

// DriverOptions returns the driver settings.
func (d DriverConfig) DriverOptions() driver.Config {
	return driver.Config{Path: d.Path, DeviceName: d.DeviceName, Health: d.Health}
}

// SessionOptions returns the manager timings.
func (d DriverConfig) SessionOptions() session.Options {
	return session.Options{
		StartTimeout:   d.StartTimeout,
		ReconnectDelay: d.ReconnectDelay,
		LogoutTimeout:  d.LogoutTimeout,
	}
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	sessionDefaults := session.DefaultOptions()
	driverDefaults := driver.DefaultConfig()
	return &Config{
		Name: "wabridge",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Gateway: gateway.DefaultConfig(),
		Driver: DriverConfig{
			DeviceName:     driverDefaults.DeviceName,
			StartTimeout:   sessionDefaults.StartTimeout,
			ReconnectDelay: sessionDefaults.ReconnectDelay,
			LogoutTimeout:  sessionDefaults.LogoutTimeout,
			Health:         driverDefaults.Health,
		},
		Contacts:  contacts.DefaultOptions(),
		Simulator: simulator.DefaultOptions(),
	}
}

var validate = validator.New()

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level to slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
