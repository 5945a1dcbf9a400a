// Package config provides Viper-based configuration loading for the
// roomhub server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadHeaderTimeout bounds the request-header read.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// RoomsConfig holds room lifecycle settings.
type RoomsConfig struct {
	// IdleTTL is the period of membership inactivity after which a
	// script room destroys itself.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// DiagnosticsConfig holds the failure-payload cache settings.
type DiagnosticsConfig struct {
	// TTL is the retention window for parked failure payloads.
	TTL time.Duration `mapstructure:"ttl"`
}

// ScriptConfig holds script controller settings.
type ScriptConfig struct {
	// InstructionLimit bounds script opcodes per entry point. Zero
	// disables the limit.
	InstructionLimit int `mapstructure:"instruction_limit"`
	// QueueSize bounds the async controller dispatch queue.
	QueueSize int `mapstructure:"queue_size"`
}

// GatewayConfig holds protocol limits.
type GatewayConfig struct {
	// ReasonLimit is the rune bound on string disconnect reasons.
	ReasonLimit int `mapstructure:"reason_limit"`
	// MaxFrameBytes bounds inbound WebSocket frames.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Rooms       RoomsConfig       `mapstructure:"rooms"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Script      ScriptConfig      `mapstructure:"script"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
}

// Load reads configuration from path, applying defaults and ROOMHUB_*
// environment overrides.
//
// Postcondition: Returns a validated Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ROOMHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("rooms.idle_ttl", 2*time.Minute)
	v.SetDefault("diagnostics.ttl", 10*time.Second)
	v.SetDefault("script.instruction_limit", 1_000_000)
	v.SetDefault("script.queue_size", 128)
	v.SetDefault("gateway.reason_limit", 512)
	v.SetDefault("gateway.max_frame_bytes", 1<<20)
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error
// describing all violations.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Sprintf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if c.Rooms.IdleTTL <= 0 {
		errs = append(errs, "rooms.idle_ttl must be positive")
	}
	if c.Diagnostics.TTL <= 0 {
		errs = append(errs, "diagnostics.ttl must be positive")
	}
	if c.Script.InstructionLimit < 0 {
		errs = append(errs, "script.instruction_limit must not be negative")
	}
	if c.Script.QueueSize < 1 {
		errs = append(errs, "script.queue_size must be positive")
	}
	if c.Gateway.ReasonLimit < 1 {
		errs = append(errs, "gateway.reason_limit must be positive")
	}
	if c.Gateway.MaxFrameBytes < 1 {
		errs = append(errs, "gateway.max_frame_bytes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
