package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Log      LogConfig      `mapstructure:"log"`
}

// RuntimeConfig selects and tunes the container engine.
type RuntimeConfig struct {
	// Kind is the engine adapter: "podman" (CLI) or "docker" (Engine API).
	Kind string `mapstructure:"kind"`

	// Binary overrides the CLI binary name for the podman adapter. A
	// docker-compatible CLI works too.
	Binary string `mapstructure:"binary"`

	// Host runs the podman CLI on a remote machine when set to an
	// ssh://user@host[:port] URL. Empty means local execution.
	Host string `mapstructure:"host"`

	// SSHKeyFile is the private key used for ssh:// hosts.
	SSHKeyFile string `mapstructure:"ssh_key_file"`
}

// ExecutorConfig tunes scheduling.
type ExecutorConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
}

// JournalConfig holds run history storage configuration.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("runtime.kind", "podman")
	v.SetDefault("runtime.binary", "podman")
	v.SetDefault("runtime.host", "")
	v.SetDefault("runtime.ssh_key_file", "")
	v.SetDefault("executor.max_concurrent", 4)
	v.SetDefault("executor.poll_interval", "500ms")
	v.SetDefault("executor.ready_timeout", "5m")
	v.SetDefault("journal.path", "./data/podstack.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("PODSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch cfg.Runtime.Kind {
	case "podman", "docker":
	default:
		return nil, fmt.Errorf("unknown runtime kind %q (want podman or docker)", cfg.Runtime.Kind)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
