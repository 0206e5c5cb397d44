// Package config loads devrun settings from defaults, an optional TOML file
// and DEVRUN_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"

	"devrun/internal/logging"
	"devrun/internal/logstream"
)

// EnvPrefix prefixes every environment variable, e.g. DEVRUN_PORT.
const EnvPrefix = "DEVRUN"

// Config holds all devrun configuration. Environment keys are derived from
// field names, so only DEVRUN_-prefixed variables are read.
type Config struct {
	// Server
	Port int    `toml:"port" split_words:"true"`
	Host string `toml:"host" split_words:"true"`

	// Project
	ProjectDir    string `toml:"project_dir" split_words:"true"`
	Project       string `toml:"project" split_words:"true"`
	OutputDir     string `toml:"output_dir" split_words:"true"`
	Configuration string `toml:"configuration" split_words:"true"`
	Watch         bool   `toml:"watch" split_words:"true"`

	// Session
	AutoPickScheme   bool   `toml:"auto_pick_scheme" split_words:"true"`
	AnnounceDuration bool   `toml:"announce_duration" split_words:"true"`
	HistorySize      int    `toml:"history_size" split_words:"true"`
	LogMode          string `toml:"log_mode" split_words:"true"`

	// Logging
	LogLevel string `toml:"log_level" split_words:"true"`
	LogDev   bool   `toml:"log_dev" split_words:"true"`
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Port:           8420,
		Host:           "127.0.0.1",
		ProjectDir:     ".",
		Configuration:  "Debug",
		Watch:          true,
		AutoPickScheme: true,
		HistorySize:    1000,
		LogMode:        string(logstream.ModeProcessOutput),
		LogLevel:       "info",
	}
}

// Load applies the TOML file at path (if non-empty) and then the environment
// over the defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("history_size must be positive, got %d", c.HistorySize))
	}
	if !logstream.Mode(c.LogMode).Valid() {
		errs = append(errs, fmt.Errorf("log_mode %q is not one of process-output, system-log, both", c.LogMode))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.ProjectDir == "" && c.Project == "" {
		errs = append(errs, errors.New("project_dir or project is required"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProjectPath is the explicit project if set, else the project directory.
func (c *Config) ProjectPath() string {
	if c.Project != "" {
		return c.Project
	}
	return c.ProjectDir
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Development = c.LogDev
	return lc
}
