// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

// Package config loads runtime configuration from a YAML file merged with
// command-line flags. Flags win over the file, the file wins over defaults.
package config

import (
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/glimmerdesk/glimmer/internal/xdg"
)

// Config holds all runtime settings for the glimmer daemon.
type Config struct {
	PluginsDir       string `koanf:"plugins-dir"`
	NativePluginsDir string `koanf:"native-plugins-dir"`
	TickIntervalMS   int64  `koanf:"tick-interval-ms"`
	ValidateServices bool   `koanf:"validate-services"`
	MetricsAddr      string `koanf:"metrics-addr"`
	SocketPath       string `koanf:"socket-path"`
	LogFormat        string `koanf:"log-format"`
}

// Default returns the configuration used when neither file nor flags
// override a setting.
func Default() *Config {
	return &Config{
		PluginsDir:       xdg.PluginsDir(),
		NativePluginsDir: xdg.NativePluginsDir(),
		TickIntervalMS:   1000,
		ValidateServices: true,
		MetricsAddr:      "127.0.0.1:9100",
		SocketPath:       filepath.Join(xdg.RuntimeDir(), "glimmer.sock"),
		LogFormat:        "json",
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.PluginsDir == "" {
		return oops.In("config").New("plugins-dir is required")
	}
	if c.NativePluginsDir == "" {
		return oops.In("config").New("native-plugins-dir is required")
	}
	if c.TickIntervalMS <= 0 {
		return oops.In("config").With("tick-interval-ms", c.TickIntervalMS).New("tick-interval-ms must be positive")
	}
	if c.SocketPath == "" {
		return oops.In("config").New("socket-path is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.In("config").With("log-format", c.LogFormat).New("log-format must be 'json' or 'text'")
	}
	return nil
}

// DefaultFile returns the conventional config file location. The file is
// optional; Load ignores it when absent.
func DefaultFile() string {
	return filepath.Join(xdg.ConfigDir(), "config.yaml")
}

// Load builds the effective configuration. path selects an explicit config
// file; when empty the conventional location is used if it exists. flags may
// be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		if candidate := DefaultFile(); fileExists(candidate) {
			path = candidate
		}
	} else if !fileExists(path) {
		return nil, oops.In("config").With("path", path).New("config file does not exist")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").With("path", path).Hint("failed to parse config file").Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.In("config").Hint("failed to read command-line flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.In("config").Hint("failed to unmarshal config").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
