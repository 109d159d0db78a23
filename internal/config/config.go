// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package config loads the server/client configuration with the standard
// precedence flag > env (DEVIT_ prefix) > file > defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/devit-sh/devit/internal/policy"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the top-level devit-tools configuration. Everything here is
// fixed for the process lifetime once loaded.
type Config struct {
	DevitBin     string            `mapstructure:"devit_bin"`
	TimeoutMs    int               `mapstructure:"timeout_ms"`
	AutoYes      bool              `mapstructure:"auto_yes"`
	DryRun       bool              `mapstructure:"dry_run"`
	MaxRuntimeMs int64             `mapstructure:"max_runtime_ms"`
	IndexPath    string            `mapstructure:"index_path"`
	Limits       LimitsConfig      `mapstructure:"limits"`
	Audit        AuditConfig       `mapstructure:"audit"`
	Plugins      PluginsConfig     `mapstructure:"plugins"`
	Policies     map[string]string `mapstructure:"policies"`
}

// LimitsConfig tunes the per-tool admission gate and input size cap.
type LimitsConfig struct {
	MaxCallsPerMinute int   `mapstructure:"max_calls_per_minute"`
	MaxJSONSizeKB     int   `mapstructure:"max_json_size_kb"`
	CooldownMs        int64 `mapstructure:"cooldown_ms"`
}

// AuditConfig controls the signed call trail.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	LogPath string `mapstructure:"log_path"`
	KeyPath string `mapstructure:"key_path"`
}

// PluginsConfig locates the plugin registry.
type PluginsConfig struct {
	Dir string `mapstructure:"dir"`
}

// DataDir is the default state directory (~/.devit). Falls back to a
// relative .devit when the home directory cannot be resolved.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devit"
	}
	return filepath.Join(home, ".devit")
}

// SetDefaults registers every configuration default on v.
func SetDefaults(v *viper.Viper) {
	data := DataDir()

	v.SetDefault("devit_bin", "devit")
	v.SetDefault("timeout_ms", 10000)
	v.SetDefault("auto_yes", false)
	v.SetDefault("dry_run", false)
	v.SetDefault("max_runtime_ms", 0)
	v.SetDefault("index_path", filepath.Join(".devit", "index.json"))
	v.SetDefault("limits.max_calls_per_minute", 30)
	v.SetDefault("limits.max_json_size_kb", 256)
	v.SetDefault("limits.cooldown_ms", 0)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_path", filepath.Join(data, "audit.jsonl"))
	v.SetDefault("audit.key_path", filepath.Join(data, "audit.key"))
	v.SetDefault("plugins.dir", filepath.Join(data, "plugins"))
}

// SetupEnv binds DEVIT_-prefixed environment variables, so e.g.
// DEVIT_TIMEOUT_MS and DEVIT_PLUGINS_DIR override file values.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("DEVIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from an optional file path with env overrides. A
// missing path is fine; an unparsable file is a startup error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, deviterr.Wrapf(err, deviterr.CodeConfigLoadReadFailure, "reading config %s", path)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a fully-populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeConfigValidateInvalid, "unmarshalling config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, deviterr.Wrap(errors.Join(errs...), deviterr.CodeConfigValidateInvalid, "validating config")
	}

	return &cfg, nil
}

// Validate collects all configuration problems rather than stopping at the
// first one.
func (c *Config) Validate() []error {
	var errs []error

	if strings.TrimSpace(c.DevitBin) == "" {
		errs = append(errs, deviterr.New(deviterr.CodeConfigValidateInvalid,
			"config: devit_bin must not be empty"))
	}

	if c.TimeoutMs <= 0 {
		errs = append(errs, deviterr.Errorf(deviterr.CodeConfigValidateInvalid,
			"config: timeout_ms must be greater than 0, got %d", c.TimeoutMs))
	}

	if c.MaxRuntimeMs < 0 {
		errs = append(errs, deviterr.Errorf(deviterr.CodeConfigValidateInvalid,
			"config: max_runtime_ms must not be negative, got %d", c.MaxRuntimeMs))
	}

	if c.Limits.MaxCallsPerMinute < 0 {
		errs = append(errs, deviterr.Errorf(deviterr.CodeConfigValidateInvalid,
			"config: limits.max_calls_per_minute must not be negative, got %d", c.Limits.MaxCallsPerMinute))
	}

	if c.Limits.MaxJSONSizeKB <= 0 {
		errs = append(errs, deviterr.Errorf(deviterr.CodeConfigValidateInvalid,
			"config: limits.max_json_size_kb must be greater than 0, got %d", c.Limits.MaxJSONSizeKB))
	}

	if c.Limits.CooldownMs < 0 {
		errs = append(errs, deviterr.Errorf(deviterr.CodeConfigValidateInvalid,
			"config: limits.cooldown_ms must not be negative, got %d", c.Limits.CooldownMs))
	}

	if c.Audit.Enabled {
		if strings.TrimSpace(c.Audit.LogPath) == "" {
			errs = append(errs, deviterr.New(deviterr.CodeConfigValidateInvalid,
				"config: audit.log_path must not be empty when audit is enabled"))
		}
		if strings.TrimSpace(c.Audit.KeyPath) == "" {
			errs = append(errs, deviterr.New(deviterr.CodeConfigValidateInvalid,
				"config: audit.key_path must not be empty when audit is enabled"))
		}
	}

	for tool, raw := range c.Policies {
		if _, err := policy.Parse(raw); err != nil {
			errs = append(errs, deviterr.Wrapf(err, deviterr.CodeConfigValidateInvalid,
				"config: policies[%s]", tool))
		}
	}

	return errs
}

// PolicyTable builds the effective immutable policy table: hardcoded
// defaults merged with the config-file overrides.
func (c *Config) PolicyTable() (*policy.Table, error) {
	return policy.Defaults().Merge(c.Policies)
}
