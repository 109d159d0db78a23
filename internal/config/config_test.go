// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devit-sh/devit/internal/config"
	"github.com/devit-sh/devit/internal/policy"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "devit", cfg.DevitBin)
	assert.Equal(t, 10000, cfg.TimeoutMs)
	assert.False(t, cfg.AutoYes)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, 30, cfg.Limits.MaxCallsPerMinute)
	assert.Equal(t, 256, cfg.Limits.MaxJSONSizeKB)
	assert.Equal(t, int64(0), cfg.Limits.CooldownMs)
	assert.True(t, cfg.Audit.Enabled)
	assert.NotEmpty(t, cfg.Audit.LogPath)
	assert.NotEmpty(t, cfg.Plugins.Dir)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeout_ms: 2500
limits:
  max_calls_per_minute: 5
  cooldown_ms: 100
audit:
  enabled: false
policies:
  echo: on_failure
  custom.deployer: untrusted
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2500, cfg.TimeoutMs)
	assert.Equal(t, 5, cfg.Limits.MaxCallsPerMinute)
	assert.Equal(t, int64(100), cfg.Limits.CooldownMs)
	assert.False(t, cfg.Audit.Enabled)

	table, err := cfg.PolicyTable()
	require.NoError(t, err)
	assert.Equal(t, policy.OnFailure, table.Resolve("echo"))
	assert.Equal(t, policy.Untrusted, table.Resolve("custom.deployer"))
	assert.Equal(t, policy.OnRequest, table.Resolve("devit.tool_call"))
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, deviterr.CodeConfigLoadReadFailure, deviterr.CodeOf(err))
}

func TestLoad_UnparsableFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout_ms: [not a scalar\n"), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_BadPolicyString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  echo: sometimes\n"), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Equal(t, deviterr.CodeConfigValidateInvalid, deviterr.CodeOf(err))
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &config.Config{
		DevitBin:  "",
		TimeoutMs: 0,
		Limits: config.LimitsConfig{
			MaxCallsPerMinute: -1,
			MaxJSONSizeKB:     0,
			CooldownMs:        -5,
		},
		Audit: config.AuditConfig{Enabled: true},
	}

	errs := cfg.Validate()
	assert.GreaterOrEqual(t, len(errs), 6)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DEVIT_TIMEOUT_MS", "777")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 777, cfg.TimeoutMs)
}
