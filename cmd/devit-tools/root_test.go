// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI with a clean global viper and captured output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "devit-tools")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "client")
	assert.Contains(t, out, "version")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "devit-tools")
}

func TestServeCommand_BadConfigPath(t *testing.T) {
	_, err := execute(t, "serve", "--config", "/nonexistent/devit.yaml")
	assert.Error(t, err)
}

func TestServeCommand_DumpPolicy(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "devit.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("policies:\n  fs.write: untrusted\n"), 0o600))

	out, err := execute(t, "serve", "--config", cfgPath, "--dump-policy")
	require.NoError(t, err)

	var doc struct {
		Policies      map[string]string `json:"policies"`
		DefaultPolicy string            `json:"default_policy"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "untrusted", doc.Policies["fs.write"])
	assert.Equal(t, "never", doc.Policies["echo"])
	assert.Equal(t, "on_request", doc.DefaultPolicy)
}

func TestServeCommand_RejectsBadPolicyValue(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "devit.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("policies:\n  fs.write: sometimes\n"), 0o600))

	_, err := execute(t, "serve", "--config", cfgPath, "--dump-policy")
	assert.Error(t, err)
}

func TestClientCall_DryRunPreview(t *testing.T) {
	out, err := execute(t, "client", "call", "echo", `{"text":"hi"}`, "--dry-run")
	require.NoError(t, err)

	var call struct {
		Type string          `json:"type"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &call))
	assert.Equal(t, "tool.call", call.Type)
	assert.Equal(t, "echo", call.Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(call.Args))
}

func TestClientCall_RejectsInvalidArgs(t *testing.T) {
	_, err := execute(t, "client", "call", "echo", "not json", "--dry-run")
	assert.Error(t, err)
}

func TestClientQueryCommands_Registered(t *testing.T) {
	out, err := execute(t, "client", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "handshake")
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "call")
	assert.Contains(t, out, "policy")
	assert.Contains(t, out, "health")
	assert.Contains(t, out, "stats")
	assert.Contains(t, out, "--client-version")
	assert.Contains(t, out, "--timeout-ms")
	assert.Contains(t, out, "--server-cmd")
}
