// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package plugin_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devit-sh/devit/internal/plugin"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyWasm is the smallest valid wasm module: magic and version, no
// sections. It instantiates cleanly and produces no output.
var emptyWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestParseManifest_Valid(t *testing.T) {
	m, err := plugin.ParseManifest([]byte(`
id: hello-wasm
name: Hello
wasm: hello.wasm
version: 0.2.0
allowed_dirs:
  - /tmp/plugin-scratch
env:
  - LOG_LEVEL=debug
`))
	require.NoError(t, err)
	assert.Equal(t, "hello-wasm", m.ID)
	assert.Equal(t, "Hello", m.Name)
	assert.Equal(t, "0.2.0", m.Version)
	assert.Equal(t, []string{"/tmp/plugin-scratch"}, m.AllowedDirs)
	assert.Equal(t, []string{"LOG_LEVEL=debug"}, m.Env)
	assert.Equal(t, "Hello", m.DisplayName())
}

func TestParseManifest_DefaultsAreClosed(t *testing.T) {
	m, err := plugin.ParseManifest([]byte("id: bare\nwasm: bare.wasm\n"))
	require.NoError(t, err)
	assert.Empty(t, m.AllowedDirs, "default sandbox is closed")
	assert.Empty(t, m.Env)
	assert.Equal(t, "bare", m.DisplayName())
}

func TestParseManifest_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id":   "wasm: x.wasm\n",
		"missing wasm": "id: p\n",
		"bad id":       "id: 'a b'\nwasm: x.wasm\n",
		"bad env":      "id: p\nwasm: x.wasm\nenv:\n  - NOEQUALS\n",
	}
	for name, manifest := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(manifest))
			require.Error(t, err)
			assert.Equal(t, deviterr.CodePluginManifestInvalid, deviterr.CodeOf(err))
		})
	}
}

func TestLoadManifest_ResolvesWasmRelativeToManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, plugin.ManifestFileName)
	require.NoError(t, os.WriteFile(path, []byte("id: p\nwasm: mod.wasm\n"), 0o600))

	m, err := plugin.LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mod.wasm"), m.WasmPath())
}

func writePlugin(t *testing.T, root, id string, manifest string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), []byte(manifest), 0o600))
}

func TestRegistry_Discover(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha", "id: alpha\nwasm: alpha.wasm\nversion: 1.0.0\n")
	writePlugin(t, root, "beta", "id: beta\nname: Beta\nwasm: beta.wasm\n")
	// Invalid manifest: skipped, not fatal.
	writePlugin(t, root, "broken", "id: ''\nwasm: ''\n")
	// Directory with no manifest at all: skipped silently.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	reg := &plugin.Registry{Root: root}
	infos := reg.Discover()
	require.Len(t, infos, 2)

	ids := []string{infos[0].ID, infos[1].ID}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}

func TestRegistry_DiscoverMissingRoot(t *testing.T) {
	reg := &plugin.Registry{Root: filepath.Join(t.TempDir(), "nope")}
	assert.Empty(t, reg.Discover())
}

func TestRegistry_Load(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha", "id: alpha\nwasm: alpha.wasm\n")

	reg := &plugin.Registry{Root: root}
	m, err := reg.Load("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", m.ID)
	assert.Equal(t, filepath.Join(root, "alpha", "alpha.wasm"), m.WasmPath())

	_, err = reg.Load("missing")
	require.Error(t, err)
	assert.Equal(t, deviterr.CodePluginNotFound, deviterr.CodeOf(err))

	_, err = reg.Load("../escape")
	require.Error(t, err)
	assert.Equal(t, deviterr.CodePluginNotFound, deviterr.CodeOf(err))
}

func TestRegistry_LoadReloadsFreshEachCall(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha", "id: alpha\nwasm: alpha.wasm\n")

	reg := &plugin.Registry{Root: root}
	m, err := reg.Load("alpha")
	require.NoError(t, err)
	assert.Empty(t, m.Env)

	writePlugin(t, root, "alpha", "id: alpha\nwasm: alpha.wasm\nenv:\n  - MODE=fast\n")
	m, err = reg.Load("alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"MODE=fast"}, m.Env)
}

func TestFirstJSONDocument(t *testing.T) {
	doc, err := plugin.FirstJSONDocument([]byte("loading model...\nwarmup done\n{\"ok\":true}\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(doc))

	doc, err = plugin.FirstJSONDocument([]byte("[1,2,3]"))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(doc))

	// Multi-line documents parse from the first opening line.
	doc, err = plugin.FirstJSONDocument([]byte("diag\n{\n  \"ok\": true\n}\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(doc))

	_, err = plugin.FirstJSONDocument([]byte("nothing here\n"))
	require.Error(t, err)
	assert.Equal(t, deviterr.CodePluginOutputInvalid, deviterr.CodeOf(err))
}

func TestRunner_MissingModuleFile(t *testing.T) {
	m, err := plugin.ParseManifest([]byte("id: ghost\nwasm: /nonexistent/ghost.wasm\n"))
	require.NoError(t, err)

	r := &plugin.Runner{Timeout: time.Second}
	_, err = r.Invoke(context.Background(), m, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, deviterr.CodePluginRunFailure, deviterr.CodeOf(err))
}

func TestRunner_EmptyModuleProducesNoAnswer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.wasm"), emptyWasm, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName),
		[]byte("id: empty\nwasm: empty.wasm\n"), 0o600))

	m, err := plugin.LoadManifest(filepath.Join(dir, plugin.ManifestFileName))
	require.NoError(t, err)

	r := &plugin.Runner{Timeout: 5 * time.Second}
	_, err = r.Invoke(context.Background(), m, json.RawMessage(`{"probe":true}`))
	require.Error(t, err)
	assert.Equal(t, deviterr.CodePluginOutputInvalid, deviterr.CodeOf(err))
}
