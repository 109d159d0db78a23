// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Runner executes WASI plugin modules in-process under wazero. The runtime
// is created with WithCloseOnContextDone so the per-call deadline forcibly
// stops in-flight execution — a timed-out plugin is never left running.
type Runner struct {
	Timeout time.Duration
}

// Invoke runs the plugin's module for one request/response exchange: the
// request JSON is the module's stdin, the JSON answer is read from its
// stdout. The sandbox pre-opens exactly the manifest's allowed_dirs (none by
// default) and exports exactly the listed env entries.
func (r *Runner) Invoke(ctx context.Context, m *Manifest, request json.RawMessage) (json.RawMessage, error) {
	wasmBytes, err := os.ReadFile(m.WasmPath())
	if err != nil {
		return nil, deviterr.Wrapf(err, deviterr.CodePluginRunFailure,
			"reading wasm module for plugin %s", m.ID)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runtime := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer runtime.Close(context.Background())

	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(m.ID).
		WithArgs(m.ID).
		WithStdin(bytes.NewReader(request)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	for _, entry := range m.Env {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, deviterr.Errorf(deviterr.CodePluginManifestInvalid,
				"env entry %q must be KEY=VALUE", entry)
		}
		modCfg = modCfg.WithEnv(key, value)
	}

	fsCfg := wazero.NewFSConfig()
	for _, dir := range m.AllowedDirs {
		fsCfg = fsCfg.WithDirMount(dir, dir)
	}
	modCfg = modCfg.WithFSConfig(fsCfg)

	mod, err := runtime.InstantiateWithConfig(ctx, wasmBytes, modCfg)
	if err != nil {
		if runErr := classifyRunError(ctx, m.ID, timeout, err); runErr != nil {
			return nil, runErr
		}
	}
	if mod != nil {
		defer mod.Close(context.Background())
	}

	return FirstJSONDocument(stdout.Bytes())
}

// classifyRunError maps an instantiation failure to a coded error, treating
// a clean proc_exit(0) as success.
func classifyRunError(ctx context.Context, id string, timeout time.Duration, err error) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return deviterr.Errorf(deviterr.CodePluginRunTimeout,
			"plugin %s did not complete within %s", id, timeout)
	}

	return deviterr.Wrapf(err, deviterr.CodePluginRunFailure, "running plugin %s", id)
}

// FirstJSONDocument scans output for the first line starting with '{' or '['
// and parses one JSON document from there. Plugins may emit diagnostics
// before their answer; those lines are skipped.
func FirstJSONDocument(output []byte) (json.RawMessage, error) {
	lines := bytes.Split(output, []byte("\n"))
	for i, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
			continue
		}

		rest := bytes.Join(lines[i:], []byte("\n"))
		dec := json.NewDecoder(bytes.NewReader(rest))
		var doc json.RawMessage
		if err := dec.Decode(&doc); err != nil {
			return nil, deviterr.Wrap(err, deviterr.CodePluginOutputInvalid,
				"parsing plugin output")
		}
		return doc, nil
	}

	return nil, deviterr.New(deviterr.CodePluginOutputInvalid,
		"plugin produced no JSON document on stdout")
}
