// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package plugin implements the WASI plugin registry: manifest parsing,
// discovery under the registry root, and sandboxed execution. A plugin gets
// no filesystem access unless its manifest pre-opens directories, and no
// environment beyond the entries it lists.
package plugin

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	deviterr "github.com/devit-sh/devit/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the per-plugin manifest inside its registry
// subdirectory.
const ManifestFileName = "plugin.yaml"

// idRe matches valid plugin identifiers.
var idRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Manifest describes one plugin. It is reloaded fresh on every invocation so
// manifest edits take effect immediately.
type Manifest struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name,omitempty"`
	Wasm        string   `yaml:"wasm"`
	Version     string   `yaml:"version,omitempty"`
	AllowedDirs []string `yaml:"allowed_dirs,omitempty"`
	Env         []string `yaml:"env,omitempty"`

	// dir is the manifest's directory; the wasm path resolves relative to it.
	dir string
}

// ParseManifest parses YAML data into a Manifest and validates it.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodePluginManifestInvalid, "parsing manifest")
	}

	if errs := m.Validate(); len(errs) > 0 {
		return nil, errs[0]
	}

	return &m, nil
}

// LoadManifest reads and parses the manifest at path, anchoring relative
// wasm paths to the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, deviterr.Wrapf(err, deviterr.CodePluginManifestInvalid, "reading manifest %s", path)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Validate checks that the manifest is well-formed, returning all problems
// found rather than stopping at the first one.
func (m *Manifest) Validate() []error {
	var errs []error

	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, deviterr.New(deviterr.CodePluginManifestInvalid,
			"manifest validation: id must not be empty"))
	} else if !idRe.MatchString(m.ID) {
		errs = append(errs, deviterr.Errorf(deviterr.CodePluginManifestInvalid,
			"manifest validation: id %q contains invalid characters", m.ID))
	}

	if strings.TrimSpace(m.Wasm) == "" {
		errs = append(errs, deviterr.New(deviterr.CodePluginManifestInvalid,
			"manifest validation: wasm module path must not be empty"))
	}

	for i, entry := range m.Env {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			errs = append(errs, deviterr.Errorf(deviterr.CodePluginManifestInvalid,
				"manifest validation: env[%d] must be KEY=VALUE, got %q", i, entry))
		}
	}

	for i, dir := range m.AllowedDirs {
		if strings.TrimSpace(dir) == "" {
			errs = append(errs, deviterr.Errorf(deviterr.CodePluginManifestInvalid,
				"manifest validation: allowed_dirs[%d] must not be empty", i))
		}
	}

	return errs
}

// WasmPath resolves the module path. Relative paths anchor to the manifest
// directory.
func (m *Manifest) WasmPath() string {
	if filepath.IsAbs(m.Wasm) || m.dir == "" {
		return m.Wasm
	}
	return filepath.Join(m.dir, m.Wasm)
}

// DisplayName prefers the optional human-readable name over the id.
func (m *Manifest) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}
