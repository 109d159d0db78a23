// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package plugin

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	deviterr "github.com/devit-sh/devit/pkg/errors"
)

// Info is the discovery-derived description of an installed plugin. It is
// never persisted.
type Info struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Version      string `json:"version,omitempty"`
	ManifestPath string `json:"manifest_path"`
}

// Registry locates plugins under a root directory: one subdirectory per
// plugin, each holding a plugin.yaml and its module file.
type Registry struct {
	Root string
}

// Discover lists installed plugins. Unreadable or invalid manifests are
// skipped with a warning — a broken plugin never breaks discovery. A missing
// registry root yields an empty list.
func (r *Registry) Discover() []Info {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("plugin registry unreadable", "root", r.Root, "error", err)
		}
		return nil
	}

	var infos []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(r.Root, entry.Name(), ManifestFileName)
		m, err := LoadManifest(manifestPath)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("skipping plugin: invalid manifest", "path", manifestPath, "error", err)
			}
			continue
		}

		infos = append(infos, Info{
			ID:           m.ID,
			Name:         m.Name,
			Version:      m.Version,
			ManifestPath: manifestPath,
		})
	}
	return infos
}

// Load resolves a plugin id to registry/<id>/plugin.yaml and loads the
// manifest fresh — no caching, so manifest edits apply on the next call.
func (r *Registry) Load(id string) (*Manifest, error) {
	if !idRe.MatchString(id) {
		return nil, deviterr.Errorf(deviterr.CodePluginNotFound, "invalid plugin id %q", id)
	}

	manifestPath := filepath.Join(r.Root, id, ManifestFileName)
	m, err := LoadManifest(manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, deviterr.Errorf(deviterr.CodePluginNotFound,
				"plugin %q not found under %s", id, r.Root)
		}
		return nil, err
	}
	return m, nil
}
