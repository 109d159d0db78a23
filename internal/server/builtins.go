// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package server

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devit-sh/devit/internal/plugin"
	deviterr "github.com/devit-sh/devit/pkg/errors"
)

// Tool is one dispatchable capability. The registry is built once at
// startup, so the supported tool set and each tool's argument contract are
// fixed for the session.
type Tool struct {
	Name string
	// Introspection tools stay callable in dry-run mode.
	Introspection bool
	// ArgsSchema is an optional JSON Schema for the call arguments.
	ArgsSchema string
	Call       func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

const contextHeadSchema = `{
	"type": "object",
	"properties": {
		"limit": {"type": "integer"},
		"extensions": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

const echoSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`

const pluginInvokeSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"manifest_path": {"type": "string"},
		"request": {}
	},
	"additionalProperties": false
}`

// builtinTools assembles the registry: introspection builtins, the host-CLI
// re-invocation tools, and plugin discovery/invocation.
func (s *Server) builtinTools() map[string]*Tool {
	tools := []*Tool{
		{Name: "echo", Introspection: true, ArgsSchema: echoSchema, Call: s.handleEcho},
		{Name: "server.health", Introspection: true, Call: s.handleHealth},
		{Name: "server.stats", Introspection: true, Call: s.handleStats},
		{Name: "server.policy", Introspection: true, Call: s.handlePolicy},
		{Name: "server.context_head", Introspection: true, ArgsSchema: contextHeadSchema, Call: s.handleContextHead},
		{Name: "plugin.list", Introspection: true, Call: s.handlePluginList},
		{Name: "plugin.invoke", ArgsSchema: pluginInvokeSchema, Call: s.handlePluginInvoke},
		{Name: "devit.tool_list", Call: s.handleDevitToolList},
		{Name: "devit.tool_call", Call: s.handleDevitToolCall},
	}

	byName := make(map[string]*Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	return byName
}

func (s *Server) handleEcho(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeProtocolParseInvalid, "parsing echo args")
	}
	return marshalResult(map[string]any{"ok": true, "text": in.Text})
}

func (s *Server) handleHealth(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	devitPath, err := exec.LookPath(s.cfg.DevitBin)
	if err != nil {
		devitPath = ""
	}

	return marshalResult(map[string]any{
		"ok":        true,
		"server":    s.version,
		"uptime_ms": s.state.Uptime(s.now()).Milliseconds(),
		"binaries": map[string]string{
			"devit":        devitPath,
			"wasm_runtime": "wazero (embedded)",
		},
		"limits": map[string]any{
			"max_calls_per_minute": s.cfg.Limits.MaxCallsPerMinute,
			"max_json_size_kb":     s.cfg.Limits.MaxJSONSizeKB,
			"cooldown_ms":          s.cfg.Limits.CooldownMs,
		},
		"audit": map[string]any{
			"enabled": s.auditor.Enabled(),
			"path":    s.auditor.LogPath(),
		},
	})
}

func (s *Server) handleStats(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	total, perTool := s.state.Snapshot()
	return marshalResult(map[string]any{
		"ok":         true,
		"started_at": s.state.StartedAt().UTC(),
		"total":      total,
		"tools":      perTool,
	})
}

func (s *Server) handlePolicy(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return marshalResult(map[string]any{
		"ok":             true,
		"policies":       s.table.Snapshot(),
		"default_policy": "on_request",
		"auto_yes":       s.cfg.AutoYes,
		"dry_run":        s.cfg.DryRun,
		"limits": map[string]any{
			"max_calls_per_minute": s.cfg.Limits.MaxCallsPerMinute,
			"max_json_size_kb":     s.cfg.Limits.MaxJSONSizeKB,
			"cooldown_ms":          s.cfg.Limits.CooldownMs,
		},
		"audit": map[string]any{
			"enabled": s.auditor.Enabled(),
			"path":    s.auditor.LogPath(),
		},
	})
}

// indexEntry mirrors one files[] element of the generated file index.
type indexEntry struct {
	Path         string  `json:"path"`
	Size         int64   `json:"size"`
	Lang         string  `json:"lang"`
	Score        float64 `json:"score"`
	SymbolsCount int     `json:"symbols_count"`
}

const (
	contextHeadDefaultLimit = 50
	contextHeadMaxLimit     = 1000
)

// handleContextHead serves the top-scored entries of a previously generated
// file index. Index problems come back as structured ok:false results, never
// as call failures.
func (s *Server) handleContextHead(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Limit      int      `json:"limit"`
		Extensions []string `json:"extensions"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, deviterr.Wrap(err, deviterr.CodeProtocolParseInvalid, "parsing context_head args")
		}
	}

	limit := in.Limit
	if limit == 0 {
		limit = contextHeadDefaultLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > contextHeadMaxLimit {
		limit = contextHeadMaxLimit
	}

	data, err := os.ReadFile(s.cfg.IndexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return marshalResult(map[string]any{
				"ok":          false,
				"not_indexed": true,
				"hint":        "no index at " + s.cfg.IndexPath + "; generate it with `devit index`",
			})
		}
		return marshalResult(map[string]any{
			"ok":          false,
			"parse_error": true,
			"error":       err.Error(),
		})
	}

	var index struct {
		Files []indexEntry `json:"files"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return marshalResult(map[string]any{
			"ok":          false,
			"parse_error": true,
			"error":       err.Error(),
		})
	}
	if index.Files == nil {
		return marshalResult(map[string]any{
			"ok":            false,
			"invalid_index": true,
			"error":         "index has no files array",
		})
	}

	files := index.Files
	if len(in.Extensions) > 0 {
		allowed := make(map[string]bool, len(in.Extensions))
		for _, ext := range in.Extensions {
			allowed[strings.TrimPrefix(ext, ".")] = true
		}
		kept := files[:0]
		for _, f := range files {
			ext := strings.TrimPrefix(filepath.Ext(f.Path), ".")
			if allowed[ext] {
				kept = append(kept, f)
			}
		}
		files = kept
	}

	sort.SliceStable(files, func(i, j int) bool { return files[i].Score > files[j].Score })
	if len(files) > limit {
		files = files[:limit]
	}

	return marshalResult(map[string]any{
		"ok":    true,
		"total": len(files),
		"files": files,
	})
}

func (s *Server) handlePluginList(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	infos := s.plugins.Discover()
	if infos == nil {
		infos = []plugin.Info{}
	}
	return marshalResult(map[string]any{"ok": true, "plugins": infos})
}

func (s *Server) handlePluginInvoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		ID           string          `json:"id"`
		ManifestPath string          `json:"manifest_path"`
		Request      json.RawMessage `json:"request"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, deviterr.Wrap(err, deviterr.CodeProtocolParseInvalid, "parsing plugin.invoke args")
		}
	}

	manifest, err := s.resolveManifest(in.ID, in.ManifestPath)
	if err != nil {
		return nil, err
	}

	request := in.Request
	if len(request) == 0 {
		request = json.RawMessage(`{}`)
	}
	return s.runner.Invoke(ctx, manifest, request)
}

func (s *Server) handleDevitToolList(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return s.invoker.ListTools(ctx)
}

func (s *Server) handleDevitToolCall(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return s.invoker.CallTool(ctx, args)
}

func marshalResult(doc any) (json.RawMessage, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeServerInternalFailure, "serializing result")
	}
	return data, nil
}
