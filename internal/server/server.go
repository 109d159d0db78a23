// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package server implements the tool-invocation protocol server: a strictly
// sequential dispatch loop that reads one request per line, applies the
// dry-run/policy/rate-limit gates, routes to a builtin handler, the host-CLI
// invoker, or the plugin sandbox, audits the call, and writes one response.
package server

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/devit-sh/devit/internal/audit"
	"github.com/devit-sh/devit/internal/config"
	"github.com/devit-sh/devit/internal/invoke"
	"github.com/devit-sh/devit/internal/plugin"
	"github.com/devit-sh/devit/internal/policy"
	"github.com/devit-sh/devit/internal/protocol"
	"github.com/devit-sh/devit/internal/ratelimit"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitError    = 2
	ExitWatchdog = 75
	ExitTimeout  = 124
)

// ServerName is announced in the version handshake reply.
const ServerName = "devit-tools"

// Server owns one protocol session over a stream pair. All mutable state
// (rate-limit windows, counters) is confined to the dispatch loop.
type Server struct {
	cfg     *config.Config
	codec   *protocol.Codec
	table   *policy.Table
	limiter *ratelimit.Limiter
	auditor *audit.Logger
	state   *State
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
	invoker *invoke.Invoker
	plugins *plugin.Registry
	runner  *plugin.Runner
	version string

	now      func() time.Time
	exit     func(int)
	deadline time.Time
}

// New wires a server over the given streams. The policy table and limits are
// resolved here and are immutable for the session.
func New(cfg *config.Config, in io.Reader, out io.Writer, version string) (*Server, error) {
	table, err := cfg.PolicyTable()
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	s := &Server{
		cfg:     cfg,
		codec:   protocol.NewCodec(in, out, cfg.Limits.MaxJSONSizeKB),
		table:   table,
		limiter: ratelimit.New(cfg.Limits.MaxCallsPerMinute, time.Duration(cfg.Limits.CooldownMs)*time.Millisecond),
		auditor: audit.NewLogger(cfg.Audit.Enabled, cfg.Audit.LogPath, cfg.Audit.KeyPath),
		invoker: &invoke.Invoker{Bin: cfg.DevitBin, Timeout: timeout},
		plugins: &plugin.Registry{Root: cfg.Plugins.Dir},
		runner:  &plugin.Runner{Timeout: timeout},
		version: version,
		now:     time.Now,
		exit:    os.Exit,
	}
	s.state = NewState(s.now())
	s.tools = s.builtinTools()

	s.schemas, err = compileSchemas(s.tools)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Capabilities returns the advertised tool names, sorted.
func (s *Server) Capabilities() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run drives the session until transport EOF, an I/O failure, or watchdog
// expiry. Per-message errors (bad JSON, oversized lines, unknown types, tool
// failures) are answered on the wire and never end the loop.
func (s *Server) Run() error {
	if s.cfg.MaxRuntimeMs > 0 {
		s.deadline = s.now().Add(time.Duration(s.cfg.MaxRuntimeMs) * time.Millisecond)
		go s.watchdogTick()
	}

	for {
		s.checkWatchdog()

		msg, err := s.codec.Read()
		if err != nil {
			switch deviterr.CodeOf(err) {
			case deviterr.CodeProtocolParseInvalid, deviterr.CodeProtocolLineTooLarge:
				if werr := s.codec.Write(protocol.ErrorReply(err.Error())); werr != nil {
					return werr
				}
				continue
			case deviterr.CodeProtocolSessionClosed:
				return nil
			default:
				return err
			}
		}

		s.checkWatchdog()

		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

// handle answers one message. Returned errors are transport failures.
func (s *Server) handle(msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypePing:
		return s.codec.Write(protocol.Pong())
	case protocol.TypeVersion:
		return s.codec.Write(protocol.VersionReply(s.version, ServerName))
	case protocol.TypeCapabilities:
		return s.codec.Write(protocol.CapabilitiesReply(s.Capabilities()))
	case protocol.TypeToolCall:
		return s.handleToolCall(msg)
	default:
		return s.codec.Write(protocol.ErrorReply("unsupported message type " + msg.Type))
	}
}

// handleToolCall walks the gates in order: schema, dry-run, policy pre, rate
// limit, dispatch, policy post, audit.
func (s *Server) handleToolCall(msg *protocol.Message) error {
	name := msg.Name
	if name == "" {
		return s.codec.Write(protocol.ToolErrorReply(name, protocol.ToolError{
			SchemaError: true, Field: "name", Kind: "required",
		}))
	}

	pol := s.table.Resolve(name)
	tool := s.tools[name]

	if toolErr := validateArgs(s.schemas[name], msg.Args); toolErr != nil {
		s.state.Record(name, false)
		return s.codec.Write(protocol.ToolErrorReply(name, *toolErr))
	}

	// Dry-run blocks everything outside the introspection set before the
	// policy gate or rate limiter can observe the call.
	if s.cfg.DryRun && (tool == nil || !tool.Introspection) {
		s.state.Record(name, false)
		s.auditRecordPre(name, pol, "dry-run denied")
		return s.codec.Write(protocol.ToolErrorReply(name, protocol.ToolError{Denied: true}))
	}

	if pol.RequiresPreApproval() && !s.cfg.AutoYes {
		s.state.Record(name, false)
		s.auditRecordPre(name, pol, "approval required")
		return s.codec.Write(protocol.ToolErrorReply(name, protocol.ToolError{
			ApprovalRequired: true,
			Policy:           string(pol),
			Phase:            "pre",
		}))
	}

	if err := s.limiter.Allow(name, s.now()); err != nil {
		s.state.Record(name, false)
		s.auditRecordPre(name, pol, err.Error())
		return s.codec.Write(protocol.ToolErrorReply(name, rateLimitError(err)))
	}

	if tool == nil {
		s.state.Record(name, false)
		return s.codec.Write(protocol.ToolErrorReply(name, protocol.ToolError{
			Message: "unknown tool " + name,
		}))
	}

	s.auditRecordPre(name, pol, "")

	start := s.now()
	result, callErr := tool.Call(context.Background(), msg.Args)
	duration := s.now().Sub(start)

	if callErr != nil {
		s.state.Record(name, false)
		s.auditRecordDone(name, pol, false, duration, callErr.Error())
		return s.codec.Write(protocol.ToolErrorReply(name, protocol.ToolError{
			Message: callErr.Error(),
		}))
	}

	ok := invoke.ResultOK(result)

	// Post checkpoint: an on_failure tool whose own result reports failure
	// needs approval; the result is replaced, and no done record is written
	// for the denied call.
	if pol == policy.OnFailure && !ok && !s.cfg.AutoYes {
		s.state.Record(name, false)
		return s.codec.Write(protocol.ToolErrorReply(name, protocol.ToolError{
			ApprovalRequired: true,
			Policy:           string(pol),
			Phase:            "post",
		}))
	}

	s.state.Record(name, ok)
	s.auditRecordDone(name, pol, ok, duration, "")
	return s.codec.Write(protocol.ToolResult(name, result))
}

func rateLimitError(err error) protocol.ToolError {
	if ms := ratelimit.CooldownMsLeft(err); ms >= 0 {
		return protocol.ToolError{RateLimited: true, Reason: "cooldown", CooldownMs: ms}
	}
	return protocol.ToolError{
		RateLimited: true,
		Reason:      "too_many_calls",
		LimitPerMin: ratelimit.LimitPerMin(err),
	}
}

func (s *Server) resolveManifest(id, manifestPath string) (*plugin.Manifest, error) {
	switch {
	case manifestPath != "":
		return plugin.LoadManifest(manifestPath)
	case id != "":
		return s.plugins.Load(id)
	default:
		return nil, deviterr.New(deviterr.CodePluginNotFound,
			"plugin.invoke needs an id or a manifest_path")
	}
}

// auditRecordPre and auditRecordDone log append failures instead of failing
// the call; the audit trail is best-effort once the key exists.
func (s *Server) auditRecordPre(tool string, pol policy.Policy, reason string) {
	if err := s.auditor.Pre(tool, string(pol), s.cfg.AutoYes, reason); err != nil {
		slog.Warn("audit pre record failed", "tool", tool, "error", err)
	}
}

func (s *Server) auditRecordDone(tool string, pol policy.Policy, ok bool, duration time.Duration, errText string) {
	if err := s.auditor.Done(tool, string(pol), s.cfg.AutoYes, ok, duration, errText); err != nil {
		slog.Warn("audit done record failed", "tool", tool, "error", err)
	}
}

// checkWatchdog enforces the optional server-wide deadline on every handled
// message.
func (s *Server) checkWatchdog() {
	if s.deadline.IsZero() || s.now().Before(s.deadline) {
		return
	}
	slog.Error("watchdog deadline expired, shutting down",
		"max_runtime_ms", s.cfg.MaxRuntimeMs)
	s.exit(ExitWatchdog)
}

// watchdogTick covers idle periods where the loop is blocked on input.
func (s *Server) watchdogTick() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.checkWatchdog()
	}
}

