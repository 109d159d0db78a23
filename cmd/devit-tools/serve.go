// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package main

import (
	"encoding/json"

	"github.com/devit-sh/devit/internal/config"
	"github.com/devit-sh/devit/internal/server"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve tool calls over stdio",
		Long:  "Read newline-delimited JSON requests on stdin, apply the policy, rate-limit, and audit gates, and write one response per request on stdout.",
		RunE:  runServe,
	}

	cmd.Flags().String("devit-bin", "", "path to the host devit binary")
	cmd.Flags().Int("timeout-ms", 0, "per-call timeout in milliseconds")
	cmd.Flags().Bool("yes", false, "auto-approve every policy checkpoint")
	cmd.Flags().Bool("dry-run", false, "deny every tool outside the introspection set")
	cmd.Flags().Int64("max-runtime-ms", 0, "watchdog: maximum total runtime in milliseconds (0 = unlimited)")
	cmd.Flags().Int("max-calls-per-minute", 0, "per-tool sliding-window call budget")
	cmd.Flags().Int("max-json-size-kb", 0, "maximum accepted request line size")
	cmd.Flags().Int64("cooldown-ms", 0, "minimum gap between calls to the same tool")
	cmd.Flags().Bool("audit", true, "write the signed audit trail")
	cmd.Flags().String("audit-log", "", "audit log path")
	cmd.Flags().String("audit-key", "", "audit HMAC key path")
	cmd.Flags().String("plugins-dir", "", "plugin registry directory")
	cmd.Flags().String("index", "", "file index path for server.context_head")
	cmd.Flags().String("server-version", "", "version string announced in the handshake")
	cmd.Flags().Bool("dump-policy", false, "print the effective policy document and exit")

	for flag, key := range map[string]string{
		"devit-bin":            "devit_bin",
		"timeout-ms":           "timeout_ms",
		"yes":                  "auto_yes",
		"dry-run":              "dry_run",
		"max-runtime-ms":       "max_runtime_ms",
		"max-calls-per-minute": "limits.max_calls_per_minute",
		"max-json-size-kb":     "limits.max_json_size_kb",
		"cooldown-ms":          "limits.cooldown_ms",
		"audit":                "audit.enabled",
		"audit-log":            "audit.log_path",
		"audit-key":            "audit.key_path",
		"plugins-dir":          "plugins.dir",
		"index":                "index_path",
	} {
		_ = viper.BindPFlag(key, cmd.Flags().Lookup(flag))
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}

	if dump, _ := cmd.Flags().GetBool("dump-policy"); dump {
		return dumpPolicy(cmd, cfg)
	}

	announced := version
	if v, _ := cmd.Flags().GetString("server-version"); v != "" {
		announced = v
	}

	srv, err := server.New(cfg, cmd.InOrStdin(), cmd.OutOrStdout(), announced)
	if err != nil {
		return err
	}
	return srv.Run()
}

// dumpPolicy prints the effective policy document, the same shape the
// server.policy builtin serves, without starting a session.
func dumpPolicy(cmd *cobra.Command, cfg *config.Config) error {
	table, err := cfg.PolicyTable()
	if err != nil {
		return err
	}

	doc := map[string]any{
		"policies":       table.Snapshot(),
		"default_policy": "on_request",
		"auto_yes":       cfg.AutoYes,
		"dry_run":        cfg.DryRun,
		"limits": map[string]any{
			"max_calls_per_minute": cfg.Limits.MaxCallsPerMinute,
			"max_json_size_kb":     cfg.Limits.MaxJSONSizeKB,
			"cooldown_ms":          cfg.Limits.CooldownMs,
		},
		"audit": map[string]any{
			"enabled":  cfg.Audit.Enabled,
			"log_path": cfg.Audit.LogPath,
			"key_path": cfg.Audit.KeyPath,
		},
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return deviterr.Wrap(err, deviterr.CodeCLISetupFailure, "serializing policy document")
	}
	cmd.Println(string(out))
	return nil
}
