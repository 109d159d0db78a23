// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package main

import (
	"encoding/json"
	"time"

	"github.com/devit-sh/devit/internal/client"
	"github.com/devit-sh/devit/internal/protocol"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/spf13/cobra"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Drive a tool server as its protocol client",
		Long:  "Spawn a server command over stdio, run the handshake, and issue tool calls. Results print as JSON on stdout.",
	}

	cmd.PersistentFlags().String("server-cmd", "devit-tools serve", "server command to spawn (run through sh -c)")
	cmd.PersistentFlags().Int("timeout-ms", 10000, "per-reply read timeout in milliseconds")
	cmd.PersistentFlags().String("client-version", "", "version string announced in the handshake")
	cmd.PersistentFlags().Bool("dry-run", false, "print the planned call without spawning a server")

	cmd.AddCommand(
		newClientHandshakeCmd(),
		newClientEchoCmd(),
		newClientCallCmd(),
		newClientQueryCmd("policy", "server.policy", "Fetch the server's effective policy document"),
		newClientQueryCmd("health", "server.health", "Fetch the server's health document"),
		newClientQueryCmd("stats", "server.stats", "Fetch the server's call counters"),
	)

	return cmd
}

func newClientHandshakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handshake",
		Short: "Run the handshake and print what the server announced",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := spawnClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			info, err := c.Handshake()
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
}

func newClientEchoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "echo <text>",
		Short: "Round-trip text through the server's echo tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(map[string]string{"text": args[0]})
			if err != nil {
				return deviterr.Wrap(err, deviterr.CodeCLIInputInvalid, "encoding echo args")
			}
			return runCall(cmd, "echo", payload)
		},
	}
}

func newClientCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-args]",
		Short: "Call a tool by name with optional JSON arguments",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(`{}`)
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return deviterr.Errorf(deviterr.CodeCLIInputInvalid,
						"args must be valid JSON, got %q", args[1])
				}
				payload = json.RawMessage(args[1])
			}
			return runCall(cmd, args[0], payload)
		},
	}
}

// newClientQueryCmd builds the zero-argument sugar commands that wrap one
// introspection tool each.
func newClientQueryCmd(use, tool, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCall(cmd, tool, nil)
		},
	}
}

// runCall performs one tool call against a freshly spawned server, or prints
// the planned call in dry-run mode.
func runCall(cmd *cobra.Command, tool string, args json.RawMessage) error {
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return printJSON(cmd, protocol.ToolCall(tool, args))
	}

	c, err := spawnClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Handshake(); err != nil {
		return err
	}

	reply, err := c.Call(tool, args)
	if err != nil {
		return err
	}
	return printJSON(cmd, reply)
}

func spawnClient(cmd *cobra.Command) (*client.Client, error) {
	serverCmd, _ := cmd.Flags().GetString("server-cmd")
	timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")

	announced := version
	if v, _ := cmd.Flags().GetString("client-version"); v != "" {
		announced = v
	}
	return client.Spawn(serverCmd, time.Duration(timeoutMs)*time.Millisecond, announced)
}

func printJSON(cmd *cobra.Command, doc any) error {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return deviterr.Wrap(err, deviterr.CodeCLISetupFailure, "serializing output")
	}
	cmd.Println(string(out))
	return nil
}
