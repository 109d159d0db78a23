// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package main

import (
	"errors"

	"github.com/devit-sh/devit/internal/config"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd creates the root devit-tools command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "devit-tools",
		Short:         "devit-tools — local tool-invocation protocol server",
		Long:          "devit-tools serves gated tool calls over newline-delimited JSON on stdio, and ships a client companion for driving such a server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	// Global flags — these map to viper keys via initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(),
		newClientCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, and an
// optional config file so the standard precedence (flag > env > file >
// defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return deviterr.Wrap(err, deviterr.CodeConfigLoadReadFailure, "reading config file")
		}
		return nil
	}

	// Auto-discover devit.yaml from standard locations. No config file is
	// fine — defaults and env vars still apply; parse or permission errors
	// must surface.
	v.SetConfigName("devit")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(config.DataDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return deviterr.Wrap(err, deviterr.CodeConfigLoadReadFailure, "reading config")
		}
	}

	return nil
}
