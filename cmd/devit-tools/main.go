// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package main

import (
	"fmt"
	"os"

	"github.com/devit-sh/devit/internal/server"
	deviterr "github.com/devit-sh/devit/pkg/errors"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if deviterr.IsTimeout(err) {
			os.Exit(server.ExitTimeout)
		}
		os.Exit(server.ExitError)
	}
}
