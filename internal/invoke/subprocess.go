// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package invoke runs a companion binary for one request/response exchange
// over its stdio, bounded by a wall-clock deadline. It backs the
// devit.tool_list and devit.tool_call handlers, which re-invoke the host
// CLI's own tool subcommands.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	deviterr "github.com/devit-sh/devit/pkg/errors"
)

// Invoker spawns the host CLI binary with a per-call deadline.
type Invoker struct {
	Bin     string
	Timeout time.Duration
}

// ListTools re-invokes the host CLI's "tool list" subcommand. No stdin is
// written.
func (i *Invoker) ListTools(ctx context.Context) (json.RawMessage, error) {
	return i.Exec(ctx, nil, "tool", "list")
}

// CallTool re-invokes the host CLI's "tool call" subcommand, feeding the
// request JSON on stdin.
func (i *Invoker) CallTool(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return i.Exec(ctx, req, "tool", "call")
}

// Exec spawns Bin with args, optionally writing stdin and closing it, then
// drains stdout on a worker goroutine racing the deadline. On timeout the
// child is killed and no partial result is returned. Completed output must
// parse as exactly one JSON document.
func (i *Invoker) Exec(ctx context.Context, stdin json.RawMessage, args ...string) (json.RawMessage, error) {
	path, err := exec.LookPath(i.Bin)
	if err != nil {
		return nil, deviterr.Wrapf(err, deviterr.CodeInvokeBinaryMissing,
			"companion binary %q not found on PATH", i.Bin)
	}

	timeout := i.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cmd := exec.Command(path, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	// Once the child is dead, Wait must not linger on the stdout copy: a
	// grandchild that inherited the pipe would otherwise hold it open
	// indefinitely.
	cmd.WaitDelay = timeout

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, deviterr.Wrapf(err, deviterr.CodeInvokeSpawnFailure, "spawning %s", path)
	}

	// One worker drains the child (Stdout buffer is filled by Wait's copier)
	// and signals the one-shot channel; the caller blocks on completion or
	// deadline, whichever first.
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		return parseOutput(stdout.Bytes(), stderr.Bytes(), waitErr)
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done // reap; returns promptly once the process is dead
		return nil, deviterr.Errorf(deviterr.CodeInvokeCallTimeout,
			"child %s did not complete within %s", path, timeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return nil, deviterr.Wrapf(ctx.Err(), deviterr.CodeInvokeCallTimeout,
			"child %s canceled", path)
	}
}

// parseOutput decodes the captured stdout as a single JSON document. A child
// that exits nonzero but still produces a JSON document (e.g. an ok:false
// result) is treated as having answered.
func parseOutput(stdout, stderr []byte, waitErr error) (json.RawMessage, error) {
	doc, err := decodeSingleDocument(stdout)
	if err == nil {
		return doc, nil
	}

	if waitErr != nil {
		return nil, deviterr.Errorf(deviterr.CodeInvokeOutputInvalid,
			"child failed (%s) without a JSON answer: %s", waitErr, firstLine(stderr))
	}
	return nil, deviterr.Wrapf(err, deviterr.CodeInvokeOutputInvalid, "child stdout is not valid JSON")
}

func decodeSingleDocument(data []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var doc json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, deviterr.New(deviterr.CodeInvokeOutputInvalid,
			"child stdout contains more than one JSON document")
	}
	return doc, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if s == "" {
		return "no stderr"
	}
	return s
}

// ResultOK inspects a parsed tool result's ok field. A missing or non-bool
// ok counts as success; only an explicit false reports failure.
func ResultOK(doc json.RawMessage) bool {
	var probe struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return true
	}
	return probe.OK == nil || *probe.OK
}
