// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package client is the protocol companion: it spawns a server process over
// stdio, drives the strict ping/version/capabilities handshake, and issues
// tool calls with per-read deadlines.
package client

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/devit-sh/devit/internal/protocol"
	deviterr "github.com/devit-sh/devit/pkg/errors"
)

// HandshakeInfo is what the server announced during the handshake.
type HandshakeInfo struct {
	Server     string   `json:"server"`
	ServerName string   `json:"server_name"`
	Tools      []string `json:"tools"`
}

// Client holds one protocol session. Sessions are single-threaded: one
// request, one reply, in order.
type Client struct {
	codec   *protocol.Codec
	timeout time.Duration
	version string

	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// Spawn starts the server command through the shell and attaches a session to
// its stdio. The server's stderr passes through to ours.
func Spawn(command string, timeout time.Duration, version string) (*Client, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeClientSpawnFailure, "opening server stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeClientSpawnFailure, "opening server stdout")
	}

	if err := cmd.Start(); err != nil {
		return nil, deviterr.Wrapf(err, deviterr.CodeClientSpawnFailure, "starting %q", command)
	}

	c := Attach(stdout, stdin, timeout, version)
	c.cmd = cmd
	c.stdin = stdin
	return c, nil
}

// Attach builds a session over an existing stream pair. Used directly in
// tests; Spawn uses it over the child's pipes.
func Attach(in io.Reader, out io.Writer, timeout time.Duration, version string) *Client {
	return &Client{
		codec:   protocol.NewCodec(in, out, 0),
		timeout: timeout,
		version: version,
	}
}

// Handshake runs the fixed open sequence: ping, version, capabilities. Any
// reply of an unexpected type aborts with a protocol error.
func (c *Client) Handshake() (*HandshakeInfo, error) {
	reply, err := c.roundTrip(protocol.Ping(), protocol.TypePong)
	if err != nil {
		return nil, err
	}

	reply, err = c.roundTrip(protocol.VersionHello(c.version), protocol.TypeVersion)
	if err != nil {
		return nil, err
	}
	info := &HandshakeInfo{Server: reply.Server, ServerName: reply.ServerName}

	reply, err = c.roundTrip(protocol.CapabilitiesQuery(), protocol.TypeCapabilities)
	if err != nil {
		return nil, err
	}
	info.Tools = reply.Tools

	return info, nil
}

// Call sends one tool.call and returns the reply, which is either a
// tool.result or a tool.error. Other reply types are protocol errors.
func (c *Client) Call(name string, args json.RawMessage) (*protocol.Message, error) {
	if err := c.codec.Write(protocol.ToolCall(name, args)); err != nil {
		return nil, err
	}

	reply, err := c.codec.ReadTimeout(c.timeout)
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case protocol.TypeToolResult, protocol.TypeToolError:
		return reply, nil
	default:
		return nil, deviterr.Errorf(deviterr.CodeProtocolTypeMismatch,
			"expected tool.result or tool.error, got %q", reply.Type)
	}
}

// Echo round-trips text through the server's echo tool.
func (c *Client) Echo(text string) (*protocol.Message, error) {
	args, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeProtocolWriteFailure, "encoding echo args")
	}
	return c.Call("echo", args)
}

// Close ends the session: the server sees EOF on stdin and exits. A spawned
// server gets a grace period before being killed.
func (c *Client) Close() error {
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		c.cmd.Process.Kill()
		<-done
		return deviterr.New(deviterr.CodeClientSpawnFailure,
			"server did not exit after stdin close, killed")
	}
}

func (c *Client) roundTrip(msg *protocol.Message, wantType string) (*protocol.Message, error) {
	if err := c.codec.Write(msg); err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeClientHandshakeFailure, "sending handshake message")
	}

	reply, err := c.codec.ReadTimeout(c.timeout)
	if err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeClientHandshakeFailure, "awaiting handshake reply")
	}
	if reply.Type != wantType {
		return nil, deviterr.Errorf(deviterr.CodeProtocolTypeMismatch,
			"handshake expected %q reply, got %q", wantType, reply.Type)
	}
	return reply, nil
}
