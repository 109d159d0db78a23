// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package protocol implements the line-delimited JSON tool-call protocol:
// message framing, the fixed ping/version/capabilities handshake shapes, and
// a codec whose reads can be bounded by a per-message deadline.
package protocol

import "encoding/json"

// Message type discriminators.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeVersion      = "version"
	TypeCapabilities = "capabilities"
	TypeToolCall     = "tool.call"
	TypeToolResult   = "tool.result"
	TypeToolError    = "tool.error"
	TypeError        = "error"
)

// ToolError is the payload of a type:tool.error message. Exactly one family
// of fields is populated per error: approval, rate-limit, dry-run, schema,
// or plain message.
type ToolError struct {
	ApprovalRequired bool   `json:"approval_required,omitempty"`
	Policy           string `json:"policy,omitempty"`
	Phase            string `json:"phase,omitempty"`

	RateLimited bool   `json:"rate_limited,omitempty"`
	Reason      string `json:"reason,omitempty"`
	LimitPerMin int    `json:"limit_per_min,omitempty"`
	CooldownMs  int64  `json:"cooldown_ms,omitempty"`

	Denied bool `json:"denied,omitempty"`

	SchemaError bool   `json:"schema_error,omitempty"`
	Field       string `json:"field,omitempty"`
	Kind        string `json:"kind,omitempty"`

	Message string `json:"message,omitempty"`
}

// Message is the single wire envelope. Every message carries Type; the other
// fields are populated per type and omitted otherwise.
type Message struct {
	Type string `json:"type"`

	// version
	Client     string `json:"client,omitempty"`
	Server     string `json:"server,omitempty"`
	ServerName string `json:"server_name,omitempty"`

	// capabilities reply
	Tools []string `json:"tools,omitempty"`

	// tool.call / tool.result
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// tool.error and error payloads, inlined
	ToolError
}

func Ping() *Message { return &Message{Type: TypePing} }

func Pong() *Message { return &Message{Type: TypePong} }

func VersionHello(client string) *Message {
	return &Message{Type: TypeVersion, Client: client}
}

func VersionReply(server, serverName string) *Message {
	return &Message{Type: TypeVersion, Server: server, ServerName: serverName}
}

func CapabilitiesQuery() *Message { return &Message{Type: TypeCapabilities} }

func CapabilitiesReply(tools []string) *Message {
	return &Message{Type: TypeCapabilities, Tools: tools}
}

func ToolCall(name string, args json.RawMessage) *Message {
	return &Message{Type: TypeToolCall, Name: name, Args: args}
}

func ToolResult(name string, result json.RawMessage) *Message {
	return &Message{Type: TypeToolResult, Name: name, Result: result}
}

func ToolErrorReply(name string, payload ToolError) *Message {
	return &Message{Type: TypeToolError, Name: name, ToolError: payload}
}

// ErrorReply is the reply to an unsupported top-level message type. The
// session continues after it is sent.
func ErrorReply(msg string) *Message {
	return &Message{Type: TypeError, ToolError: ToolError{Message: msg}}
}
