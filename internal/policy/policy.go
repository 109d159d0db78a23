// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package policy holds the per-tool approval-requirement table. The table is
// built once at startup from hardcoded defaults merged with an optional
// config-file override and is immutable afterwards.
package policy

import (
	"sort"

	deviterr "github.com/devit-sh/devit/pkg/errors"
)

// Policy is the approval requirement attached to a tool.
type Policy string

const (
	// Never means the tool always proceeds without approval.
	Never Policy = "never"
	// OnRequest means every call requires approval before dispatch.
	OnRequest Policy = "on_request"
	// OnFailure means approval is required only when the call's own result
	// reports failure; the check runs after execution.
	OnFailure Policy = "on_failure"
	// Untrusted is treated like OnRequest at the pre checkpoint.
	Untrusted Policy = "untrusted"
)

// Parse validates a policy string from configuration.
func Parse(s string) (Policy, error) {
	switch Policy(s) {
	case Never, OnRequest, OnFailure, Untrusted:
		return Policy(s), nil
	default:
		return "", deviterr.Errorf(deviterr.CodePolicyValueInvalid,
			"policy must be one of [never, on_request, on_failure, untrusted], got %q", s)
	}
}

// RequiresPreApproval reports whether the pre checkpoint gates this policy.
func (p Policy) RequiresPreApproval() bool {
	return p == OnRequest || p == Untrusted
}

// Table maps tool names to policies.
type Table struct {
	entries map[string]Policy
}

// Defaults returns the built-in policy table.
func Defaults() *Table {
	return &Table{entries: map[string]Policy{
		"devit.tool_list":     Never,
		"devit.tool_call":     OnRequest,
		"server.policy":       Never,
		"server.context_head": Never,
		"server.health":       Never,
		"server.stats":        Never,
		"echo":                Never,
		"plugin.invoke":       OnRequest,
		"plugin.list":         Never,
	}}
}

// Merge returns a new table with overrides (tool name -> policy string)
// layered over t. Unknown policy strings are an error; startup fails rather
// than silently ignoring a bad override.
func (t *Table) Merge(overrides map[string]string) (*Table, error) {
	merged := make(map[string]Policy, len(t.entries)+len(overrides))
	for tool, p := range t.entries {
		merged[tool] = p
	}
	for tool, raw := range overrides {
		p, err := Parse(raw)
		if err != nil {
			return nil, deviterr.Wrapf(err, deviterr.CodePolicyValueInvalid,
				"policy override for tool %q", tool)
		}
		merged[tool] = p
	}
	return &Table{entries: merged}, nil
}

// Resolve returns the effective policy for a tool. Tools absent from the
// table resolve to OnRequest: an unknown side-effecting tool must not slip
// past the approval gate. The policy dump uses the same resolution.
func (t *Table) Resolve(tool string) Policy {
	if p, ok := t.entries[tool]; ok {
		return p
	}
	return OnRequest
}

// Snapshot returns the table contents as a plain map for introspection.
func (t *Table) Snapshot() map[string]string {
	out := make(map[string]string, len(t.entries))
	for tool, p := range t.entries {
		out[tool] = string(p)
	}
	return out
}

// Tools returns the listed tool names in sorted order.
func (t *Table) Tools() []string {
	names := make([]string, 0, len(t.entries))
	for tool := range t.entries {
		names = append(names, tool)
	}
	sort.Strings(names)
	return names
}
