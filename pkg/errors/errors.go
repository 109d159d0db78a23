// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeProtocolParseInvalid  Code = "protocol.parse.invalid"
	CodeProtocolTypeUnknown   Code = "protocol.type.unknown"
	CodeProtocolTypeMismatch  Code = "protocol.type.mismatch"
	CodeProtocolReadTimeout   Code = "protocol.read.timeout"
	CodeProtocolWriteFailure  Code = "protocol.write.failure"
	CodeProtocolLineTooLarge  Code = "protocol.line.too_large"
	CodeProtocolSessionClosed Code = "protocol.session.closed"
	CodeProtocolSchemaInvalid Code = "protocol.schema.invalid"

	CodePolicyApprovalDenied Code = "policy.approval.denied"
	CodePolicyValueInvalid   Code = "policy.value.invalid"

	CodeRateLimitTooManyCalls Code = "ratelimit.too_many_calls"
	CodeRateLimitCooldown     Code = "ratelimit.cooldown"

	CodeSandboxDryRunDenied Code = "sandbox.dryrun.denied"

	CodeAuditKeyFailure    Code = "audit.key.failure"
	CodeAuditAppendFailure Code = "audit.append.failure"
	CodeAuditVerifyFailure Code = "audit.verify.failure"

	CodeInvokeSpawnFailure  Code = "invoke.spawn.failure"
	CodeInvokeBinaryMissing Code = "invoke.binary.missing"
	CodeInvokeCallTimeout   Code = "invoke.call.timeout"
	CodeInvokeOutputInvalid Code = "invoke.output.invalid"

	CodePluginManifestInvalid  Code = "plugin.manifest.invalid"
	CodePluginNotFound         Code = "plugin.not_found"
	CodePluginDiscoveryFailure Code = "plugin.discovery.failure"
	CodePluginRunFailure       Code = "plugin.run.failure"
	CodePluginRunTimeout       Code = "plugin.run.timeout"
	CodePluginOutputInvalid    Code = "plugin.output.invalid"

	CodeToolNotFound Code = "tool.not_found"

	CodeConfigLoadReadFailure  Code = "config.load.read.failure"
	CodeConfigValidateInvalid  Code = "config.validate.invalid_value"
	CodeServerWatchdogExpired  Code = "server.watchdog.expired"
	CodeServerInternalFailure  Code = "server.internal.failure"
	CodeClientHandshakeFailure Code = "client.handshake.failure"
	CodeClientSpawnFailure     Code = "client.spawn.failure"
	CodeCLISetupFailure        Code = "cli.setup.failure"
	CodeCLIInputInvalid        Code = "cli.input.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldPlugin(value string) Attr {
	return Field("plugin", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsDenied(err error) bool {
	return reason(CodeOf(err)) == "denied"
}

func IsRateLimited(err error) bool {
	code := CodeOf(err)
	return code == CodeRateLimitTooManyCalls || code == CodeRateLimitCooldown
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_value"
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
