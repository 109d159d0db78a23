// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package errors_test

import (
	"fmt"
	"testing"

	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf_RoundTrip(t *testing.T) {
	err := deviterr.New(deviterr.CodePluginNotFound, "no such plugin", deviterr.FieldPlugin("hello-wasm"))
	assert.Equal(t, deviterr.CodePluginNotFound, deviterr.CodeOf(err))
	assert.True(t, deviterr.HasCode(err, deviterr.CodePluginNotFound))
	assert.True(t, deviterr.IsNotFound(err))

	fields := deviterr.FieldsOf(err)
	require.NotNil(t, fields)
	assert.Equal(t, "hello-wasm", fields["plugin"])
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, deviterr.Code(""), deviterr.CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, deviterr.Code(""), deviterr.CodeOf(nil))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, deviterr.Wrap(nil, deviterr.CodeServerInternalFailure, "should vanish"))
	assert.NoError(t, deviterr.Wrapf(nil, deviterr.CodeServerInternalFailure, "should vanish"))
}

func TestPredicates(t *testing.T) {
	assert.True(t, deviterr.IsTimeout(deviterr.New(deviterr.CodeProtocolReadTimeout, "read timed out")))
	assert.True(t, deviterr.IsTimeout(deviterr.New(deviterr.CodeInvokeCallTimeout, "child timed out")))
	assert.True(t, deviterr.IsDenied(deviterr.New(deviterr.CodePolicyApprovalDenied, "approval required")))
	assert.True(t, deviterr.IsRateLimited(deviterr.New(deviterr.CodeRateLimitCooldown, "cooling down")))
	assert.True(t, deviterr.IsRateLimited(deviterr.New(deviterr.CodeRateLimitTooManyCalls, "window full")))
	assert.False(t, deviterr.IsRateLimited(deviterr.New(deviterr.CodeToolNotFound, "nope")))
	assert.True(t, deviterr.IsInvalidInput(deviterr.New(deviterr.CodePluginManifestInvalid, "bad manifest")))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := deviterr.Wrap(cause, deviterr.CodeAuditAppendFailure, "appending audit record")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, deviterr.CodeAuditAppendFailure, deviterr.CodeOf(err))
}
