// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package protocol_test

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/devit-sh/devit/internal/protocol"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RequiresType(t *testing.T) {
	_, err := protocol.Decode([]byte(`{"name":"echo"}`))
	require.Error(t, err)
	assert.Equal(t, deviterr.CodeProtocolParseInvalid, deviterr.CodeOf(err))

	_, err = protocol.Decode([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, deviterr.CodeProtocolParseInvalid, deviterr.CodeOf(err))
}

func TestMessage_ToolErrorInline(t *testing.T) {
	msg := protocol.ToolErrorReply("devit.tool_call", protocol.ToolError{
		ApprovalRequired: true,
		Policy:           "on_request",
		Phase:            "pre",
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "tool.error", raw["type"])
	assert.Equal(t, true, raw["approval_required"])
	assert.Equal(t, "on_request", raw["policy"])
	assert.Equal(t, "pre", raw["phase"])
	assert.NotContains(t, raw, "rate_limited")
	assert.NotContains(t, raw, "message")
}

func TestCodec_WriteRead(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader(`{"type":"ping"}` + "\n" + `{"type":"tool.call","name":"echo","args":{"text":"hi"}}` + "\n")
	codec := protocol.NewCodec(in, &out, 0)

	msg, err := codec.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, msg.Type)

	msg, err = codec.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeToolCall, msg.Type)
	assert.Equal(t, "echo", msg.Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Args))

	require.NoError(t, codec.Write(protocol.Pong()))
	assert.Equal(t, `{"type":"pong"}`+"\n", out.String())
}

func TestCodec_EOFIsTerminalAndSticky(t *testing.T) {
	codec := protocol.NewCodec(strings.NewReader(""), io.Discard, 0)

	for i := 0; i < 3; i++ {
		_, err := codec.Read()
		require.Error(t, err)
		assert.Equal(t, deviterr.CodeProtocolSessionClosed, deviterr.CodeOf(err))
	}
}

func TestCodec_ReadTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	codec := protocol.NewCodec(pr, io.Discard, 0)

	start := time.Now()
	_, err := codec.ReadTimeout(50 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, deviterr.CodeProtocolReadTimeout, deviterr.CodeOf(err))
	assert.True(t, deviterr.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	// A message arriving after the deadline is delivered to the next read,
	// not lost with the abandoned wait.
	go func() {
		_, _ = pw.Write([]byte(`{"type":"pong"}` + "\n"))
	}()
	msg, err := codec.ReadTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, msg.Type)
}

func TestCodec_LineTooLargeKeepsSession(t *testing.T) {
	big := `{"type":"tool.call","name":"echo","args":{"text":"` + strings.Repeat("x", 4*1024) + `"}}`
	in := strings.NewReader(big + "\n" + `{"type":"ping"}` + "\n")
	codec := protocol.NewCodec(in, io.Discard, 1)

	_, err := codec.Read()
	require.Error(t, err)
	assert.Equal(t, deviterr.CodeProtocolLineTooLarge, deviterr.CodeOf(err))

	// The oversized line is discarded up to its newline; the next message is
	// delivered intact.
	msg, err := codec.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, msg.Type)

	_, err = codec.Read()
	require.Error(t, err)
	assert.Equal(t, deviterr.CodeProtocolSessionClosed, deviterr.CodeOf(err))
}

func TestCodec_SkipsBlankLinesAndContinuesAfterBadJSON(t *testing.T) {
	in := strings.NewReader("\n" + "not json\n" + `{"type":"ping"}` + "\n")
	codec := protocol.NewCodec(in, io.Discard, 0)

	_, err := codec.Read()
	require.Error(t, err)
	assert.Equal(t, deviterr.CodeProtocolParseInvalid, deviterr.CodeOf(err))

	msg, err := codec.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, msg.Type)
}
