// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	deviterr "github.com/devit-sh/devit/pkg/errors"
)

// DefaultMaxLineKB bounds incoming message size when the caller does not
// configure a limit.
const DefaultMaxLineKB = 256

// Codec reads and writes newline-delimited JSON messages over a stream pair.
//
// Reads are served by a single long-lived reader goroutine feeding a
// one-slot channel, so a read abandoned on deadline leaves its result in the
// slot for the next call instead of racing a second reader. The goroutine
// itself may stay blocked in an uninterruptible read after a timeout; it is
// abandoned, never force-stopped.
//
// Only end-of-stream and I/O failures are terminal. An over-budget line is
// discarded up to its trailing newline and reported as a per-message error;
// the session continues with the next line.
type Codec struct {
	w       *bufio.Writer
	r       *bufio.Reader
	maxLine int

	startOnce sync.Once
	results   chan readResult
}

type readResult struct {
	msg *Message
	err error
}

// NewCodec wraps the reader/writer pair. maxLineKB bounds the accepted input
// line size; zero or negative selects DefaultMaxLineKB.
func NewCodec(r io.Reader, w io.Writer, maxLineKB int) *Codec {
	if maxLineKB <= 0 {
		maxLineKB = DefaultMaxLineKB
	}
	return &Codec{
		w:       bufio.NewWriter(w),
		r:       bufio.NewReader(r),
		maxLine: maxLineKB * 1024,
		results: make(chan readResult, 1),
	}
}

// Decode parses a single line into a Message, requiring a type field.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, deviterr.Wrap(err, deviterr.CodeProtocolParseInvalid, "decoding message")
	}
	if strings.TrimSpace(msg.Type) == "" {
		return nil, deviterr.New(deviterr.CodeProtocolParseInvalid, "message missing type field")
	}
	return &msg, nil
}

// Read blocks until the next message, EOF, or a transport error. Blank lines
// are skipped.
func (c *Codec) Read() (*Message, error) {
	c.startReader()
	res := <-c.results
	return res.msg, res.err
}

// ReadTimeout waits for the next message up to d. On deadline it returns a
// timeout-coded error; the pending read stays queued and is delivered to the
// next Read/ReadTimeout call. A non-positive d blocks indefinitely.
func (c *Codec) ReadTimeout(d time.Duration) (*Message, error) {
	if d <= 0 {
		return c.Read()
	}

	c.startReader()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-c.results:
		return res.msg, res.err
	case <-timer.C:
		return nil, deviterr.Errorf(deviterr.CodeProtocolReadTimeout,
			"no message within %s", d)
	}
}

// Write serializes one message as a single line and flushes it.
func (c *Codec) Write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return deviterr.Wrap(err, deviterr.CodeProtocolWriteFailure, "encoding message")
	}
	if _, err := c.w.Write(data); err != nil {
		return deviterr.Wrap(err, deviterr.CodeProtocolWriteFailure, "writing message")
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return deviterr.Wrap(err, deviterr.CodeProtocolWriteFailure, "writing message")
	}
	if err := c.w.Flush(); err != nil {
		return deviterr.Wrap(err, deviterr.CodeProtocolWriteFailure, "flushing message")
	}
	return nil
}

func (c *Codec) startReader() {
	c.startOnce.Do(func() {
		go func() {
			for {
				line, tooLong, err := c.readLine()
				if tooLong {
					// Decode failures and over-budget lines are per-message
					// protocol errors; the session continues.
					c.results <- readResult{err: deviterr.Errorf(deviterr.CodeProtocolLineTooLarge,
						"incoming line exceeds %d bytes, discarded", c.maxLine)}
				} else if len(bytes.TrimSpace(line)) > 0 {
					msg, derr := Decode(line)
					c.results <- readResult{msg: msg, err: derr}
				}
				if err == nil {
					continue
				}

				var terminal error
				if errors.Is(err, io.EOF) {
					terminal = deviterr.New(deviterr.CodeProtocolSessionClosed, "EOF")
				} else {
					terminal = deviterr.Wrap(err, deviterr.CodeProtocolSessionClosed, "reading stream")
				}

				// Every read after end-of-stream observes the same terminal error.
				for {
					c.results <- readResult{err: terminal}
				}
			}
		}()
	})
}

// readLine reads one newline-terminated line, enforcing the byte budget. An
// over-budget line's remaining bytes are drained up to the newline and
// dropped, so the stream stays aligned for the next message. The returned
// line never aliases the reader's internal buffer.
func (c *Codec) readLine() (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, rerr := c.r.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
		}
		if rerr == bufio.ErrBufferFull {
			if len(buf) > c.maxLine {
				tooLong = true
				buf = nil
			}
			continue
		}

		buf = bytes.TrimSuffix(buf, []byte{'\n'})
		if len(buf) > c.maxLine {
			tooLong = true
			buf = nil
		}
		return buf, tooLong, rerr
	}
}
