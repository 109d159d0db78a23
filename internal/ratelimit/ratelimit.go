// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

// Package ratelimit implements the per-tool admission gate: a trailing
// 60-second sliding window capping sustained throughput, plus a cooldown
// enforcing minimum spacing between consecutive calls to the same tool.
package ratelimit

import (
	"time"

	deviterr "github.com/devit-sh/devit/pkg/errors"
)

// window is the sliding-window span. Only timestamps within the trailing
// window count against the per-minute limit.
const window = 60 * time.Second

// Limiter tracks per-tool call history. It is owned by the single dispatch
// loop and is not safe for concurrent use.
type Limiter struct {
	maxPerMinute int
	cooldown     time.Duration
	tools        map[string]*toolState
}

type toolState struct {
	stamps   []time.Time
	lastCall time.Time
}

// New creates a limiter. maxPerMinute <= 0 disables the window check;
// cooldown <= 0 disables the spacing check.
func New(maxPerMinute int, cooldown time.Duration) *Limiter {
	return &Limiter{
		maxPerMinute: maxPerMinute,
		cooldown:     cooldown,
		tools:        make(map[string]*toolState),
	}
}

// Allow admits or rejects a call to tool at instant now. The cooldown is
// checked before the window so tight retry loops are rejected regardless of
// window occupancy. On admission the call is recorded.
func (l *Limiter) Allow(tool string, now time.Time) error {
	st := l.tools[tool]
	if st == nil {
		st = &toolState{}
		l.tools[tool] = st
	}

	if l.cooldown > 0 && !st.lastCall.IsZero() {
		if elapsed := now.Sub(st.lastCall); elapsed < l.cooldown {
			left := l.cooldown - elapsed
			return deviterr.New(deviterr.CodeRateLimitCooldown,
				"tool is cooling down",
				deviterr.FieldTool(tool),
				deviterr.Field("cooldown_ms", left.Milliseconds()))
		}
	}

	cutoff := now.Add(-window)
	kept := st.stamps[:0]
	for _, ts := range st.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.stamps = kept

	if l.maxPerMinute > 0 && len(st.stamps) >= l.maxPerMinute {
		return deviterr.New(deviterr.CodeRateLimitTooManyCalls,
			"too many calls in the last minute",
			deviterr.FieldTool(tool),
			deviterr.Field("limit_per_min", l.maxPerMinute))
	}

	st.stamps = append(st.stamps, now)
	st.lastCall = now
	return nil
}

// CooldownMsLeft extracts the remaining cooldown from a rejection error,
// or -1 if the error is not a cooldown rejection.
func CooldownMsLeft(err error) int64 {
	if !deviterr.HasCode(err, deviterr.CodeRateLimitCooldown) {
		return -1
	}
	if ms, ok := deviterr.FieldsOf(err)["cooldown_ms"].(int64); ok {
		return ms
	}
	return -1
}

// LimitPerMin extracts the configured limit from a too-many-calls rejection,
// or -1 for any other error.
func LimitPerMin(err error) int {
	if !deviterr.HasCode(err, deviterr.CodeRateLimitTooManyCalls) {
		return -1
	}
	if n, ok := deviterr.FieldsOf(err)["limit_per_min"].(int); ok {
		return n
	}
	return -1
}
