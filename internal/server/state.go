// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package server

import "time"

// Counters tracks call outcomes for one tool (or the whole server).
type Counters struct {
	Calls  int64 `json:"calls"`
	OK     int64 `json:"ok"`
	Errors int64 `json:"errors"`
}

// State holds the in-memory introspection counters. It is created empty at
// process start and owned exclusively by the dispatch loop, so no locking.
type State struct {
	started time.Time
	total   Counters
	perTool map[string]*Counters
}

func NewState(started time.Time) *State {
	return &State{
		started: started,
		perTool: make(map[string]*Counters),
	}
}

// Record counts one finished (or denied) call.
func (s *State) Record(tool string, ok bool) {
	c := s.perTool[tool]
	if c == nil {
		c = &Counters{}
		s.perTool[tool] = c
	}

	c.Calls++
	s.total.Calls++
	if ok {
		c.OK++
		s.total.OK++
	} else {
		c.Errors++
		s.total.Errors++
	}
}

func (s *State) Uptime(now time.Time) time.Duration {
	return now.Sub(s.started)
}

func (s *State) StartedAt() time.Time { return s.started }

// Snapshot copies the counters for the server.stats document.
func (s *State) Snapshot() (total Counters, perTool map[string]Counters) {
	perTool = make(map[string]Counters, len(s.perTool))
	for tool, c := range s.perTool {
		perTool[tool] = *c
	}
	return s.total, perTool
}
