// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the per-session event bus.
//
// A Bus is created by whoever owns a session (the service facade, the CLI) and
// injected into the components that publish. Streaming clients subscribe with
// a task filter and receive the buffered backlog before live events.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package events

import (
	"time"

	"github.com/AleutianAI/Axiom/services/axiom/stream"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeStream carries one classified output event of an attempt.
	TypeStream Type = "stream"

	// TypeIntervention is published when a hook modified, blocked or
	// redirected an attempt.
	TypeIntervention Type = "intervention"

	// TypeAttemptStarted is published once the agent process is running.
	TypeAttemptStarted Type = "attempt_started"

	// TypeAttemptFinished is published after verification.
	TypeAttemptFinished Type = "attempt_finished"

	// TypeSearchProgress is published after each search iteration.
	TypeSearchProgress Type = "search_progress"

	// TypeSearchDone is published when a search returns.
	TypeSearchDone Type = "search_done"

	// TypeTaskDone is the last event of a spawned root task.
	TypeTaskDone Type = "task_done"
)

// Event is one published event.
//
// Data holds the typed payload matching Type (StreamData for TypeStream and
// so on).
type Event struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	RootID    string    `json:"root_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Terminal reports whether no further events follow for the root task.
func (e Event) Terminal() bool {
	return e.Type == TypeTaskDone
}

// StreamData is the payload of TypeStream.
type StreamData struct {
	Event stream.Event `json:"event"`
}

// InterventionData is the payload of TypeIntervention.
type InterventionData struct {
	Hook   string `json:"hook"`
	Action string `json:"action"`
	Inject string `json:"inject,omitempty"`
	Prompt string `json:"prompt,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AttemptStartedData is the payload of TypeAttemptStarted.
type AttemptStartedData struct {
	Dir     string `json:"dir"`
	Mode    string `json:"mode"`
	Command string `json:"command"`
	PID     int    `json:"pid"`
}

// AttemptFinishedData is the payload of TypeAttemptFinished.
type AttemptFinishedData struct {
	Verified          bool          `json:"verified"`
	HasImplementation bool          `json:"has_implementation"`
	HasTests          bool          `json:"has_tests"`
	TestsPass         bool          `json:"tests_pass"`
	ExitCode          int           `json:"exit_code"`
	TimedOut          bool          `json:"timed_out,omitempty"`
	Canceled          bool          `json:"canceled,omitempty"`
	Interventions     int           `json:"interventions"`
	Duration          time.Duration `json:"duration"`
	Reason            string        `json:"reason,omitempty"`
}

// SearchProgressData is the payload of TypeSearchProgress.
type SearchProgressData struct {
	Iteration  int     `json:"iteration"`
	NodeID     string  `json:"node_id"`
	Strategy   string  `json:"strategy,omitempty"`
	Mode       string  `json:"mode"`
	Reward     float64 `json:"reward"`
	Reused     bool    `json:"reused,omitempty"`
	BestNodeID string  `json:"best_node_id"`
	BestReward float64 `json:"best_reward"`
}

// SearchDoneData is the payload of TypeSearchDone.
type SearchDoneData struct {
	BestNodeID string        `json:"best_node_id"`
	Strategy   string        `json:"strategy,omitempty"`
	Reward     float64       `json:"reward"`
	Iterations int           `json:"iterations"`
	Nodes      int           `json:"nodes"`
	Reason     string        `json:"reason"`
	Elapsed    time.Duration `json:"elapsed"`
}

// TaskDoneData is the payload of TypeTaskDone.
type TaskDoneData struct {
	Status string  `json:"status"`
	Reward float64 `json:"reward"`
	Error  string  `json:"error,omitempty"`
}
