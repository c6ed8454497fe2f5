// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs one interactive process on a pseudo-terminal.
//
// # Description
//
// Coding agents change buffering and behavior when stdout is not a terminal,
// so every process gets a real pty. A Process exposes:
//
//   - Write: non-blocking, queued input drained by a writer goroutine
//   - Events: ordered Data, Heartbeat and Exit events (Exit exactly once)
//   - Kill: idempotent signal to the whole process group
//   - Wait: the only blocking call
//
// The wall-clock timeout runs on a timer in this process, outside the
// child's process group, and force-kills the group when it fires.
//
// # Thread Safety
//
// Executor and Process are safe for concurrent use.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

const (
	defaultRows        = 40
	defaultCols        = 200
	defaultOutputLimit = 64 * 1024
	defaultDrainGrace  = 2 * time.Second
	defaultQueueLimit  = 64 << 20
	eventBuffer        = 256
)

// LaunchSpec describes a process to start.
type LaunchSpec struct {
	// Command is the executable name or path. Resolved with exec.LookPath.
	Command string

	// Args are passed after Command.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env entries are appended to the parent environment.
	Env []string

	// Timeout is the hard wall-clock limit. Zero disables it.
	Timeout time.Duration

	// HeartbeatInterval enables Heartbeat events while output is silent.
	// Zero uses the Executor default; negative disables heartbeats.
	HeartbeatInterval time.Duration

	// Rows and Cols size the terminal. Zero uses 40x200.
	Rows uint16
	Cols uint16

	// OnData, if set, is called from the reader goroutine for each chunk
	// before it is queued as an event. It must not block.
	OnData func([]byte)

	// OutputLimit bounds the captured output tail used by ProcessRecord.
	OutputLimit int

	// QueueLimit bounds the bytes of Data events held for a slow or absent
	// Events reader. Data beyond it is dropped; Heartbeat and Exit never
	// are. Zero uses 64 MiB.
	QueueLimit int
}

// Executor starts processes with shared defaults.
type Executor struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration
	drainGrace        time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithHeartbeatInterval sets the default heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Executor) { e.heartbeatInterval = d }
}

// WithDrainGrace bounds how long output is drained after the process exits
// before the terminal is closed under a lingering reader.
func WithDrainGrace(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.drainGrace = d
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger:            slog.Default(),
		heartbeatInterval: 5 * time.Second,
		drainGrace:        defaultDrainGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start spawns the process described by spec on a new pseudo-terminal.
//
// Description:
//
//	Resolves the executable, allocates the pty and starts the child as the
//	leader of a new session (and so of its own process group). Cancelling
//	ctx later kills the group and reports the exit as Canceled.
//
// Inputs:
//   - ctx: Lifetime of the process.
//   - spec: What to run.
//
// Outputs:
//   - *Process: The running process.
//   - error: *LaunchError when the process cannot be spawned, or
//     ErrInvalidSpec for an empty command.
func (e *Executor) Start(ctx context.Context, spec LaunchSpec) (*Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidSpec)
	}

	path, err := exec.LookPath(spec.Command)
	if err != nil {
		launchFailures.Inc()
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	size := &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols}
	if size.Rows == 0 {
		size.Rows = defaultRows
	}
	if size.Cols == 0 {
		size.Cols = defaultCols
	}

	// pty.Start sets Setsid and Setctty, so the child leads its own group.
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		launchFailures.Inc()
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	if spec.HeartbeatInterval == 0 {
		spec.HeartbeatInterval = e.heartbeatInterval
	}
	if spec.OutputLimit <= 0 {
		spec.OutputLimit = defaultOutputLimit
	}
	if spec.QueueLimit <= 0 {
		spec.QueueLimit = defaultQueueLimit
	}

	p := newProcess(spec, cmd, ptmx, e.logger, e.drainGrace)
	processesStarted.Inc()
	e.logger.Info("process started",
		slog.String("command", spec.Command),
		slog.Int("pid", p.pid),
		slog.String("dir", spec.Dir),
		slog.Duration("timeout", spec.Timeout))

	p.start(ctx)
	return p, nil
}
