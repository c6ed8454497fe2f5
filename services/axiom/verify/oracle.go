// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify decides from filesystem and process state whether an
// attempt produced working code.
//
// # Description
//
// The oracle never reads what the agent claims. It snapshots the working
// directory before the attempt, snapshots it again afterwards, optionally
// runs the project's test runner itself, and folds the results into a Proof:
//
//	before, _ := oracle.Snapshot(dir)
//	// ... run the attempt ...
//	proof, err := oracle.Verify(ctx, verify.Input{Dir: dir, Before: before, RunTests: true})
//
// When the directory cannot be read the oracle fails closed: the proof is
// unverified and Verify returns ErrVerificationUnavailable.
//
// # Thread Safety
//
// Oracle, Scanner and the package functions are safe for concurrent use.
// A Watcher serves a single attempt.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Config configures an Oracle.
type Config struct {
	// TestTimeout bounds one test-runner invocation. Default 2m.
	TestTimeout time.Duration `yaml:"test_timeout"`

	// IgnoreDirs overrides DefaultIgnoreDirs for snapshots.
	IgnoreDirs []string `yaml:"ignore_dirs"`

	// MaxOutputBytes caps captured runner output. Default 256KiB.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// DefaultConfig returns the default oracle configuration.
func DefaultConfig() Config {
	return Config{
		TestTimeout:    2 * time.Minute,
		MaxOutputBytes: 256 * 1024,
	}
}

// Input is everything Verify needs about one attempt.
type Input struct {
	// Dir is the attempt's working directory.
	Dir string

	// Before is the snapshot taken before the attempt started.
	Before Snapshot

	// Processes are records of what actually ran during the attempt.
	Processes []ProcessRecord

	// RunTests makes the oracle run the detected test runner itself.
	RunTests bool
}

// Runner is a test command for a project type.
type Runner struct {
	Name    string
	Command string
	Args    []string
}

// CommandFunc runs a command in dir and reports what happened. Replaced in
// tests.
type CommandFunc func(ctx context.Context, dir string, runner Runner, timeout time.Duration) ProcessRecord

// Oracle computes verification proofs.
type Oracle struct {
	config Config
	logger *slog.Logger
	run    CommandFunc
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCommandFunc replaces how test runners are executed.
func WithCommandFunc(fn CommandFunc) Option {
	return func(o *Oracle) {
		if fn != nil {
			o.run = fn
		}
	}
}

// NewOracle creates an Oracle. Zero config fields take defaults.
func NewOracle(config Config, opts ...Option) *Oracle {
	defaults := DefaultConfig()
	if config.TestTimeout <= 0 {
		config.TestTimeout = defaults.TestTimeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = defaults.MaxOutputBytes
	}
	o := &Oracle{config: config, logger: slog.Default()}
	o.run = o.runCommand
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Snapshot records the state of dir with the oracle's ignore rules.
func (o *Oracle) Snapshot(dir string) (Snapshot, error) {
	return TakeSnapshot(dir, SnapshotOptions{IgnoreDirs: o.config.IgnoreDirs})
}

// Verify builds the proof for one attempt.
//
// Outputs:
//   - *Proof: Never nil. Unverified when the directory is inaccessible.
//   - error: Wraps ErrVerificationUnavailable in that case.
func (o *Oracle) Verify(ctx context.Context, in Input) (*Proof, error) {
	after, err := o.Snapshot(in.Dir)
	if err != nil {
		o.logger.Warn("verification unavailable",
			slog.String("dir", in.Dir), slog.String("error", err.Error()))
		return Unverified(err.Error()), err
	}
	if in.Before.Files == nil {
		in.Before.Files = map[string]FileState{}
	}

	records := append([]ProcessRecord(nil), in.Processes...)
	if in.RunTests {
		if runner, ok := DetectRunner(after); ok {
			rec := o.run(ctx, in.Dir, runner, o.config.TestTimeout)
			records = append(records, rec)
			o.logger.Info("test runner finished",
				slog.String("runner", runner.Name),
				slog.Int("exit_code", rec.ExitCode),
				slog.Duration("duration", rec.Duration))
		}
	}

	proof := BuildProof(Diff(in.Before, after), after, records)
	o.logger.Debug("proof built",
		slog.String("dir", in.Dir),
		slog.Bool("has_implementation", proof.HasImplementation),
		slog.Bool("has_tests", proof.HasTests),
		slog.Bool("tests_pass", proof.TestsPass))
	return proof, nil
}

// DetectRunner picks a test runner from the files present.
func DetectRunner(snap Snapshot) (Runner, bool) {
	has := func(name string) bool {
		_, ok := snap.Files[name]
		return ok
	}

	var goTests, pyTests bool
	for file := range snap.Files {
		if !IsTestFile(file) {
			continue
		}
		switch path.Ext(file) {
		case ".go":
			goTests = true
		case ".py":
			pyTests = true
		}
	}

	switch {
	case has("go.mod") || goTests:
		return Runner{Name: "go", Command: "go", Args: []string{"test", "-v", "./..."}}, true
	case has("Cargo.toml"):
		return Runner{Name: "cargo", Command: "cargo", Args: []string{"test"}}, true
	case has("package.json"):
		return Runner{Name: "npm", Command: "npm", Args: []string{"test", "--silent"}}, true
	case pyTests || has("pytest.ini") || has("pyproject.toml") || has("setup.cfg"):
		if _, err := exec.LookPath("pytest"); err == nil {
			return Runner{Name: "pytest", Command: "pytest", Args: []string{"-q"}}, true
		}
		return Runner{Name: "pytest", Command: "python3", Args: []string{"-m", "pytest", "-q"}}, true
	}
	return Runner{}, false
}

// runCommand runs the runner in its own process group and kills the whole
// group when the timeout or ctx expires.
func (o *Oracle) runCommand(ctx context.Context, dir string, runner Runner, timeout time.Duration) ProcessRecord {
	start := time.Now()

	cmd := exec.Command(runner.Command, runner.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &cappedBuffer{limit: o.config.MaxOutputBytes}
	stderr := &cappedBuffer{limit: o.config.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		rec := NewProcessRecord(runner.Command, runner.Args, -1, "", err.Error(), time.Since(start))
		return rec
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	killed := ""
	select {
	case waitErr = <-done:
	case <-timer.C:
		killed = "timed out"
	case <-ctx.Done():
		killed = "canceled"
	}
	if killed != "" {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		waitErr = <-done
	}

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	if killed != "" {
		exitCode = -1
		stderr.WriteString(fmt.Sprintf("\n%s %s after %v", runner.Command, killed, time.Since(start).Round(time.Millisecond)))
	}
	return NewProcessRecord(runner.Command, runner.Args, exitCode, stdout.String(), stderr.String(), time.Since(start))
}

// cappedBuffer keeps the last limit bytes written.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(p)
	if over := c.buf.Len() - c.limit; c.limit > 0 && over > 0 {
		c.buf.Next(over)
	}
	return len(p), nil
}

func (c *cappedBuffer) WriteString(s string) {
	_, _ = c.Write([]byte(s))
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
