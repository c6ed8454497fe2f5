// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrVerificationUnavailable is returned when the working directory cannot
// be inspected. The accompanying proof is always unverified.
var ErrVerificationUnavailable = errors.New("verification unavailable")

// ProcessRecord is what actually ran: command, exit code and output, as
// observed by this process rather than reported by the agent.
type ProcessRecord struct {
	Command      string        `json:"command"`
	Args         []string      `json:"args,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	Duration     time.Duration `json:"duration"`
	IsTestRunner bool          `json:"is_test_runner"`
}

// NewProcessRecord builds a record and classifies the command.
func NewProcessRecord(command string, args []string, exitCode int, stdout, stderr string, duration time.Duration) ProcessRecord {
	return ProcessRecord{
		Command:      command,
		Args:         args,
		ExitCode:     exitCode,
		Stdout:       stdout,
		Stderr:       stderr,
		Duration:     duration,
		IsTestRunner: IsTestCommand(command, args),
	}
}

// CommandLine joins command and args for display.
func (r ProcessRecord) CommandLine() string {
	if len(r.Args) == 0 {
		return r.Command
	}
	return r.Command + " " + strings.Join(r.Args, " ")
}

// Output returns stdout and stderr combined.
func (r ProcessRecord) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

var directRunners = map[string]bool{
	"pytest":  true,
	"py.test": true,
	"jest":    true,
	"vitest":  true,
	"mocha":   true,
	"rspec":   true,
	"phpunit": true,
}

// IsTestCommand reports whether command+args invokes a test runner.
//
// Recognizes direct runners (pytest, jest, ...), "go test", "cargo test",
// "npm/yarn/pnpm test", "python -m pytest|unittest", "make test" and a shell
// "-c" script whose first command is one of those.
func IsTestCommand(command string, args []string) bool {
	base := filepath.Base(command)
	if directRunners[base] {
		return true
	}

	first := ""
	if len(args) > 0 {
		first = args[0]
	}

	switch base {
	case "go", "cargo", "make":
		return first == "test"
	case "npm", "yarn", "pnpm", "bun":
		if first == "test" || first == "t" {
			return true
		}
		return first == "run" && len(args) > 1 && strings.HasPrefix(args[1], "test")
	case "npx":
		return first != "" && directRunners[first]
	}

	if strings.HasPrefix(base, "python") {
		for i := 0; i+1 < len(args); i++ {
			if args[i] == "-m" {
				return args[i+1] == "pytest" || args[i+1] == "unittest"
			}
		}
		return false
	}

	if base == "sh" || base == "bash" || base == "zsh" {
		for i := 0; i+1 < len(args); i++ {
			if args[i] == "-c" {
				fields := strings.Fields(args[i+1])
				if len(fields) == 0 {
					return false
				}
				return IsTestCommand(fields[0], fields[1:])
			}
		}
	}
	return false
}
