// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package attempt

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Placeholders expanded in Config.Args.
const (
	PlaceholderPrompt = "{prompt}"
	PlaceholderDir    = "{dir}"
	PlaceholderTask   = "{task_id}"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid attempt config")

// Config describes how the agent executable is launched.
type Config struct {
	// Command is the agent executable.
	Command string `yaml:"command" json:"command"`

	// Args is the argument template. {prompt}, {dir} and {task_id} are
	// replaced per attempt. If no argument mentions {prompt} the prompt is
	// appended as the last argument.
	Args []string `yaml:"args" json:"args"`

	// Env entries are added to the inherited environment.
	Env []string `yaml:"env" json:"env,omitempty"`

	// WorkRoot holds one working directory per attempt.
	WorkRoot string `yaml:"work_root" json:"work_root"`

	// Timeout is the hard wall-clock limit of one attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// HeartbeatInterval is the silence interval that produces heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// InterruptKeys are written before a redirect prompt. Default Escape.
	InterruptKeys string `yaml:"interrupt_keys" json:"interrupt_keys"`

	// Submit terminates a redirect prompt. Default "\r".
	Submit string `yaml:"submit" json:"submit"`

	// MaxInterventions caps applied Modify/Redirect decisions per attempt.
	// Zero means unlimited.
	MaxInterventions int `yaml:"max_interventions" json:"max_interventions"`

	// Parallelism bounds concurrent attempts in a Pool.
	Parallelism int `yaml:"parallelism" json:"parallelism"`
}

// DefaultConfig returns the default launch configuration for a Claude-style
// agent CLI.
func DefaultConfig() Config {
	return Config{
		Command:           "claude",
		Args:              []string{"--dangerously-skip-permissions", PlaceholderPrompt},
		WorkRoot:          "axiom-work",
		Timeout:           10 * time.Minute,
		HeartbeatInterval: 5 * time.Second,
		InterruptKeys:     "\x1b",
		Submit:            "\r",
		MaxInterventions:  20,
		Parallelism:       2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	if c.WorkRoot == "" {
		return fmt.Errorf("%w: work_root is required", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	if c.MaxInterventions < 0 {
		return fmt.Errorf("%w: max_interventions must not be negative", ErrInvalidConfig)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// expandArgs fills the argument template for one attempt.
func (c Config) expandArgs(prompt, dir, taskID string) []string {
	r := strings.NewReplacer(PlaceholderPrompt, prompt, PlaceholderDir, dir, PlaceholderTask, taskID)
	out := make([]string, 0, len(c.Args)+1)
	hasPrompt := false
	for _, a := range c.Args {
		if strings.Contains(a, PlaceholderPrompt) {
			hasPrompt = true
		}
		out = append(out, r.Replace(a))
	}
	if !hasPrompt {
		out = append(out, prompt)
	}
	return out
}
