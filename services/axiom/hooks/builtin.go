// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/Axiom/services/axiom/stream"
)

// Signal names produced by the default classification rules.
const (
	SignalPermissionPrompt  = "permission_prompt"
	SignalResearchIntent    = "research_intent"
	SignalPlanning          = "planning"
	SignalHedging           = "hedging"
	SignalCompletionClaim   = "completion_claim"
	SignalDisallowedCommand = "disallowed_command"
)

// BuiltinConfig holds the text and timing of the built-in hooks.
type BuiltinConfig struct {
	// ApproveKeys answer a permission dialog. Default "1\r".
	ApproveKeys string `yaml:"approve_keys"`

	// Submit terminates injected prompts. Default "\r".
	Submit string `yaml:"submit"`

	// PlanningGrace is how long pure planning is tolerated. Default 45s.
	PlanningGrace time.Duration `yaml:"planning_grace"`

	StallPrompt    string `yaml:"stall_prompt"`
	EvasionPrompt  string `yaml:"evasion_prompt"`
	ResearchPrompt string `yaml:"research_prompt"`

	// DisallowedCommands are extra regexes blocked in executed commands.
	DisallowedCommands []string `yaml:"disallowed_commands"`
}

// DefaultBuiltinConfig returns the default built-in hook configuration.
func DefaultBuiltinConfig() BuiltinConfig {
	return BuiltinConfig{
		ApproveKeys:    "1\r",
		Submit:         "\r",
		PlanningGrace:  45 * time.Second,
		StallPrompt:    "Stop planning. Create the files now and run the tests.",
		EvasionPrompt:  "No file exists yet. Do not describe the code: write it to disk now, then run the tests.",
		ResearchPrompt: "Skip the research. Implement the task directly with what you know, write the files and run the tests.",
	}
}

// DefaultHooks builds the built-in hooks.
func DefaultHooks(cfg BuiltinConfig) ([]Hook, error) {
	defaults := DefaultBuiltinConfig()
	if cfg.ApproveKeys == "" {
		cfg.ApproveKeys = defaults.ApproveKeys
	}
	if cfg.Submit == "" {
		cfg.Submit = defaults.Submit
	}
	if cfg.PlanningGrace <= 0 {
		cfg.PlanningGrace = defaults.PlanningGrace
	}
	if cfg.StallPrompt == "" {
		cfg.StallPrompt = defaults.StallPrompt
	}
	if cfg.EvasionPrompt == "" {
		cfg.EvasionPrompt = defaults.EvasionPrompt
	}
	if cfg.ResearchPrompt == "" {
		cfg.ResearchPrompt = defaults.ResearchPrompt
	}

	policy, err := NewCommandPolicyHook(cfg.DisallowedCommands)
	if err != nil {
		return nil, err
	}
	return []Hook{
		policy,
		NewResearchHook(cfg.ResearchPrompt),
		NewPermissionHook(cfg.ApproveKeys),
		NewEvasionHook(cfg.EvasionPrompt + cfg.Submit),
		NewPlanningStallHook(cfg.PlanningGrace, cfg.StallPrompt+cfg.Submit),
	}, nil
}

// PermissionHook answers interactive permission dialogs.
type PermissionHook struct {
	keys []byte
	once *OnceSet
}

// NewPermissionHook creates a PermissionHook that types keys at a prompt.
func NewPermissionHook(keys string) *PermissionHook {
	return &PermissionHook{keys: []byte(keys), once: NewOnceSet()}
}

func (h *PermissionHook) Name() string            { return "permission" }
func (h *PermissionHook) Kinds() []stream.Kind    { return []stream.Kind{stream.KindOutputChunk} }
func (h *PermissionHook) Priority() int           { return 70 }
func (h *PermissionHook) Cooldown() time.Duration { return time.Second }

func (h *PermissionHook) ForgetTask(taskID string) { h.once.Forget(taskID) }

func (h *PermissionHook) Decide(_ context.Context, hc *Context) (Decision, error) {
	if !hc.Event.HasSignal(SignalPermissionPrompt) {
		return Continue{}, nil
	}
	// A redrawn dialog repeats the same line until progress is made.
	key := fmt.Sprintf("%s#%d", strings.TrimSpace(stream.StripANSI(hc.Event.RawText)),
		hc.Progress.FilesCreated+hc.Progress.FilesModified+hc.Progress.CommandsRun)
	if !h.once.First(hc.TaskID, key) {
		return Continue{}, nil
	}
	return Modify{Patch: Patch{
		Inject:      h.keys,
		Annotations: map[string]string{"intervention": "permission_approved"},
	}}, nil
}

// PlanningStallHook nudges an agent that has only planned for too long.
type PlanningStallHook struct {
	grace  time.Duration
	prompt []byte
	once   *OnceSet
}

// NewPlanningStallHook creates the hook. One nudge per grace window.
func NewPlanningStallHook(grace time.Duration, prompt string) *PlanningStallHook {
	return &PlanningStallHook{grace: grace, prompt: []byte(prompt), once: NewOnceSet()}
}

func (h *PlanningStallHook) Name() string { return "planning_stall" }
func (h *PlanningStallHook) Kinds() []stream.Kind {
	return []stream.Kind{stream.KindOutputChunk}
}
func (h *PlanningStallHook) Priority() int { return 40 }

func (h *PlanningStallHook) ForgetTask(taskID string) { h.once.Forget(taskID) }

func (h *PlanningStallHook) Decide(_ context.Context, hc *Context) (Decision, error) {
	if hc.Elapsed < h.grace || hc.Progress.HasWorked() || hc.Progress.PlanningLines == 0 {
		return Continue{}, nil
	}
	window := int(hc.Elapsed / h.grace)
	if !h.once.First(hc.TaskID, fmt.Sprintf("stall-%d", window)) {
		return Continue{}, nil
	}
	return Modify{Patch: Patch{
		Inject:      h.prompt,
		Annotations: map[string]string{"intervention": "planning_stall"},
	}}, nil
}

// EvasionHook reacts to hedging or completion claims while nothing has been
// written to disk.
type EvasionHook struct {
	prompt []byte
	once   *OnceSet
}

// NewEvasionHook creates the hook.
func NewEvasionHook(prompt string) *EvasionHook {
	return &EvasionHook{prompt: []byte(prompt), once: NewOnceSet()}
}

func (h *EvasionHook) Name() string         { return "evasion" }
func (h *EvasionHook) Kinds() []stream.Kind { return []stream.Kind{stream.KindOutputChunk} }
func (h *EvasionHook) Priority() int        { return 50 }

func (h *EvasionHook) ForgetTask(taskID string) { h.once.Forget(taskID) }

func (h *EvasionHook) Decide(_ context.Context, hc *Context) (Decision, error) {
	if hc.Progress.FilesCreated > 0 {
		return Continue{}, nil
	}
	var signal string
	switch {
	case hc.Event.HasSignal(SignalCompletionClaim):
		signal = SignalCompletionClaim
	case hc.Event.HasSignal(SignalHedging):
		signal = SignalHedging
	default:
		return Continue{}, nil
	}
	if !h.once.First(hc.TaskID, signal) {
		return Continue{}, nil
	}
	return Modify{Patch: Patch{
		Inject:      h.prompt,
		Annotations: map[string]string{"intervention": "evasion", "signal": signal},
	}}, nil
}

// ResearchHook interrupts an agent that sets off to research before doing
// any work.
type ResearchHook struct {
	prompt string
	once   *OnceSet
}

// NewResearchHook creates the hook.
func NewResearchHook(prompt string) *ResearchHook {
	return &ResearchHook{prompt: prompt, once: NewOnceSet()}
}

func (h *ResearchHook) Name() string         { return "research" }
func (h *ResearchHook) Kinds() []stream.Kind { return []stream.Kind{stream.KindOutputChunk} }
func (h *ResearchHook) Priority() int        { return 80 }

func (h *ResearchHook) ForgetTask(taskID string) { h.once.Forget(taskID) }

func (h *ResearchHook) Decide(_ context.Context, hc *Context) (Decision, error) {
	if !hc.Event.HasSignal(SignalResearchIntent) || hc.Progress.HasWorked() {
		return Continue{}, nil
	}
	if !h.once.First(hc.TaskID, "research") {
		return Continue{}, nil
	}
	return Redirect{Request: Request{
		Interrupt: true,
		Prompt:    h.prompt,
		Reason:    "research before implementation",
	}}, nil
}

// CommandPolicyHook blocks disallowed commands.
type CommandPolicyHook struct {
	extra []*regexp.Regexp
}

// NewCommandPolicyHook creates the hook. patterns add to the
// disallowed_command signal rules.
func NewCommandPolicyHook(patterns []string) (*CommandPolicyHook, error) {
	h := &CommandPolicyHook{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("disallowed command pattern %q: %w", p, err)
		}
		h.extra = append(h.extra, re)
	}
	return h, nil
}

func (h *CommandPolicyHook) Name() string { return "command_policy" }
func (h *CommandPolicyHook) Kinds() []stream.Kind {
	return []stream.Kind{stream.KindCommandExecuted}
}
func (h *CommandPolicyHook) Priority() int           { return 100 }
func (h *CommandPolicyHook) Cooldown() time.Duration { return 0 }

func (h *CommandPolicyHook) Decide(_ context.Context, hc *Context) (Decision, error) {
	command := hc.Event.Metadata[stream.MetaCommand]
	if command == "" {
		command = stream.StripANSI(hc.Event.RawText)
	}
	if hc.Event.HasSignal(SignalDisallowedCommand) {
		return Block{Reason: "disallowed command: " + strings.TrimSpace(command)}, nil
	}
	for _, re := range h.extra {
		if re.MatchString(command) {
			return Block{Reason: "disallowed command: " + strings.TrimSpace(command)}, nil
		}
	}
	return Continue{}, nil
}
