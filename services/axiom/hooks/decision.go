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
	"time"

	"github.com/AleutianAI/Axiom/services/axiom/stream"
)

// Action names a Decision variant.
type Action int

const (
	ActionContinue Action = iota
	ActionModify
	ActionBlock
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionModify:
		return "modify"
	case ActionBlock:
		return "block"
	case ActionRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is what a hook wants done with an event. It is a closed set:
// Continue, Modify, Block and Redirect are the only implementations.
type Decision interface {
	Action() Action
	sealed()
}

// Continue lets the event pass unchanged.
type Continue struct{}

// Modify adds a patch: bytes to write to the process and annotations.
type Modify struct {
	Patch Patch
}

// Block aborts the attempt.
type Block struct {
	Reason string
}

// Redirect interrupts the current line of work and submits a new prompt.
type Redirect struct {
	Request Request
}

func (Continue) Action() Action { return ActionContinue }
func (Modify) Action() Action   { return ActionModify }
func (Block) Action() Action    { return ActionBlock }
func (Redirect) Action() Action { return ActionRedirect }

func (Continue) sealed() {}
func (Modify) sealed()   {}
func (Block) sealed()    {}
func (Redirect) sealed() {}

// Patch is an accumulated modification.
type Patch struct {
	// Inject is written to the process input.
	Inject []byte `json:"inject,omitempty"`

	// Annotations are attached to the event for observers.
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Empty reports whether the patch does nothing.
func (p Patch) Empty() bool {
	return len(p.Inject) == 0 && len(p.Annotations) == 0
}

// Merge returns p followed by other: injected bytes are concatenated and
// annotations from other win on key conflicts.
func (p Patch) Merge(other Patch) Patch {
	out := Patch{}
	if len(p.Inject)+len(other.Inject) > 0 {
		out.Inject = make([]byte, 0, len(p.Inject)+len(other.Inject))
		out.Inject = append(out.Inject, p.Inject...)
		out.Inject = append(out.Inject, other.Inject...)
	}
	if len(p.Annotations)+len(other.Annotations) > 0 {
		out.Annotations = make(map[string]string, len(p.Annotations)+len(other.Annotations))
		for k, v := range p.Annotations {
			out.Annotations[k] = v
		}
		for k, v := range other.Annotations {
			out.Annotations[k] = v
		}
	}
	return out
}

// Request describes a redirect.
type Request struct {
	// Interrupt sends an interrupt (Escape) before the prompt.
	Interrupt bool `json:"interrupt"`

	// Prompt is submitted as new input.
	Prompt string `json:"prompt"`

	Reason string `json:"reason,omitempty"`
}

// Progress is what the pipeline has observed so far in an attempt.
type Progress struct {
	FilesCreated  int `json:"files_created"`
	FilesModified int `json:"files_modified"`
	CommandsRun   int `json:"commands_run"`
	Lines         int `json:"lines"`
	PlanningLines int `json:"planning_lines"`
	Interventions int `json:"interventions"`
}

// HasWorked reports whether any file or command progress was seen.
func (p Progress) HasWorked() bool {
	return p.FilesCreated > 0 || p.FilesModified > 0 || p.CommandsRun > 0
}

// Context is passed to every hook for one event.
type Context struct {
	TaskID   string
	Event    stream.Event
	Elapsed  time.Duration
	Progress Progress

	// Patch is the merge of Modify decisions made earlier in this pass.
	Patch Patch
}

// Hook observes events and may steer the attempt.
//
// Decide runs synchronously in the event pipeline under a per-hook timeout;
// it should honor ctx. A returned error is logged and treated as Continue.
type Hook interface {
	Name() string
	Kinds() []stream.Kind
	Priority() int
	Decide(ctx context.Context, hc *Context) (Decision, error)
}

// CooldownHook overrides the orchestrator's default cooldown for a hook.
type CooldownHook interface {
	Cooldown() time.Duration
}

// TaskForgetter is implemented by hooks that keep per-task state.
// Orchestrator.ForgetTask calls it once the task's attempt has finished.
type TaskForgetter interface {
	ForgetTask(taskID string)
}
