// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hooks reduces the decisions of independently written hooks into
// one outcome per stream event.
//
// # Description
//
// Hooks subscribe to event kinds with a priority. For each event the
// Orchestrator invokes the subscribed hooks from highest to lowest priority
// (registration order on ties):
//
//   - the first Block or Redirect ends the pass
//   - Modify patches merge and are visible to later hooks
//   - all Continue yields Continue
//
// A hook that errors, panics or overruns its timeout counts as Continue.
// A non-Continue decision from a hook still inside its per-task cooldown is
// downgraded to Continue.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use by several attempt pipelines.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/Axiom/services/axiom/stream"
)

var (
	// ErrDuplicateHook is returned when a hook name is registered twice.
	ErrDuplicateHook = errors.New("hook already registered")

	// ErrHookTimeout marks a hook that overran HookTimeout.
	ErrHookTimeout = errors.New("hook timed out")

	// ErrHookPanic marks a hook that panicked.
	ErrHookPanic = errors.New("hook panicked")
)

// Config configures an Orchestrator.
type Config struct {
	// HookTimeout bounds one Decide call. Default 2s.
	HookTimeout time.Duration `yaml:"hook_timeout"`

	// Cooldown is the minimum spacing between non-Continue decisions of one
	// hook for one task. Zero disables it. Hooks may override via
	// CooldownHook.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{HookTimeout: 2 * time.Second, Cooldown: 3 * time.Second}
}

// HookFailure records a hook that was treated as Continue.
type HookFailure struct {
	Hook string
	Err  error
}

// Outcome is the reduced result of one dispatch.
type Outcome struct {
	// Decision is Continue, Modify (with the merged patch), Block or Redirect.
	Decision Decision

	// DecidedBy names the hook that blocked or redirected.
	DecidedBy string

	// Invoked lists the hooks that ran, in order.
	Invoked    []string
	Failures   []HookFailure
	Suppressed []string
}

// Action is shorthand for Decision.Action().
func (o Outcome) Action() Action {
	if o.Decision == nil {
		return ActionContinue
	}
	return o.Decision.Action()
}

type registration struct {
	hook     Hook
	seq      int
	cooldown time.Duration
}

// Orchestrator dispatches events to hooks.
type Orchestrator struct {
	config Config
	logger *slog.Logger

	mu    sync.RWMutex
	hooks []registration
	names map[string]bool

	limMu    sync.Mutex
	limiters map[string]map[string]*rate.Limiter
}

// NewOrchestrator creates an Orchestrator. A nil logger uses slog.Default().
func NewOrchestrator(config Config, logger *slog.Logger) *Orchestrator {
	defaults := DefaultConfig()
	if config.HookTimeout <= 0 {
		config.HookTimeout = defaults.HookTimeout
	}
	if config.Cooldown < 0 {
		config.Cooldown = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:   config,
		logger:   logger,
		names:    make(map[string]bool),
		limiters: make(map[string]map[string]*rate.Limiter),
	}
}

// Register adds a hook.
//
// Outputs:
//   - error: ErrDuplicateHook if a hook with the same name exists.
func (o *Orchestrator) Register(h Hook) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.names[h.Name()] {
		return fmt.Errorf("%w: %s", ErrDuplicateHook, h.Name())
	}
	cooldown := o.config.Cooldown
	if c, ok := h.(CooldownHook); ok {
		cooldown = c.Cooldown()
	}
	o.names[h.Name()] = true
	o.hooks = append(o.hooks, registration{hook: h, seq: len(o.hooks), cooldown: cooldown})
	return nil
}

// Hooks returns registered hook names in registration order.
func (o *Orchestrator) Hooks() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, len(o.hooks))
	for i, r := range o.hooks {
		names[i] = r.hook.Name()
	}
	return names
}

// Dispatch runs the hooks subscribed to hc.Event.Kind and reduces their
// decisions.
//
// Inputs:
//   - ctx: Bounds the whole pass; each hook also gets HookTimeout.
//   - hc: Event context. hc.Patch is updated as Modify decisions merge.
//
// Outputs:
//   - Outcome: Never fails. Hook errors are reported in Failures.
func (o *Orchestrator) Dispatch(ctx context.Context, hc *Context) Outcome {
	subscribed := o.subscribed(hc.Event.Kind)
	outcome := Outcome{Decision: Continue{}}
	modified := false

	for _, reg := range subscribed {
		if ctx.Err() != nil {
			break
		}
		name := reg.hook.Name()
		outcome.Invoked = append(outcome.Invoked, name)

		decision, err := o.invoke(ctx, reg.hook, hc)
		if err != nil {
			outcome.Failures = append(outcome.Failures, HookFailure{Hook: name, Err: err})
			hookFailures.WithLabelValues(name, failureReason(err)).Inc()
			o.logger.Warn("hook failed, continuing",
				slog.String("hook", name),
				slog.String("task_id", hc.TaskID),
				slog.String("error", err.Error()))
			continue
		}
		if decision == nil {
			decision = Continue{}
		}

		if decision.Action() != ActionContinue && !o.allow(hc.TaskID, name, reg.cooldown) {
			outcome.Suppressed = append(outcome.Suppressed, name)
			hookSuppressed.WithLabelValues(name).Inc()
			o.logger.Debug("hook decision suppressed by cooldown",
				slog.String("hook", name),
				slog.String("task_id", hc.TaskID),
				slog.String("action", decision.Action().String()))
			continue
		}
		hookDecisions.WithLabelValues(name, decision.Action().String()).Inc()

		switch d := decision.(type) {
		case Continue:
		case Modify:
			hc.Patch = hc.Patch.Merge(d.Patch)
			modified = true
		case Block:
			outcome.Decision = d
			outcome.DecidedBy = name
			return outcome
		case Redirect:
			outcome.Decision = d
			outcome.DecidedBy = name
			return outcome
		}
	}

	if modified {
		outcome.Decision = Modify{Patch: hc.Patch}
	}
	return outcome
}

// ForgetTask drops cooldown state for a finished task and forwards it to
// every registered TaskForgetter.
func (o *Orchestrator) ForgetTask(taskID string) {
	o.limMu.Lock()
	delete(o.limiters, taskID)
	o.limMu.Unlock()

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, reg := range o.hooks {
		if f, ok := reg.hook.(TaskForgetter); ok {
			f.ForgetTask(taskID)
		}
	}
}

func (o *Orchestrator) subscribed(kind stream.Kind) []registration {
	o.mu.RLock()
	var out []registration
	for _, reg := range o.hooks {
		for _, k := range reg.hook.Kinds() {
			if k == kind {
				out = append(out, reg)
				break
			}
		}
	}
	o.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].hook.Priority(), out[j].hook.Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (o *Orchestrator) allow(taskID, hook string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	o.limMu.Lock()
	defer o.limMu.Unlock()
	perTask, ok := o.limiters[taskID]
	if !ok {
		perTask = make(map[string]*rate.Limiter)
		o.limiters[taskID] = perTask
	}
	lim, ok := perTask[hook]
	if !ok {
		lim = rate.NewLimiter(rate.Every(cooldown), 1)
		perTask[hook] = lim
	}
	return lim.Allow()
}

type decideResult struct {
	decision Decision
	err      error
}

// invoke runs one Decide call with a timeout and panic recovery.
func (o *Orchestrator) invoke(ctx context.Context, h Hook, hc *Context) (Decision, error) {
	hookCtx, cancel := context.WithTimeout(ctx, o.config.HookTimeout)
	defer cancel()

	// Hooks see a copy so a late return after timeout cannot race the pass.
	snapshot := *hc
	done := make(chan decideResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- decideResult{err: fmt.Errorf("%w: %v", ErrHookPanic, r)}
			}
		}()
		d, err := h.Decide(hookCtx, &snapshot)
		done <- decideResult{decision: d, err: err}
	}()

	select {
	case res := <-done:
		return res.decision, res.err
	case <-hookCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %v", ErrHookTimeout, o.config.HookTimeout)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrHookTimeout):
		return "timeout"
	case errors.Is(err, ErrHookPanic):
		return "panic"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
