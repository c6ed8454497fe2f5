// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package attempt runs one agent attempt end to end.
//
// An attempt launches the agent executable on a pseudo-terminal in its own
// working directory, classifies its output, lets the hook orchestrator steer
// it, and finally asks the verification oracle what actually happened on
// disk. Runner implements mcts.Simulator so the search engine can score
// attempts; Pool bounds how many run at once.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/Axiom/services/axiom/events"
	"github.com/AleutianAI/Axiom/services/axiom/executor"
	"github.com/AleutianAI/Axiom/services/axiom/hooks"
	"github.com/AleutianAI/Axiom/services/axiom/mcts"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/stream"
	"github.com/AleutianAI/Axiom/services/axiom/stream/rules"
	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

// ErrInvalidAttempt is returned for an attempt without task id or prompt.
var ErrInvalidAttempt = errors.New("invalid attempt")

// Attempt is one run of the agent on one task text.
type Attempt struct {
	TaskID   string
	ParentID string

	// RootID groups events of a search. Defaults to TaskID.
	RootID string

	Depth    int
	Strategy string
	Prompt   string
	Mode     mcts.Mode

	// Dir overrides the working directory. Default WorkRoot/TaskID.
	Dir string
}

// Intervention is one hook decision applied to the running agent.
type Intervention struct {
	Hook   string        `json:"hook"`
	Action string        `json:"action"`
	At     time.Duration `json:"at"`
	Reason string        `json:"reason,omitempty"`
}

// Result is what one attempt produced.
type Result struct {
	TaskID string    `json:"task_id"`
	Dir    string    `json:"dir"`
	Mode   mcts.Mode `json:"mode"`

	Proof         *verify.Proof        `json:"proof"`
	Exit          executor.ExitStatus  `json:"-"`
	Scan          *verify.ScanResult   `json:"scan,omitempty"`
	Transcript    Transcript           `json:"transcript"`
	Interventions []Intervention       `json:"interventions,omitempty"`
	Blocked       string               `json:"blocked,omitempty"`
	Reward        mcts.RewardBreakdown `json:"reward"`
	Status        registry.Status      `json:"status"`
	Duration      time.Duration        `json:"duration"`

	// Reason says why a failed attempt failed.
	Reason string `json:"reason,omitempty"`
}

// Outcome converts the result for reward scoring. A blocked attempt is
// scored like a cancelled one.
func (r *Result) Outcome() mcts.Outcome {
	o := mcts.Outcome{
		Proof:           r.Proof,
		Hedging:         r.Transcript.Hedging,
		CompletionClaim: r.Transcript.CompletionClaim,
		Meta:            r.Transcript.Meta(),
		TimedOut:        r.Exit.TimedOut,
		Canceled:        r.Exit.Canceled || r.Blocked != "",
		Dir:             r.Dir,
		Duration:        r.Duration,
	}
	if r.Scan != nil {
		o.Scanned = true
		o.Quality = r.Scan.Score
	}
	return o
}

// Runner executes attempts.
//
// Thread Safety: Safe for concurrent use; each Run owns its process,
// classifier and working directory.
type Runner struct {
	config   Config
	exec     *executor.Executor
	rules    *rules.Set
	orch     *hooks.Orchestrator
	oracle   *verify.Oracle
	scanner  *verify.Scanner
	registry registry.Registry
	bus      *events.Bus
	reward   mcts.RewardPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithExecutor replaces the process executor.
func WithExecutor(e *executor.Executor) Option {
	return func(r *Runner) { r.exec = e }
}

// WithRules sets the classification rules. Default: the embedded set.
func WithRules(set *rules.Set) Option {
	return func(r *Runner) { r.rules = set }
}

// WithOrchestrator sets the hook orchestrator. Default: the built-in hooks.
func WithOrchestrator(o *hooks.Orchestrator) Option {
	return func(r *Runner) { r.orch = o }
}

// WithOracle sets the verification oracle.
func WithOracle(o *verify.Oracle) Option {
	return func(r *Runner) { r.oracle = o }
}

// WithScanner sets the full-mode quality scanner.
func WithScanner(s *verify.Scanner) Option {
	return func(r *Runner) { r.scanner = s }
}

// WithRegistry sets where task status is recorded. Default: in memory.
func WithRegistry(reg registry.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithBus publishes attempt events. Default: none.
func WithBus(bus *events.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithRewardPolicy sets how finished attempts are scored for the registry.
func WithRewardPolicy(p mcts.RewardPolicy) Option {
	return func(r *Runner) { r.reward = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner. Collaborators not given as options get their
// defaults.
//
// Outputs:
//   - *Runner: Ready to run attempts.
//   - error: ErrInvalidConfig, or a failure loading the default rules or
//     building the built-in hooks.
func NewRunner(config Config, opts ...Option) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if config.InterruptKeys == "" {
		config.InterruptKeys = defaults.InterruptKeys
	}
	if config.Submit == "" {
		config.Submit = defaults.Submit
	}

	r := &Runner{
		config: config,
		reward: mcts.NewRewardPolicy(mcts.DefaultRewardConfig()),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.exec == nil {
		r.exec = executor.NewExecutor(
			executor.WithLogger(r.logger),
			executor.WithHeartbeatInterval(config.HeartbeatInterval))
	}
	if r.rules == nil {
		set, err := rules.Default()
		if err != nil {
			return nil, err
		}
		r.rules = set
	}
	if r.orch == nil {
		orch, err := DefaultOrchestrator(hooks.DefaultConfig(), hooks.DefaultBuiltinConfig(), r.logger)
		if err != nil {
			return nil, err
		}
		r.orch = orch
	}
	if r.oracle == nil {
		r.oracle = verify.NewOracle(verify.DefaultConfig(), verify.WithLogger(r.logger))
	}
	if r.scanner == nil {
		r.scanner = verify.NewScanner()
	}
	if r.registry == nil {
		r.registry = registry.NewMemoryRegistry()
	}
	return r, nil
}

// DefaultOrchestrator builds an orchestrator with the built-in hooks.
func DefaultOrchestrator(cfg hooks.Config, builtin hooks.BuiltinConfig, logger *slog.Logger) (*hooks.Orchestrator, error) {
	orch := hooks.NewOrchestrator(cfg, logger)
	hs, err := hooks.DefaultHooks(builtin)
	if err != nil {
		return nil, err
	}
	for _, h := range hs {
		if err := orch.Register(h); err != nil {
			return nil, err
		}
	}
	return orch, nil
}

// Config returns the launch configuration.
func (r *Runner) Config() Config {
	return r.config
}

// Run executes one attempt.
//
// Description:
//
//	Records the task as running, snapshots the working directory, starts
//	the file watcher and the agent, then pumps every output chunk through
//	the classifier and the hook orchestrator until the process exits.
//	Modify and Redirect decisions are written to the agent's terminal and
//	Block kills it. After exit the oracle builds the proof (running the
//	tests itself in full mode) and, in full mode, the scanner scores the
//	created code. The task's final status and reward are recorded.
//
// Inputs:
//   - ctx: Cancelling it kills the agent; the attempt is then reported as
//     canceled and recorded as failed.
//   - a: The attempt. TaskID and Prompt are required.
//
// Outputs:
//   - *Result: Non-nil once the task was recorded, even on error.
//   - error: ErrInvalidAttempt, a registry failure, a working directory
//     failure or *executor.LaunchError. A process that ran is never an
//     error, whatever its exit.
func (r *Runner) Run(ctx context.Context, a Attempt) (*Result, error) {
	if a.TaskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidAttempt)
	}
	if strings.TrimSpace(a.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidAttempt)
	}
	if a.RootID == "" {
		a.RootID = a.TaskID
	}
	logger := r.logger.With(slog.String("task_id", a.TaskID), slog.String("mode", a.Mode.String()))
	start := r.now()

	dir := a.Dir
	if dir == "" {
		dir = filepath.Join(r.config.WorkRoot, a.TaskID)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	res := &Result{TaskID: a.TaskID, Dir: dir, Mode: a.Mode}

	if err := r.recordStart(ctx, a, dir); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return r.fail(ctx, a, res, start, fmt.Errorf("create work dir %s: %w", dir, err))
	}
	before, err := r.oracle.Snapshot(dir)
	if err != nil {
		return r.fail(ctx, a, res, start, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var changes <-chan verify.Change
	watcher, err := verify.NewWatcher(dir, logger)
	if err == nil {
		defer watcher.Stop()
		if err = watcher.Start(runCtx); err == nil {
			changes = watcher.Changes()
		}
	}
	if err != nil {
		logger.Warn("live file watching unavailable", slog.String("error", err.Error()))
	}

	spec := executor.LaunchSpec{
		Command:           r.config.Command,
		Args:              r.config.expandArgs(a.Prompt, dir, a.TaskID),
		Dir:               dir,
		Env:               r.config.Env,
		Timeout:           r.config.Timeout,
		HeartbeatInterval: r.config.HeartbeatInterval,
	}
	proc, err := r.exec.Start(runCtx, spec)
	if err != nil {
		return r.fail(ctx, a, res, start, err)
	}
	logger.Info("attempt started", slog.Int("pid", proc.PID()), slog.String("dir", dir))
	r.publish(a, events.TypeAttemptStarted, events.AttemptStartedData{
		Dir:     dir,
		Mode:    a.Mode.String(),
		Command: r.config.Command,
		PID:     proc.PID(),
	})

	p := &pump{
		runner:     r,
		attempt:    a,
		proc:       proc,
		classifier: stream.NewClassifier(r.rules, stream.WithClock(r.now)),
		start:      start,
		seen:       make(map[string]bool),
		logger:     logger,
	}
	res.Exit = p.run(runCtx, changes)
	r.orch.ForgetTask(a.TaskID)
	res.Transcript = p.transcript
	res.Interventions = p.interventions
	res.Blocked = p.blocked

	proof, verr := r.oracle.Verify(ctx, verify.Input{
		Dir:       dir,
		Before:    before,
		Processes: []verify.ProcessRecord{proc.ProcessRecord()},
		RunTests:  a.Mode == mcts.ModeFull,
	})
	res.Proof = proof
	if verr != nil {
		logger.Warn("attempt unverified", slog.String("error", verr.Error()))
	}
	if a.Mode == mcts.ModeFull && proof.Verified {
		res.Scan = r.scan(ctx, dir, proof, logger)
	}

	res.Duration = r.now().Sub(start)
	res.Reward = r.reward.Score(res.Outcome())
	res.Status = registry.StatusCompleted
	reason := ""
	switch {
	case res.Blocked != "":
		reason = res.Blocked
	case res.Exit.TimedOut, res.Exit.Canceled:
		reason = "agent " + res.Exit.Reason()
	default:
		reason = proof.Shortfall(a.Mode == mcts.ModeFull)
	}
	if reason != "" {
		res.Status = registry.StatusFailed
		res.Reason = reason
	}
	r.recordFinish(ctx, a, res, reason)

	r.publish(a, events.TypeAttemptFinished, events.AttemptFinishedData{
		Verified:          proof.Verified,
		HasImplementation: proof.HasImplementation,
		HasTests:          proof.HasTests,
		TestsPass:         proof.TestsPass,
		ExitCode:          res.Exit.ExitCode,
		TimedOut:          res.Exit.TimedOut,
		Canceled:          res.Exit.Canceled,
		Interventions:     len(res.Interventions),
		Duration:          res.Duration,
		Reason:            proof.Reason,
	})
	attemptsTotal.WithLabelValues(a.Mode.String(), string(res.Status)).Inc()
	attemptDuration.WithLabelValues(a.Mode.String()).Observe(res.Duration.Seconds())
	attemptReward.Observe(res.Reward.Reward)

	logger.Info("attempt finished",
		slog.String("exit", res.Exit.Reason()),
		slog.Int("exit_code", res.Exit.ExitCode),
		slog.Bool("has_implementation", proof.HasImplementation),
		slog.Bool("tests_pass", proof.TestsPass),
		slog.Float64("reward", res.Reward.Reward),
		slog.Int("interventions", len(res.Interventions)),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// Simulate implements mcts.Simulator with an unlinked task per request. Use
// NewSearchSimulator to record the search tree in the registry.
func (r *Runner) Simulate(ctx context.Context, req mcts.Request) (mcts.Outcome, error) {
	res, err := r.Run(ctx, Attempt{
		TaskID:   uuid.NewString(),
		Depth:    req.Depth,
		Strategy: req.Strategy,
		Prompt:   req.TaskText,
		Mode:     req.Mode,
	})
	if res == nil {
		return mcts.Outcome{}, err
	}
	return res.Outcome(), err
}

func (r *Runner) scan(ctx context.Context, dir string, proof *verify.Proof, logger *slog.Logger) *verify.ScanResult {
	var files []string
	for _, f := range proof.FilesCreated {
		if f.IsCode {
			files = append(files, f.Path)
		}
	}
	for _, f := range proof.FilesModified {
		if f.IsCode {
			files = append(files, f.Path)
		}
	}
	if len(files) == 0 {
		return nil
	}
	scan, err := r.scanner.Scan(ctx, dir, files)
	if err != nil {
		logger.Warn("quality scan failed", slog.String("error", err.Error()))
		return nil
	}
	return scan
}

func (r *Runner) recordStart(ctx context.Context, a Attempt, dir string) error {
	err := r.registry.RecordTaskStart(ctx, registry.Task{
		ID:         a.TaskID,
		PromptText: a.Prompt,
		ParentID:   a.ParentID,
		Depth:      a.Depth,
		Status:     registry.StatusRunning,
		Strategy:   a.Strategy,
		Dir:        dir,
	})
	if errors.Is(err, registry.ErrTaskExists) {
		running := registry.StatusRunning
		_, err = r.registry.RecordTaskUpdate(ctx, a.TaskID, registry.Update{Status: &running, Dir: &dir})
	}
	if err != nil {
		return fmt.Errorf("record task start: %w", err)
	}
	return nil
}

func (r *Runner) recordFinish(ctx context.Context, a Attempt, res *Result, reason string) {
	update := registry.Update{Status: &res.Status, Reward: &res.Reward.Reward}
	if reason != "" {
		update.Error = &reason
	}
	if _, err := r.registry.RecordTaskUpdate(context.WithoutCancel(ctx), a.TaskID, update); err != nil {
		r.logger.Error("record task outcome",
			slog.String("task_id", a.TaskID), slog.String("error", err.Error()))
	}
}

// fail records an attempt that never produced a process run.
func (r *Runner) fail(ctx context.Context, a Attempt, res *Result, start time.Time, cause error) (*Result, error) {
	res.Proof = verify.Unverified(cause.Error())
	res.Status = registry.StatusFailed
	res.Reason = cause.Error()
	res.Duration = r.now().Sub(start)
	r.recordFinish(ctx, a, res, cause.Error())
	r.publish(a, events.TypeAttemptFinished, events.AttemptFinishedData{
		ExitCode: -1,
		Duration: res.Duration,
		Reason:   cause.Error(),
	})
	attemptsTotal.WithLabelValues(a.Mode.String(), string(res.Status)).Inc()
	r.logger.Warn("attempt failed to run",
		slog.String("task_id", a.TaskID), slog.String("error", cause.Error()))
	return res, cause
}

func (r *Runner) publish(a Attempt, typ events.Type, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Type: typ, TaskID: a.TaskID, RootID: a.RootID, Data: data})
}

// pump is the per-attempt event loop state. It is owned by one goroutine.
type pump struct {
	runner     *Runner
	attempt    Attempt
	proc       *executor.Process
	classifier *stream.Classifier
	start      time.Time
	logger     *slog.Logger

	progress      hooks.Progress
	transcript    Transcript
	interventions []Intervention
	blocked       string
	seen          map[string]bool
}

// run consumes process events and live file changes until the process
// exits.
func (p *pump) run(ctx context.Context, changes <-chan verify.Change) executor.ExitStatus {
	procEvents := p.proc.Events()
	for {
		select {
		case ev, ok := <-procEvents:
			if !ok {
				return p.proc.Wait(context.Background())
			}
			switch ev.Type {
			case executor.EventData:
				p.handleAll(ctx, p.classifier.Parse(ev.Data))
			case executor.EventHeartbeat:
				p.logger.Debug("agent silent", slog.Duration("silence", ev.Silence))
			case executor.EventExit:
				p.handleAll(ctx, p.classifier.Flush())
				p.drainChanges(ctx, changes)
				return *ev.Exit
			}
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			p.handleChange(ctx, ch)
		}
	}
}

func (p *pump) drainChanges(ctx context.Context, changes <-chan verify.Change) {
	if changes == nil {
		return
	}
	for {
		select {
		case ch, ok := <-changes:
			if !ok {
				return
			}
			p.handleChange(ctx, ch)
		default:
			return
		}
	}
}

func (p *pump) handleAll(ctx context.Context, evs []stream.Event) {
	for _, ev := range evs {
		switch ev.Kind {
		case stream.KindCommandExecuted:
			p.progress.CommandsRun++
		case stream.KindOutputChunk:
			p.progress.Lines++
			if ev.HasSignal(hooks.SignalPlanning) {
				p.progress.PlanningLines++
			}
		}
		p.emit(ctx, ev)
	}
}

// handleChange turns a live file change into a stream event. File progress
// is counted from the filesystem only, never from what the agent printed.
func (p *pump) handleChange(ctx context.Context, ch verify.Change) {
	var kind stream.Kind
	switch ch.Op {
	case verify.OpCreate:
		if p.seen[ch.Path] {
			return
		}
		p.seen[ch.Path] = true
		p.progress.FilesCreated++
		kind = stream.KindFileCreated
	case verify.OpWrite:
		if p.seen[ch.Path] {
			return
		}
		p.seen[ch.Path] = true
		p.progress.FilesModified++
		kind = stream.KindFileModified
	default:
		return
	}
	p.emit(ctx, stream.Event{
		Kind:      kind,
		Timestamp: ch.Time,
		RawText:   ch.Path,
		Metadata:  map[string]string{stream.MetaPath: ch.Path, stream.MetaSource: "fs"},
	})
}

func (p *pump) emit(ctx context.Context, ev stream.Event) {
	p.transcript.observe(ev)
	p.runner.publish(p.attempt, events.TypeStream, events.StreamData{Event: ev})
	p.dispatch(ctx, ev)
}

func (p *pump) dispatch(ctx context.Context, ev stream.Event) {
	hc := &hooks.Context{
		TaskID:   p.attempt.TaskID,
		Event:    ev,
		Elapsed:  p.runner.now().Sub(p.start),
		Progress: p.progress,
	}
	out := p.runner.orch.Dispatch(ctx, hc)
	cfg := p.runner.config

	switch d := out.Decision.(type) {
	case hooks.Modify:
		if len(d.Patch.Inject) == 0 || !p.allowIntervention() {
			return
		}
		hook := d.Patch.Annotations["intervention"]
		if hook == "" {
			hook = strings.Join(out.Invoked, ",")
		}
		p.write(d.Patch.Inject)
		p.record(Intervention{Hook: hook, Action: "modify", Reason: d.Patch.Annotations["signal"]},
			string(d.Patch.Inject), "")
	case hooks.Redirect:
		if !p.allowIntervention() {
			return
		}
		if d.Request.Interrupt {
			p.write([]byte(cfg.InterruptKeys))
		}
		p.write([]byte(d.Request.Prompt + cfg.Submit))
		p.record(Intervention{Hook: out.DecidedBy, Action: "redirect", Reason: d.Request.Reason},
			"", d.Request.Prompt)
	case hooks.Block:
		if p.blocked != "" {
			return
		}
		p.blocked = d.Reason
		if err := p.proc.Kill(syscall.SIGKILL); err != nil {
			p.logger.Warn("kill blocked attempt", slog.String("error", err.Error()))
		}
		p.record(Intervention{Hook: out.DecidedBy, Action: "block", Reason: d.Reason}, "", "")
	}
}

func (p *pump) allowIntervention() bool {
	limit := p.runner.config.MaxInterventions
	if limit > 0 && p.progress.Interventions >= limit {
		p.logger.Debug("intervention limit reached", slog.Int("limit", limit))
		return false
	}
	return true
}

func (p *pump) write(data []byte) {
	if err := p.proc.Write(data); err != nil && !errors.Is(err, executor.ErrNotRunning) {
		p.logger.Warn("write to agent failed", slog.String("error", err.Error()))
	}
}

func (p *pump) record(iv Intervention, inject, prompt string) {
	iv.At = p.runner.now().Sub(p.start)
	p.progress.Interventions++
	p.interventions = append(p.interventions, iv)
	interventionsTotal.WithLabelValues(iv.Hook, iv.Action).Inc()
	p.logger.Info("intervention applied",
		slog.String("hook", iv.Hook),
		slog.String("action", iv.Action),
		slog.String("reason", iv.Reason))
	p.runner.publish(p.attempt, events.TypeIntervention, events.InterventionData{
		Hook:   iv.Hook,
		Action: iv.Action,
		Inject: inject,
		Prompt: prompt,
		Reason: iv.Reason,
	})
}
