// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcts searches alternative framings of a coding task with Monte
// Carlo tree search, scoring each framing by a verified attempt.
//
// The engine performs the classic loop:
//  1. SELECT: descend from the root by UCB1 while nodes are fully expanded
//  2. EXPAND: pop one untried strategy and create a child framing
//  3. SIMULATE: run the child through a Simulator and score its Outcome
//  4. BACKPROPAGATE: add the reward to the child and every ancestor
//
// Simulations of one batch may run concurrently; selection, expansion,
// transposition updates and backpropagation all happen on the search
// goroutine.
package mcts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// TerminationReason says why a search stopped.
type TerminationReason string

const (
	ReasonMaxIterations TerminationReason = "max_iterations"
	ReasonTimeBudget    TerminationReason = "time_budget"
	ReasonCanceled      TerminationReason = "canceled"
	ReasonExhausted     TerminationReason = "exhausted"
)

// Progress is reported after every backpropagation.
type Progress struct {
	Iteration  int     `json:"iteration"`
	NodeID     string  `json:"node_id"`
	Strategy   string  `json:"strategy,omitempty"`
	Mode       Mode    `json:"mode"`
	Reward     float64 `json:"reward"`
	Reused     bool    `json:"reused,omitempty"`
	BestNodeID string  `json:"best_node_id"`
	BestReward float64 `json:"best_reward"`
	Nodes      int     `json:"nodes"`
}

// Result is the outcome of a search.
type Result struct {
	// Best is the root child with the highest average reward, or the root
	// when nothing was expanded.
	Best              Node              `json:"best"`
	Iterations        int               `json:"iterations"`
	Nodes             int               `json:"nodes"`
	Reason            TerminationReason `json:"reason"`
	Elapsed           time.Duration     `json:"elapsed"`
	TranspositionHits int               `json:"transposition_hits"`
	Tree              []Node            `json:"tree"`
}

// Succeeded reports whether the best node holds a verified, passing
// implementation.
func (r *Result) Succeeded() bool {
	return r != nil && r.Best.Implementation != nil && r.Best.Implementation.Proof.Success()
}

// Engine runs searches.
//
// Thread Safety: Safe for concurrent use. Each Search owns its own tree and
// transposition table.
type Engine struct {
	sim      Simulator
	config   Config
	reward   RewardPolicy
	modes    ModePolicy
	tracer   *Tracer
	logger   *slog.Logger
	now      func() time.Time
	progress func(Progress)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithModePolicy replaces the default fixed-probability mode policy.
func WithModePolicy(p ModePolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.modes = p
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t *Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithProgress registers a callback invoked on the search goroutine after
// every backpropagation.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithClock overrides time.Now for budget checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine.
//
// Inputs:
//   - sim: Runs one attempt per simulated node. Required.
//   - config: Search configuration; validated here.
//   - opts: Optional settings.
//
// Outputs:
//   - *Engine: Ready to search.
//   - error: ErrNoSimulator, or ErrInvalidConfig from validation.
func NewEngine(sim Simulator, config Config, opts ...Option) (*Engine, error) {
	if sim == nil {
		return nil, ErrNoSimulator
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		sim:    sim,
		config: config,
		reward: NewRewardPolicy(config.Reward),
		modes:  NewProbabilityPolicy(config.FullModeProbability, nil),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = NewTracer(e.logger, config.TracingEnabled)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// NewTree creates a tree for task seeded with the configured strategies.
func (e *Engine) NewTree(task string) *Tree {
	return NewTree(task, e.config.Strategies)
}

// Search explores framings of task and returns the best one found.
//
// Outputs:
//   - *Result: Always non-nil unless err is ErrEmptyTask.
//   - error: ErrEmptyTask for a blank task. Simulation failures are scored
//     0 and never returned.
func (e *Engine) Search(ctx context.Context, task string) (*Result, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}
	return e.Run(ctx, e.NewTree(task))
}

type leaf struct {
	node   Node
	mode   Mode
	done   bool
	result simResult
}

type simResult struct {
	outcome Outcome
	reward  RewardBreakdown
	mode    Mode
	reused  bool
	err     error
}

// Run searches an existing tree. Callers that want to observe the tree
// while the search runs create it with NewTree and read its snapshots.
func (e *Engine) Run(ctx context.Context, tree *Tree) (*Result, error) {
	root, _ := tree.Node(tree.RootID())
	if strings.TrimSpace(root.TaskText) == "" {
		return nil, ErrEmptyTask
	}

	start := e.now()
	ctx, span := e.tracer.StartRun(ctx, root.TaskText, e.config)
	logger := LoggerWithTrace(ctx, e.logger)
	logger.Info("search started",
		slog.Int("max_iterations", e.config.MaxIterations),
		slog.Duration("time_budget", e.config.TimeBudget),
		slog.Int("strategies", len(root.UntriedActions)),
		slog.Int("parallelism", e.config.Parallelism))

	runCtx := ctx
	if e.config.TimeBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.TimeBudget)
		defer cancel()
	}

	var table *TranspositionTable
	if e.config.UseTransposition {
		table = NewTranspositionTable()
	}

	iterations := 0
	var reason TerminationReason
	for {
		if reason = e.shouldTerminate(ctx, start, iterations); reason != "" {
			break
		}
		size := e.config.Parallelism
		if e.config.MaxIterations > 0 && e.config.MaxIterations-iterations < size {
			size = e.config.MaxIterations - iterations
		}

		leaves := e.prepareBatch(tree, table, size)
		if len(leaves) == 0 {
			reason = ReasonExhausted
			break
		}

		iterCtx, iterSpan := e.tracer.TraceIteration(runCtx, iterations, len(leaves))
		e.simulateBatch(iterCtx, leaves)
		for _, l := range leaves {
			iterations++
			e.apply(iterCtx, tree, table, l, iterations, logger)
		}
		iterSpan.End()
		recordIterations(ctx, len(leaves))
	}

	best := tree.BestChild()
	res := &Result{
		Best:       best,
		Iterations: iterations,
		Nodes:      tree.Len(),
		Reason:     reason,
		Elapsed:    e.now().Sub(start),
		Tree:       tree.Snapshot(),
	}
	if table != nil {
		res.TranspositionHits = table.Hits()
	}

	e.tracer.EndRun(span, res, nil)
	recordSearch(ctx, res.Elapsed, reason)
	logger.Info("search complete",
		slog.String("reason", string(reason)),
		slog.Int("iterations", iterations),
		slog.Int("nodes", res.Nodes),
		slog.String("best_node", best.ID),
		slog.Float64("best_reward", best.AverageReward),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (e *Engine) shouldTerminate(ctx context.Context, start time.Time, iterations int) TerminationReason {
	switch {
	case ctx.Err() != nil:
		return ReasonCanceled
	case e.config.MaxIterations > 0 && iterations >= e.config.MaxIterations:
		return ReasonMaxIterations
	case e.config.TimeBudget > 0 && e.now().Sub(start) >= e.config.TimeBudget:
		return ReasonTimeBudget
	}
	return ""
}

// prepareBatch selects and expands up to size distinct leaves. Leaves whose
// task text is already in the transposition table are resolved here.
func (e *Engine) prepareBatch(tree *Tree, table *TranspositionTable, size int) []*leaf {
	pending := make(map[string]bool)
	var leaves []*leaf
	for len(leaves) < size {
		id := tree.selectExcluding(e.config.ExplorationConstant, pending)
		if id == "" {
			break
		}

		var node Node
		if tree.expandable(id) {
			child, err := tree.Expand(id, e.config.MaxDepth)
			if err != nil {
				e.logger.Debug("expansion failed", slog.String("node", id), slog.String("error", err.Error()))
				break
			}
			node = child
		} else {
			if pending[id] {
				break
			}
			node, _ = tree.Node(id)
		}
		pending[node.ID] = true

		l := &leaf{node: node, mode: e.modes.Choose(node)}
		if table != nil {
			if outcome, reward, mode, ok := table.Lookup(node.TaskText); ok {
				l.done = true
				l.result = simResult{outcome: outcome, reward: reward, mode: mode, reused: true}
			}
		}
		leaves = append(leaves, l)
	}
	return leaves
}

func (e *Engine) simulateBatch(ctx context.Context, leaves []*leaf) {
	var g errgroup.Group
	g.SetLimit(e.config.Parallelism)
	for _, l := range leaves {
		if l.done {
			continue
		}
		g.Go(func() error {
			l.result = e.simulate(ctx, l.node, l.mode)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) simulate(ctx context.Context, node Node, mode Mode) simResult {
	req := Request{
		NodeID:   node.ID,
		ParentID: node.ParentID,
		Strategy: node.Strategy,
		TaskText: node.TaskText,
		Depth:    node.Depth,
		Mode:     mode,
	}
	ctx, span := e.tracer.TraceSimulate(ctx, req)

	outcome, err := e.sim.Simulate(ctx, req)
	var reward RewardBreakdown
	if err != nil {
		reward = RewardBreakdown{Reason: "simulation failed"}
		LoggerWithTrace(ctx, e.logger).Warn("simulation failed, scoring 0",
			slog.String("node", node.ID),
			slog.String("mode", mode.String()),
			slog.String("error", err.Error()))
	} else {
		reward = e.reward.Score(outcome)
	}
	e.tracer.EndSimulate(span, reward, false, err)
	return simResult{outcome: outcome, reward: reward, mode: mode, err: err}
}

// apply records one simulated leaf and backpropagates its reward.
func (e *Engine) apply(ctx context.Context, tree *Tree, table *TranspositionTable, l *leaf, iteration int, logger *slog.Logger) {
	r := l.result
	impl := Implementation{
		Mode:      r.mode,
		Reward:    r.reward.Reward,
		Breakdown: r.reward,
		Proof:     r.outcome.Proof,
		Dir:       r.outcome.Dir,
		Reused:    r.reused,
	}
	if r.err != nil {
		impl.Error = r.err.Error()
	}
	if err := tree.SetImplementation(l.node.ID, impl, e.config.QualityThreshold); err != nil {
		logger.Error("record implementation", slog.String("node", l.node.ID), slog.String("error", err.Error()))
		return
	}
	updated, err := tree.Backpropagate(l.node.ID, r.reward.Reward)
	if err != nil {
		logger.Error("backpropagate", slog.String("node", l.node.ID), slog.String("error", err.Error()))
		return
	}
	e.tracer.TraceBackpropagate(ctx, l.node.ID, r.reward.Reward, updated)
	recordSimulation(ctx, r.mode, r.reward.Reward, r.reused, r.err != nil)

	if table != nil && !r.reused && r.err == nil && !r.outcome.TimedOut && !r.outcome.Canceled {
		table.Store(l.node.TaskText, r.outcome, r.reward, r.mode)
	}

	best := tree.BestChild()
	logger.Debug("iteration complete",
		slog.Int("iteration", iteration),
		slog.String("node", l.node.ID),
		slog.String("mode", r.mode.String()),
		slog.Float64("reward", r.reward.Reward),
		slog.String("reason", r.reward.Reason),
		slog.Bool("reused", r.reused))

	if e.progress != nil {
		e.progress(Progress{
			Iteration:  iteration,
			NodeID:     l.node.ID,
			Strategy:   l.node.Strategy,
			Mode:       r.mode,
			Reward:     r.reward.Reward,
			Reused:     r.reused,
			BestNodeID: best.ID,
			BestReward: best.AverageReward,
			Nodes:      tree.Len(),
		})
	}
}

// String summarizes a result for logs and the CLI.
func (r *Result) String() string {
	return fmt.Sprintf("best=%s reward=%.3f iterations=%d nodes=%d reason=%s",
		r.Best.ID, r.Best.AverageReward, r.Iterations, r.Nodes, r.Reason)
}
