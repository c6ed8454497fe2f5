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
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/Axiom/services/axiom/mcts"
)

// AttemptRunner runs one attempt. Runner and Pool implement it.
type AttemptRunner interface {
	Run(ctx context.Context, a Attempt) (*Result, error)
}

// Pool bounds concurrent attempts. Excess attempts wait for a slot in
// arrival order.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	runner AttemptRunner
	sem    *semaphore.Weighted
	size   int64
}

// NewPool wraps runner with a limit of size concurrent attempts.
func NewPool(runner AttemptRunner, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{runner: runner, sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return int(p.size)
}

// Run waits for a slot and runs the attempt.
//
// Outputs:
//   - error: ctx's error if it ends while waiting, otherwise the runner's.
func (p *Pool) Run(ctx context.Context, a Attempt) (*Result, error) {
	poolWaiting.Inc()
	err := p.sem.Acquire(ctx, 1)
	poolWaiting.Dec()
	if err != nil {
		return nil, fmt.Errorf("wait for attempt slot: %w", err)
	}
	defer p.sem.Release(1)

	poolInFlight.Inc()
	defer poolInFlight.Dec()
	return p.runner.Run(ctx, a)
}

// SearchSimulator adapts an AttemptRunner to mcts.Simulator for one search,
// recording each simulation as a child task so the registry mirrors the
// search tree.
//
// Task ids are <root>-<node>; a node simulated again gets a -<n> suffix.
// A simulation's parent task is the first task of its parent node, or the
// root task.
//
// Thread Safety: Safe for concurrent use.
type SearchSimulator struct {
	runner AttemptRunner
	rootID string

	mu    sync.Mutex
	tasks map[string]string
	runs  map[string]int
}

// NewSearchSimulator creates a simulator for the search rooted at rootID.
// The root task must already be recorded.
func NewSearchSimulator(runner AttemptRunner, rootID string) *SearchSimulator {
	return &SearchSimulator{
		runner: runner,
		rootID: rootID,
		tasks:  make(map[string]string),
		runs:   make(map[string]int),
	}
}

// Simulate implements mcts.Simulator.
func (s *SearchSimulator) Simulate(ctx context.Context, req mcts.Request) (mcts.Outcome, error) {
	taskID, parentID := s.assign(req)
	res, err := s.runner.Run(ctx, Attempt{
		TaskID:   taskID,
		ParentID: parentID,
		RootID:   s.rootID,
		Depth:    max(req.Depth, 1),
		Strategy: req.Strategy,
		Prompt:   req.TaskText,
		Mode:     req.Mode,
	})
	if res == nil {
		return mcts.Outcome{}, err
	}
	return res.Outcome(), err
}

// TaskFor returns the first task recorded for a search node.
func (s *SearchSimulator) TaskFor(nodeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tasks[nodeID]
	return id, ok
}

func (s *SearchSimulator) assign(req mcts.Request) (taskID, parentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentID = s.rootID
	if t, ok := s.tasks[req.ParentID]; ok && req.ParentID != "" {
		parentID = t
	}
	s.runs[req.NodeID]++
	taskID = s.rootID + "-" + req.NodeID
	if n := s.runs[req.NodeID]; n > 1 {
		taskID = fmt.Sprintf("%s-%d", taskID, n)
	}
	if _, ok := s.tasks[req.NodeID]; !ok {
		s.tasks[req.NodeID] = taskID
	}
	return taskID, parentID
}
