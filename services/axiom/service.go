// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package axiom is the service facade over the attempt pipeline and the
// search engine.
//
// A spawned task runs in the background either as a single attempt or as a
// search over task framings. Callers follow it through the registry, the
// event bus and Result.
package axiom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/Axiom/services/axiom/attempt"
	"github.com/AleutianAI/Axiom/services/axiom/events"
	"github.com/AleutianAI/Axiom/services/axiom/mcts"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
)

var (
	// ErrInvalidRequest wraps validation failures of a SpawnRequest.
	ErrInvalidRequest = errors.New("invalid spawn request")

	// ErrNotFinished is returned by Result while a task is still running.
	ErrNotFinished = errors.New("task not finished")

	// ErrShutdown is returned by Spawn after Shutdown.
	ErrShutdown = errors.New("service is shut down")
)

// Service spawns and tracks tasks.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	runner   attempt.AttemptRunner
	registry registry.Registry
	bus      *events.Bus
	search   mcts.Config
	modes    mcts.ModePolicy
	tracer   *mcts.Tracer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	results map[string]*TaskResult
	done    map[string]chan struct{}
	closed  bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBus sets the event bus. Default: a new bus owned by the service.
func WithBus(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithModePolicy overrides how searches pick simulation modes.
func WithModePolicy(p mcts.ModePolicy) Option {
	return func(s *Service) { s.modes = p }
}

// WithTracer sets the search tracer.
func WithTracer(t *mcts.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// New creates a Service.
//
// Inputs:
//   - runner: Runs attempts, typically an attempt.Pool.
//   - reg: Task registry shared with runner.
//   - search: Default search configuration; validated here.
//
// Outputs:
//   - *Service: Call Shutdown to stop background work.
//   - error: mcts.ErrInvalidConfig.
func New(runner attempt.AttemptRunner, reg registry.Registry, search mcts.Config, opts ...Option) (*Service, error) {
	if err := search.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		runner:   runner,
		registry: reg,
		search:   search,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		results:  make(map[string]*TaskResult),
		done:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = events.NewBus(events.WithLogger(s.logger))
	}
	return s, nil
}

// Bus returns the service's event bus.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Spawn records a new root task and starts it in the background.
//
// Description:
//
//	Validates the request, records the task as pending and runs it on the
//	service's own context, so it outlives the caller's ctx. A single
//	attempt reuses the task id; a search records one child task per
//	simulation.
//
// Outputs:
//   - string: The task id.
//   - error: ErrInvalidRequest, ErrShutdown, registry.ErrTaskNotFound for
//     an unknown parent, or a registry failure.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	req.applyDefaults()
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrShutdown
	}

	depth := 0
	if req.ParentID != "" {
		parent, err := s.registry.GetTask(ctx, req.ParentID)
		if err != nil {
			return "", err
		}
		depth = parent.Depth + 1
	}

	id := uuid.NewString()
	if err := s.registry.RecordTaskStart(ctx, registry.Task{
		ID:         id,
		PromptText: req.Prompt,
		ParentID:   req.ParentID,
		Depth:      depth,
		Status:     registry.StatusPending,
	}); err != nil {
		return "", fmt.Errorf("record task: %w", err)
	}

	done := make(chan struct{})
	s.done[id] = done
	s.wg.Add(1)
	go s.execute(id, req, done)

	s.logger.Info("task spawned",
		slog.String("task_id", id),
		slog.Bool("search", req.Search),
		slog.String("parent_id", req.ParentID))
	return id, nil
}

func (s *Service) execute(id string, req SpawnRequest, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	var result *TaskResult
	if req.Search {
		result = s.runSearch(s.ctx, id, req)
	} else {
		result = s.runSingle(s.ctx, id, req)
	}

	s.mu.Lock()
	s.results[id] = result
	s.mu.Unlock()

	s.bus.Publish(events.Event{
		Type:   events.TypeTaskDone,
		TaskID: id,
		RootID: id,
		Data: events.TaskDoneData{
			Status: string(result.Status),
			Reward: result.Reward,
			Error:  result.Error,
		},
	})
	s.logger.Info("task finished",
		slog.String("task_id", id),
		slog.String("status", string(result.Status)),
		slog.Float64("reward", result.Reward))
}

func (s *Service) runSingle(ctx context.Context, id string, req SpawnRequest) *TaskResult {
	res, err := s.runner.Run(ctx, attempt.Attempt{
		TaskID:   id,
		ParentID: req.ParentID,
		RootID:   id,
		Prompt:   req.Prompt,
		Mode:     req.mode(),
	})
	if res == nil {
		return s.failTask(id, err)
	}
	out := &TaskResult{
		TaskID:  id,
		Status:  res.Status,
		Reward:  res.Reward.Reward,
		Proof:   res.Proof,
		Dir:     res.Dir,
		Attempt: res,
	}
	switch {
	case err != nil:
		out.Error = err.Error()
	case res.Status != registry.StatusCompleted:
		out.Error = res.Reason
	}
	return out
}

func (s *Service) runSearch(ctx context.Context, id string, req SpawnRequest) *TaskResult {
	running := registry.StatusRunning
	if _, err := s.registry.RecordTaskUpdate(ctx, id, registry.Update{Status: &running}); err != nil {
		return s.failTask(id, err)
	}

	cfg := req.searchConfig(s.search)
	sim := attempt.NewSearchSimulator(s.runner, id)
	opts := []mcts.Option{
		mcts.WithLogger(s.logger.With(slog.String("task_id", id))),
		mcts.WithProgress(func(p mcts.Progress) {
			s.bus.Publish(events.Event{
				Type:   events.TypeSearchProgress,
				TaskID: id,
				RootID: id,
				Data: events.SearchProgressData{
					Iteration:  p.Iteration,
					NodeID:     p.NodeID,
					Strategy:   p.Strategy,
					Mode:       p.Mode.String(),
					Reward:     p.Reward,
					Reused:     p.Reused,
					BestNodeID: p.BestNodeID,
					BestReward: p.BestReward,
				},
			})
		}),
	}
	if s.modes != nil {
		opts = append(opts, mcts.WithModePolicy(s.modes))
	}
	if s.tracer != nil {
		opts = append(opts, mcts.WithTracer(s.tracer))
	}
	engine, err := mcts.NewEngine(sim, cfg, opts...)
	if err != nil {
		return s.failTask(id, err)
	}
	res, err := engine.Search(ctx, req.Prompt)
	if err != nil {
		return s.failTask(id, err)
	}

	best := res.Best
	summary := &SearchSummary{
		BestNodeID:        best.ID,
		Strategy:          best.Strategy,
		Reward:            best.AverageReward,
		Iterations:        res.Iterations,
		Nodes:             res.Nodes,
		Reason:            string(res.Reason),
		Elapsed:           res.Elapsed,
		TranspositionHits: res.TranspositionHits,
		Tree:              res.Tree,
	}
	summary.BestTaskID, _ = sim.TaskFor(best.ID)

	s.bus.Publish(events.Event{
		Type:   events.TypeSearchDone,
		TaskID: id,
		RootID: id,
		Data: events.SearchDoneData{
			BestNodeID: best.ID,
			Strategy:   best.Strategy,
			Reward:     best.AverageReward,
			Iterations: res.Iterations,
			Nodes:      res.Nodes,
			Reason:     string(res.Reason),
			Elapsed:    res.Elapsed,
		},
	})

	out := &TaskResult{
		TaskID: id,
		Status: registry.StatusCompleted,
		Reward: best.AverageReward,
		Search: summary,
	}
	if impl := best.Implementation; impl != nil {
		out.Proof = impl.Proof
		out.Dir = impl.Dir
	}
	requireTests := best.Implementation != nil && best.Implementation.Mode == mcts.ModeFull
	if out.Proof.Shortfall(requireTests) != "" {
		out.Status = registry.StatusFailed
		out.Error = "no verified implementation found"
		if res.Reason == mcts.ReasonCanceled {
			out.Error = "search canceled"
		}
	}

	update := registry.Update{Status: &out.Status, Reward: &out.Reward}
	if out.Dir != "" {
		update.Dir = &out.Dir
	}
	if out.Error != "" {
		update.Error = &out.Error
	}
	if _, err := s.registry.RecordTaskUpdate(context.WithoutCancel(ctx), id, update); err != nil {
		s.logger.Error("record search outcome", slog.String("task_id", id), slog.String("error", err.Error()))
	}
	return out
}

// failTask records a task that could not run.
func (s *Service) failTask(id string, cause error) *TaskResult {
	if cause == nil {
		cause = errors.New("task produced no result")
	}
	msg := cause.Error()
	failed := registry.StatusFailed
	_, err := s.registry.RecordTaskUpdate(context.Background(), id, registry.Update{Status: &failed, Error: &msg})
	if err != nil && !errors.Is(err, registry.ErrTaskTerminal) {
		s.logger.Error("record task failure", slog.String("task_id", id), slog.String("error", err.Error()))
	}
	s.logger.Warn("task failed", slog.String("task_id", id), slog.String("error", msg))
	return &TaskResult{TaskID: id, Status: registry.StatusFailed, Error: msg}
}

// Task returns the registry record of id.
func (s *Service) Task(ctx context.Context, id string) (registry.Task, error) {
	return s.registry.GetTask(ctx, id)
}

// Children returns the direct children of id.
func (s *Service) Children(ctx context.Context, id string) ([]registry.Task, error) {
	return s.registry.GetChildren(ctx, id)
}

// Result returns the final result of a task.
//
// Outputs:
//   - *TaskResult: For tasks finished by this process, the full result.
//     For terminal tasks recorded by an earlier process, a summary built
//     from the registry.
//   - error: ErrNotFinished while running, registry.ErrTaskNotFound for an
//     unknown id.
func (s *Service) Result(ctx context.Context, id string) (*TaskResult, error) {
	s.mu.RLock()
	res, ok := s.results[id]
	s.mu.RUnlock()
	if ok {
		return res, nil
	}
	task, err := s.registry.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, id, task.Status)
	}
	return &TaskResult{
		TaskID: id,
		Status: task.Status,
		Reward: task.Reward,
		Dir:    task.Dir,
		Error:  task.Error,
	}, nil
}

// Wait blocks until a task spawned by this service finishes and returns
// its result.
func (s *Service) Wait(ctx context.Context, id string) (*TaskResult, error) {
	s.mu.RLock()
	done, ok := s.done[id]
	s.mu.RUnlock()
	if !ok {
		return s.Result(ctx, id)
	}
	select {
	case <-done:
		return s.Result(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe streams the events of a task and its descendants, starting
// with the buffered backlog. The channel closes when ctx ends.
//
// A finished task always yields its task_done event. When that event is no
// longer in the bus backlog, one is rebuilt from the task's result.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan events.Event, error) {
	task, err := s.registry.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	in, _ := s.bus.Stream(ctx, events.ForTask(id), 256)

	s.mu.RLock()
	done, tracked := s.done[id]
	s.mu.RUnlock()
	if !tracked {
		if !task.Status.Terminal() {
			return in, nil
		}
		closed := make(chan struct{})
		close(closed)
		done = closed
	}

	out := make(chan events.Event, 16)
	go s.forward(ctx, id, in, done, out)
	return out, nil
}

// forward copies in to out. Once done is closed every task_done published
// for id is already queued on in, so if none was seen one is synthesized.
func (s *Service) forward(ctx context.Context, id string, in <-chan events.Event, done <-chan struct{}, out chan<- events.Event) {
	defer close(out)
	sawTerminal := false
	send := func(ev events.Event) bool {
		if ev.Terminal() && ev.TaskID == id {
			sawTerminal = true
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case ev, ok := <-in:
			if !ok || !send(ev) {
				return
			}
		case <-done:
			done = nil
			for drained := false; !drained; {
				select {
				case ev, ok := <-in:
					if !ok || !send(ev) {
						return
					}
				default:
					drained = true
				}
			}
			if !sawTerminal && !send(s.taskDoneEvent(ctx, id)) {
				return
			}
		}
	}
}

// taskDoneEvent rebuilds the task_done event of a finished task.
func (s *Service) taskDoneEvent(ctx context.Context, id string) events.Event {
	data := events.TaskDoneData{Status: string(registry.StatusFailed)}
	if res, err := s.Result(context.WithoutCancel(ctx), id); err == nil {
		data = events.TaskDoneData{Status: string(res.Status), Reward: res.Reward, Error: res.Error}
	} else {
		data.Error = err.Error()
	}
	return events.Event{
		Type:      events.TypeTaskDone,
		TaskID:    id,
		RootID:    id,
		SessionID: s.bus.SessionID(),
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Shutdown cancels in-flight tasks and waits for them to record their
// outcome.
//
// Outputs:
//   - error: ctx's error if tasks did not finish in time.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info("service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

var startedAt = time.Now()

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startedAt)
}
