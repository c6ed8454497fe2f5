// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package axiom

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Axiom/services/axiom/attempt"
	"github.com/AleutianAI/Axiom/services/axiom/events"
	"github.com/AleutianAI/Axiom/services/axiom/mcts"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

// fakeRunner records attempts in the registry the way attempt.Runner does,
// without starting a process. Prompts containing "broken" produce an
// unverified proof, "claim" a transcript-only completion with no files, and
// "block" waits for cancellation.
type fakeRunner struct {
	reg registry.Registry

	mu       sync.Mutex
	attempts []attempt.Attempt
}

func (f *fakeRunner) Run(ctx context.Context, a attempt.Attempt) (*attempt.Result, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, a)
	f.mu.Unlock()

	err := f.reg.RecordTaskStart(ctx, registry.Task{
		ID:         a.TaskID,
		PromptText: a.Prompt,
		ParentID:   a.ParentID,
		Depth:      a.Depth,
		Strategy:   a.Strategy,
		Status:     registry.StatusRunning,
	})
	if errors.Is(err, registry.ErrTaskExists) {
		_, err = f.reg.RecordTaskUpdate(ctx, a.TaskID, registry.StatusUpdate(registry.StatusRunning))
	}
	if err != nil {
		return nil, err
	}

	res := &attempt.Result{TaskID: a.TaskID, Dir: "/work/" + a.TaskID, Mode: a.Mode}
	switch {
	case strings.Contains(a.Prompt, "block"):
		<-ctx.Done()
		res.Proof = verify.Unverified("canceled")
		res.Exit.Canceled = true
	case strings.Contains(a.Prompt, "broken"):
		res.Proof = verify.Unverified("directory vanished")
	case strings.Contains(a.Prompt, "claim"):
		res.Proof = &verify.Proof{Verified: true, Reason: "no files created; no tests"}
		res.Transcript.CompletionClaim = true
	default:
		res.Proof = &verify.Proof{Verified: true, HasImplementation: true, HasTests: true, TestsPass: true, TestsPassed: 3}
	}
	res.Reward = mcts.NewRewardPolicy(mcts.DefaultRewardConfig()).Score(res.Outcome())
	res.Status = registry.StatusCompleted
	if res.Exit.Canceled {
		res.Reason = "agent canceled"
	} else {
		res.Reason = res.Proof.Shortfall(a.Mode == mcts.ModeFull)
	}
	if res.Reason != "" {
		res.Status = registry.StatusFailed
	}

	update := registry.Update{Status: &res.Status, Reward: &res.Reward.Reward, Dir: &res.Dir}
	if res.Reason != "" {
		update.Error = &res.Reason
	}
	_, err = f.reg.RecordTaskUpdate(context.WithoutCancel(ctx), a.TaskID, update)
	return res, err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func newTestService(t *testing.T, search mcts.Config) (*Service, *fakeRunner, registry.Registry) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	runner := &fakeRunner{reg: reg}
	svc, err := New(runner, reg, search, WithModePolicy(mcts.FixedMode(mcts.ModeFull)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, runner, reg
}

func waitResult(t *testing.T, svc *Service, id string) *TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return res
}

func smallSearch() mcts.Config {
	cfg := mcts.DefaultConfig()
	cfg.MaxIterations = 3
	cfg.TimeBudget = time.Minute
	return cfg
}

func TestService_SingleAttempt(t *testing.T) {
	svc, runner, reg := newTestService(t, smallSearch())
	ctx := context.Background()

	id, err := svc.Spawn(ctx, SpawnRequest{Prompt: "write a fizzbuzz module"})
	require.NoError(t, err)

	res := waitResult(t, svc, id)
	assert.Equal(t, registry.StatusCompleted, res.Status)
	assert.Greater(t, res.Reward, 0.5)
	require.NotNil(t, res.Attempt)
	assert.Nil(t, res.Search)
	assert.Equal(t, 1, runner.count())
	assert.Equal(t, mcts.ModeFull, runner.attempts[0].Mode)
	assert.Equal(t, id, runner.attempts[0].RootID)

	task, err := reg.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, task.Status)
	assert.Equal(t, "/work/"+id, task.Dir)
}

func TestService_StructureMode(t *testing.T) {
	svc, runner, _ := newTestService(t, smallSearch())

	id, err := svc.Spawn(context.Background(), SpawnRequest{Prompt: "sketch a parser", SimulationMode: "structure"})
	require.NoError(t, err)
	waitResult(t, svc, id)
	assert.Equal(t, mcts.ModeStructure, runner.attempts[0].Mode)
}

func TestService_InvalidRequests(t *testing.T) {
	svc, _, _ := newTestService(t, smallSearch())
	ctx := context.Background()

	cases := map[string]SpawnRequest{
		"empty prompt":  {},
		"blank prompt":  {Prompt: "   "},
		"bad mode":      {Prompt: "x", SimulationMode: "quick"},
		"negative iter": {Prompt: "x", MaxIterations: -1},
		"empty strat":   {Prompt: "x", Strategies: []string{""}},
		"slash parent":  {Prompt: "x", ParentID: "a/b"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Spawn(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := svc.Spawn(ctx, SpawnRequest{Prompt: "x", ParentID: "ghost"})
	assert.ErrorIs(t, err, registry.ErrTaskNotFound)
}

func TestService_ParentLink(t *testing.T) {
	svc, _, reg := newTestService(t, smallSearch())
	ctx := context.Background()

	parent, err := svc.Spawn(ctx, SpawnRequest{Prompt: "outer task"})
	require.NoError(t, err)
	waitResult(t, svc, parent)

	child, err := svc.Spawn(ctx, SpawnRequest{Prompt: "inner task", ParentID: parent})
	require.NoError(t, err)
	waitResult(t, svc, child)

	kids, err := reg.GetChildren(ctx, parent)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, child, kids[0].ID)
	assert.Equal(t, 1, kids[0].Depth)
}

func TestService_Search(t *testing.T) {
	svc, runner, reg := newTestService(t, smallSearch())
	ctx := context.Background()

	id, err := svc.Spawn(ctx, SpawnRequest{Prompt: "implement an LRU cache", Search: true})
	require.NoError(t, err)

	res := waitResult(t, svc, id)
	require.NotNil(t, res.Search)
	assert.Equal(t, registry.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.Search.Iterations)
	assert.Equal(t, 3, runner.count())
	assert.NotEmpty(t, res.Search.BestTaskID)
	require.NotNil(t, res.Proof)
	assert.True(t, res.Proof.TestsPass)

	kids, err := reg.GetChildren(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, kids)
	for _, k := range kids {
		assert.Equal(t, id, k.ParentID)
		assert.True(t, strings.HasPrefix(k.ID, id+"-"))
		assert.NotEmpty(t, k.Strategy)
	}

	root, err := reg.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, root.Status)
	assert.InDelta(t, res.Reward, root.Reward, 1e-9)
}

func TestService_SearchOverrides(t *testing.T) {
	svc, runner, _ := newTestService(t, smallSearch())

	id, err := svc.Spawn(context.Background(), SpawnRequest{
		Prompt:        "implement a queue",
		Search:        true,
		MaxIterations: 2,
		Strategies:    []string{"tests first", "code first"},
	})
	require.NoError(t, err)
	res := waitResult(t, svc, id)

	assert.Equal(t, 2, res.Search.Iterations)
	for _, a := range runner.attempts {
		assert.Contains(t, []string{"tests first", "code first"}, a.Strategy)
	}
}

func TestService_SearchWithoutVerifiedResultFails(t *testing.T) {
	svc, _, reg := newTestService(t, smallSearch())

	id, err := svc.Spawn(context.Background(), SpawnRequest{Prompt: "broken environment", Search: true, MaxIterations: 2})
	require.NoError(t, err)
	res := waitResult(t, svc, id)

	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
	root, err := reg.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, root.Status)
	assert.Equal(t, res.Error, root.Error)
}

func TestService_EventsEndWithTaskDone(t *testing.T) {
	svc, _, _ := newTestService(t, smallSearch())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := svc.Spawn(ctx, SpawnRequest{Prompt: "implement a stack", Search: true, MaxIterations: 2})
	require.NoError(t, err)
	waitResult(t, svc, id)

	ch, err := svc.Subscribe(ctx, id)
	require.NoError(t, err)

	var types []events.Type
	for ev := range ch {
		types = append(types, ev.Type)
		if ev.Terminal() {
			break
		}
	}
	require.NotEmpty(t, types)
	assert.Contains(t, types, events.TypeSearchProgress)
	assert.Contains(t, types, events.TypeSearchDone)
	assert.Equal(t, events.TypeTaskDone, types[len(types)-1])

	_, err = svc.Subscribe(ctx, "ghost")
	assert.ErrorIs(t, err, registry.ErrTaskNotFound)
}

func TestService_ResultStates(t *testing.T) {
	svc, _, reg := newTestService(t, smallSearch())
	ctx := context.Background()

	_, err := svc.Result(ctx, "ghost")
	assert.ErrorIs(t, err, registry.ErrTaskNotFound)

	require.NoError(t, reg.RecordTaskStart(ctx, registry.Task{ID: "old", PromptText: "p", Status: registry.StatusRunning}))
	_, err = svc.Result(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFinished)

	failed := registry.StatusFailed
	msg := "crashed before restart"
	_, err = reg.RecordTaskUpdate(ctx, "old", registry.Update{Status: &failed, Error: &msg})
	require.NoError(t, err)

	res, err := svc.Result(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.Equal(t, msg, res.Error)
}

func TestService_ShutdownCancelsTasks(t *testing.T) {
	svc, _, reg := newTestService(t, smallSearch())
	ctx := context.Background()

	id, err := svc.Spawn(ctx, SpawnRequest{Prompt: "block forever"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := reg.GetTask(ctx, id)
		return err == nil && task.Status == registry.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(stopCtx))

	res, err := svc.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, res.Status)

	_, err = svc.Spawn(ctx, SpawnRequest{Prompt: "late"})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestNew_RejectsBadSearchConfig(t *testing.T) {
	cfg := mcts.DefaultConfig()
	cfg.Parallelism = 0
	_, err := New(&fakeRunner{}, registry.NewMemoryRegistry(), cfg)
	assert.ErrorIs(t, err, mcts.ErrInvalidConfig)
}

func TestService_CompletionClaimWithoutFilesFails(t *testing.T) {
	svc, _, reg := newTestService(t, smallSearch())

	id, err := svc.Spawn(context.Background(), SpawnRequest{Prompt: "claim it is done", SimulationMode: "structure"})
	require.NoError(t, err)

	res := waitResult(t, svc, id)
	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no implementation")
	assert.Zero(t, res.Reward)

	task, err := reg.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "no implementation")
}

func TestService_SubscribeAfterTaskDoneLeftBacklog(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	bus := events.NewBus(events.WithBufferSize(2))
	svc, err := New(&fakeRunner{reg: reg}, reg, smallSearch(),
		WithBus(bus), WithModePolicy(mcts.FixedMode(mcts.ModeFull)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := svc.Spawn(ctx, SpawnRequest{Prompt: "write a fizzbuzz module"})
	require.NoError(t, err)
	waitResult(t, svc, id)

	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{Type: events.TypeStream, TaskID: "other", RootID: "other"})
	}
	require.Empty(t, bus.Replay(0, events.ForTask(id)))

	ch, err := svc.Subscribe(ctx, id)
	require.NoError(t, err)
	select {
	case ev := <-ch:
		require.True(t, ev.Terminal())
		assert.Equal(t, id, ev.TaskID)
		data, ok := ev.Data.(events.TaskDoneData)
		require.True(t, ok)
		assert.Equal(t, string(registry.StatusCompleted), data.Status)
		assert.Greater(t, data.Reward, 0.5)
	case <-ctx.Done():
		t.Fatal("no task_done for a finished task")
	}
}
