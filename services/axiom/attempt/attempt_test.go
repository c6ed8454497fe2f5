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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Axiom/services/axiom/events"
	"github.com/AleutianAI/Axiom/services/axiom/executor"
	"github.com/AleutianAI/Axiom/services/axiom/mcts"
	"github.com/AleutianAI/Axiom/services/axiom/registry"
	"github.com/AleutianAI/Axiom/services/axiom/stream"
	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

// shConfig runs the prompt itself as a shell script, standing in for an
// agent.
func shConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Command = "/bin/sh"
	cfg.Args = []string{"-c", PlaceholderPrompt}
	cfg.WorkRoot = t.TempDir()
	cfg.Timeout = 10 * time.Second
	cfg.HeartbeatInterval = -1
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		if e.Type != events.TypeStream {
			out = append(out, e.Type)
		}
	}
	return out
}

func passingPytest(ctx context.Context, dir string, r verify.Runner, timeout time.Duration) verify.ProcessRecord {
	return verify.NewProcessRecord(r.Command, r.Args, 0, "collected 1 item\n\n1 passed in 0.01s\n", "", time.Millisecond)
}

func newTestRunner(t *testing.T, cfg Config, opts ...Option) (*Runner, *registry.MemoryRegistry, *recorder) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	bus := events.NewBus()
	rec := &recorder{}
	bus.Subscribe(rec.handle, nil)
	opts = append([]Option{
		WithRegistry(reg),
		WithBus(bus),
		WithOracle(verify.NewOracle(verify.DefaultConfig(), verify.WithCommandFunc(passingPytest))),
		WithExecutor(executor.NewExecutor(executor.WithDrainGrace(200 * time.Millisecond))),
	}, opts...)
	r, err := NewRunner(cfg, opts...)
	require.NoError(t, err)
	return r, reg, rec
}

func TestRunner_VerifiedImplementation(t *testing.T) {
	runner, reg, rec := newTestRunner(t, shConfig(t))
	script := `printf 'def add(a, b):\n    return a + b\n' > calc.py
printf 'from calc import add\n\ndef test_add():\n    assert add(1, 2) == 3\n' > test_calc.py
echo "I have created calc.py"`

	res, err := runner.Run(context.Background(), Attempt{TaskID: "t1", Prompt: script, Mode: mcts.ModeFull})
	require.NoError(t, err)

	assert.Equal(t, registry.StatusCompleted, res.Status)
	assert.Equal(t, 0, res.Exit.ExitCode)
	require.NotNil(t, res.Proof)
	assert.True(t, res.Proof.Verified)
	assert.True(t, res.Proof.HasImplementation)
	assert.True(t, res.Proof.HasTests)
	assert.True(t, res.Proof.TestsPass)
	require.NotNil(t, res.Scan, "full mode scans created code")
	assert.True(t, res.Transcript.CompletionClaim)
	assert.Greater(t, res.Reward.Reward, 0.7)
	assert.Equal(t, filepath.Join(runner.Config().WorkRoot, "t1"), res.Dir)

	task, err := reg.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, task.Status)
	assert.Equal(t, res.Reward.Reward, task.Reward)
	assert.Equal(t, res.Dir, task.Dir)

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeAttemptStarted, types[0])
	assert.Equal(t, events.TypeAttemptFinished, types[len(types)-1])
}

func TestRunner_StructureModeSkipsTestsAndScan(t *testing.T) {
	runner, _, _ := newTestRunner(t, shConfig(t))
	res, err := runner.Run(context.Background(), Attempt{
		TaskID: "t1",
		Prompt: `printf 'x = 1\n' > main.py`,
		Mode:   mcts.ModeStructure,
	})
	require.NoError(t, err)
	assert.True(t, res.Proof.HasImplementation)
	assert.False(t, res.Proof.TestsPass)
	assert.Nil(t, res.Scan)
	assert.Len(t, res.Proof.ProcessesRun, 1, "only the agent itself")
	assert.Equal(t, registry.StatusCompleted, res.Status, "structure mode needs no passing tests")
}

func TestRunner_CompletionClaimWithoutFilesFails(t *testing.T) {
	runner, reg, _ := newTestRunner(t, shConfig(t))
	res, err := runner.Run(context.Background(), Attempt{
		TaskID: "t1",
		Prompt: `echo "I have implemented the task. Implementation is complete."`,
		Mode:   mcts.ModeStructure,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Exit.ExitCode)
	assert.True(t, res.Proof.Verified)
	assert.False(t, res.Proof.HasImplementation)
	assert.Empty(t, res.Proof.FilesCreated)
	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "no implementation")
	assert.Zero(t, res.Reward.Reward)

	task, err := reg.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, task.Status)
	assert.Equal(t, res.Reason, task.Error)
}

func TestRunner_FullModeRequiresPassingTests(t *testing.T) {
	failing := func(ctx context.Context, dir string, r verify.Runner, timeout time.Duration) verify.ProcessRecord {
		return verify.NewProcessRecord(r.Command, r.Args, 1, "collected 1 item\n\n1 failed in 0.01s\n", "", time.Millisecond)
	}
	runner, _, _ := newTestRunner(t, shConfig(t),
		WithOracle(verify.NewOracle(verify.DefaultConfig(), verify.WithCommandFunc(failing))))
	script := `printf 'def add(a, b):\n    return a - b\n' > calc.py
printf 'from calc import add\n\ndef test_add():\n    assert add(1, 2) == 3\n' > test_calc.py`

	res, err := runner.Run(context.Background(), Attempt{TaskID: "t1", Prompt: script, Mode: mcts.ModeFull})
	require.NoError(t, err)
	assert.True(t, res.Proof.HasImplementation)
	assert.False(t, res.Proof.TestsPass)
	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "tests not passing")
}

func TestRunner_PermissionPromptAnswered(t *testing.T) {
	runner, _, rec := newTestRunner(t, shConfig(t))
	script := `printf 'Do you want to proceed? [y/n]\n'; read ans; echo "answer=$ans" > answer.txt`

	res, err := runner.Run(context.Background(), Attempt{TaskID: "perm", Prompt: script})
	require.NoError(t, err)
	require.False(t, res.Exit.TimedOut)

	data, err := os.ReadFile(filepath.Join(res.Dir, "answer.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "answer=1")

	require.NotEmpty(t, res.Interventions)
	assert.Equal(t, "modify", res.Interventions[0].Action)
	assert.Equal(t, "permission_approved", res.Interventions[0].Hook)
	assert.Contains(t, rec.types(), events.TypeIntervention)
}

func TestRunner_BlockKillsAgent(t *testing.T) {
	runner, reg, _ := newTestRunner(t, shConfig(t))
	start := time.Now()
	res, err := runner.Run(context.Background(), Attempt{
		TaskID: "blocked",
		Prompt: `echo '$ git push origin main'; sleep 30`,
	})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 8*time.Second)
	assert.Contains(t, res.Blocked, "git push")
	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.True(t, res.Outcome().Canceled)
	assert.Zero(t, res.Reward.Reward)

	task, err := reg.GetTask(context.Background(), "blocked")
	require.NoError(t, err)
	assert.Contains(t, task.Error, "git push")
}

func TestRunner_TimeoutScoresZero(t *testing.T) {
	cfg := shConfig(t)
	cfg.Timeout = 200 * time.Millisecond
	runner, _, _ := newTestRunner(t, cfg)

	res, err := runner.Run(context.Background(), Attempt{TaskID: "slow", Prompt: "sleep 30"})
	require.NoError(t, err)
	assert.True(t, res.Exit.TimedOut)
	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.Zero(t, res.Reward.Reward)
	assert.Equal(t, "timed out", res.Reward.Reason)
}

func TestRunner_LaunchErrorRecorded(t *testing.T) {
	cfg := shConfig(t)
	cfg.Command = "/nonexistent/agent"
	runner, reg, rec := newTestRunner(t, cfg)

	res, err := runner.Run(context.Background(), Attempt{TaskID: "nolaunch", Prompt: "hi"})
	var launchErr *executor.LaunchError
	require.True(t, errors.As(err, &launchErr))
	require.NotNil(t, res)
	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.False(t, res.Proof.Verified)

	task, err := reg.GetTask(context.Background(), "nolaunch")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, task.Status)
	assert.NotEmpty(t, task.Error)
	assert.Equal(t, []events.Type{events.TypeAttemptFinished}, rec.types())
}

func TestRunner_InvalidAttempt(t *testing.T) {
	runner, _, _ := newTestRunner(t, shConfig(t))
	_, err := runner.Run(context.Background(), Attempt{Prompt: "x"})
	assert.ErrorIs(t, err, ErrInvalidAttempt)
	_, err = runner.Run(context.Background(), Attempt{TaskID: "t", Prompt: "  "})
	assert.ErrorIs(t, err, ErrInvalidAttempt)
}

func TestRunner_SimulateUnlinked(t *testing.T) {
	runner, _, _ := newTestRunner(t, shConfig(t))
	out, err := runner.Simulate(context.Background(), mcts.Request{
		NodeID:   "n1",
		TaskText: `printf 'print(1)\n' > app.py`,
		Mode:     mcts.ModeStructure,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Proof)
	assert.True(t, out.Proof.HasImplementation)
	assert.NotEmpty(t, out.Dir)
}

func TestConfig(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := Config{Command: "agent", Args: []string{"--cwd", "{dir}", "--id={task_id}"}}
	assert.Equal(t, []string{"--cwd", "/w", "--id=t9", "do it"}, cfg.expandArgs("do it", "/w", "t9"),
		"prompt appended when not templated")

	cfg.Args = []string{"-p", "{prompt}", "--yes"}
	assert.Equal(t, []string{"-p", "do it", "--yes"}, cfg.expandArgs("do it", "/w", "t9"))

	bad := DefaultConfig()
	bad.Command = " "
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	bad = DefaultConfig()
	bad.Parallelism = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
	bad = DefaultConfig()
	bad.WorkRoot = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestTranscript(t *testing.T) {
	var tr Transcript
	chunk := func(signals ...string) stream.Event {
		return stream.Event{Kind: stream.KindOutputChunk, Signals: signals}
	}
	tr.observe(chunk("meta_before"))
	tr.observe(chunk("hedging"))
	tr.observe(chunk("meta_after", "completion_claim"))
	tr.observe(stream.Event{Kind: stream.KindCodeBlock})
	tr.observe(stream.Event{Kind: stream.KindFileCreated, Signals: []string{"meta_how"}})

	assert.True(t, tr.Hedging)
	assert.True(t, tr.CompletionClaim)
	assert.Equal(t, 3, tr.Lines)
	assert.Equal(t, 1, tr.CodeBlocks)
	assert.InDelta(t, 2.0/3.0, tr.Meta(), 1e-12, "only output lines count")
}

type fakeRunner struct {
	mu       sync.Mutex
	attempts []Attempt
	inFlight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, a Attempt) (*Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.attempts = append(f.attempts, a)
	f.mu.Unlock()
	time.Sleep(f.hold)
	return &Result{TaskID: a.TaskID, Dir: "/w/" + a.TaskID, Proof: verify.Unverified("fake")}, nil
}

func TestPool_BoundsConcurrency(t *testing.T) {
	fr := &fakeRunner{hold: 50 * time.Millisecond}
	pool := NewPool(fr, 2)
	assert.Equal(t, 2, pool.Size())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Run(context.Background(), Attempt{TaskID: "t", Prompt: "p"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), fr.peak.Load())
	assert.Len(t, fr.attempts, 6)
}

func TestPool_CanceledWhileWaiting(t *testing.T) {
	fr := &fakeRunner{hold: 300 * time.Millisecond}
	pool := NewPool(fr, 1)
	go func() { _, _ = pool.Run(context.Background(), Attempt{TaskID: "a", Prompt: "p"}) }()
	require.Eventually(t, func() bool { return fr.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Run(ctx, Attempt{TaskID: "b", Prompt: "p"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSearchSimulator_MirrorsTree(t *testing.T) {
	fr := &fakeRunner{}
	sim := NewSearchSimulator(fr, "root")
	ctx := context.Background()

	_, err := sim.Simulate(ctx, mcts.Request{NodeID: "n1", ParentID: "n0", Depth: 1, Strategy: "a", TaskText: "x"})
	require.NoError(t, err)
	_, err = sim.Simulate(ctx, mcts.Request{NodeID: "n2", ParentID: "n1", Depth: 2, Strategy: "b", TaskText: "y"})
	require.NoError(t, err)
	out, err := sim.Simulate(ctx, mcts.Request{NodeID: "n1", ParentID: "n0", Depth: 1, TaskText: "x"})
	require.NoError(t, err)
	assert.Equal(t, "/w/root-n1-2", out.Dir)

	require.Len(t, fr.attempts, 3)
	assert.Equal(t, "root-n1", fr.attempts[0].TaskID)
	assert.Equal(t, "root", fr.attempts[0].ParentID)
	assert.Equal(t, "root", fr.attempts[0].RootID)
	assert.Equal(t, "root-n2", fr.attempts[1].TaskID)
	assert.Equal(t, "root-n1", fr.attempts[1].ParentID)
	assert.Equal(t, 2, fr.attempts[1].Depth)
	assert.Equal(t, "root-n1-2", fr.attempts[2].TaskID)

	id, ok := sim.TaskFor("n1")
	assert.True(t, ok)
	assert.Equal(t, "root-n1", id)
}
