// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains all events until the channel closes.
func collect(t *testing.T, p *Process, within time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("events not closed within %v", within)
			return events
		}
	}
}

func exits(events []Event) []*ExitStatus {
	var out []*ExitStatus
	for _, ev := range events {
		if ev.Type == EventExit {
			out = append(out, ev.Exit)
		}
	}
	return out
}

func dataOf(events []Event) string {
	var buf bytes.Buffer
	for _, ev := range events {
		if ev.Type == EventData {
			buf.Write(ev.Data)
		}
	}
	return buf.String()
}

func TestStart_EchoesOutput(t *testing.T) {
	exec := NewExecutor()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hello-pty; exit 3"},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	events := collect(t, p, 10*time.Second)
	assert.Contains(t, dataOf(events), "hello-pty")

	ex := exits(events)
	require.Len(t, ex, 1)
	assert.Equal(t, 3, ex[0].ExitCode)
	assert.False(t, ex[0].TimedOut)
	assert.Equal(t, "error", ex[0].Reason())
	assert.Equal(t, EventExit, events[len(events)-1].Type, "exit must be the last event")

	status := p.Wait(context.Background())
	assert.Equal(t, 3, status.ExitCode)
	assert.Contains(t, string(p.Output()), "hello-pty")
}

func TestWrite_ReachesProcess(t *testing.T) {
	var mu sync.Mutex
	var seen bytes.Buffer
	exec := NewExecutor()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "read line; echo got:$line"},
		Timeout: 10 * time.Second,
		OnData: func(b []byte) {
			mu.Lock()
			seen.Write(b)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.Write([]byte("ping\n")))

	events := collect(t, p, 10*time.Second)
	assert.Contains(t, dataOf(events), "got:ping")

	mu.Lock()
	assert.Contains(t, seen.String(), "got:ping")
	mu.Unlock()
}

func TestTimeout_SingleTimedOutExitAndWriteFails(t *testing.T) {
	exec := NewExecutor()
	start := time.Now()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	events := collect(t, p, 5*time.Second)
	ex := exits(events)
	require.Len(t, ex, 1)
	assert.True(t, ex[0].TimedOut)
	assert.False(t, ex[0].Success())
	assert.Less(t, time.Since(start), 5*time.Second)

	err = p.Write([]byte("hello\n"))
	assert.True(t, errors.Is(err, ErrNotRunning))

	assert.NoError(t, p.Kill(syscall.SIGTERM), "kill after exit is a no-op")
}

func TestTimeout_NoisyProcessWithoutEventsReader(t *testing.T) {
	var seen atomic.Int64
	exec := NewExecutor()
	start := time.Now()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command: "yes",
		Timeout: 200 * time.Millisecond,
		OnData:  func(b []byte) { seen.Add(int64(len(b))) },
	})
	require.NoError(t, err)

	// Events is never read.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := p.Wait(ctx)

	require.NoError(t, status.Err)
	assert.True(t, status.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Positive(t, seen.Load())

	events := collect(t, p, 5*time.Second)
	ex := exits(events)
	require.Len(t, ex, 1, "exit is kept even after data was dropped")
	assert.Equal(t, EventExit, events[len(events)-1].Type)
	assert.True(t, ex[0].TimedOut)
}

func TestEvents_QueueLimitDropsDataOnly(t *testing.T) {
	const total = 2_000_000
	exec := NewExecutor()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command:    "/bin/sh",
		Args:       []string{"-c", "yes | head -c 2000000"},
		Timeout:    10 * time.Second,
		QueueLimit: 4096,
	})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not finish while events were unread")
	}

	events := collect(t, p, 5*time.Second)
	ex := exits(events)
	require.Len(t, ex, 1)
	assert.Equal(t, 0, ex[0].ExitCode)
	assert.Equal(t, EventExit, events[len(events)-1].Type)
	assert.Less(t, len(dataOf(events)), total, "data beyond the queue limit is dropped")
}

func TestOutbox(t *testing.T) {
	o := newOutbox(5)
	assert.True(t, o.push(Event{Type: EventData, Data: []byte("abc")}))
	assert.False(t, o.push(Event{Type: EventData, Data: []byte("def")}), "over the byte limit")
	assert.True(t, o.push(Event{Type: EventHeartbeat}), "non-data events ignore the limit")
	assert.False(t, o.empty())

	ev, ok := o.pop()
	require.True(t, ok)
	assert.Equal(t, "abc", string(ev.Data))
	assert.True(t, o.push(Event{Type: EventData, Data: []byte("ghijk")}), "popping frees room")
	assert.True(t, o.push(Event{Type: EventExit}))
	assert.Equal(t, 1, o.close())
	assert.False(t, o.push(Event{Type: EventData}), "closed")

	var types []EventType
	for {
		ev, ok := o.pop()
		if !ok {
			break
		}
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventHeartbeat, EventData, EventExit}, types)
}

func TestCancel_ReportsCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor()
	p, err := exec.Start(ctx, LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	cancel()
	events := collect(t, p, 5*time.Second)
	ex := exits(events)
	require.Len(t, ex, 1)
	assert.True(t, ex[0].Canceled)
	assert.Equal(t, "canceled", ex[0].Reason())
}

func TestKill_Idempotent(t *testing.T) {
	exec := NewExecutor()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, p.Kill(syscall.SIGKILL))
	require.NoError(t, p.Kill(syscall.SIGKILL))

	events := collect(t, p, 5*time.Second)
	ex := exits(events)
	require.Len(t, ex, 1)
	assert.Equal(t, -1, ex[0].ExitCode)
	assert.NotEmpty(t, ex[0].Signal)
	assert.False(t, ex[0].TimedOut)
}

func TestHeartbeat_WhileSilent(t *testing.T) {
	exec := NewExecutor()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command:           "/bin/sh",
		Args:              []string{"-c", "sleep 0.5"},
		HeartbeatInterval: 50 * time.Millisecond,
		Timeout:           10 * time.Second,
	})
	require.NoError(t, err)

	events := collect(t, p, 10*time.Second)
	var beats int
	for _, ev := range events {
		if ev.Type == EventHeartbeat {
			beats++
			assert.GreaterOrEqual(t, ev.Silence, 50*time.Millisecond)
		}
	}
	assert.Greater(t, beats, 0)
}

func TestStart_LaunchError(t *testing.T) {
	exec := NewExecutor()
	_, err := exec.Start(context.Background(), LaunchSpec{Command: "definitely-not-a-real-binary-axiom"})
	require.Error(t, err)

	var launchErr *LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, "definitely-not-a-real-binary-axiom", launchErr.Command)
	assert.True(t, strings.Contains(err.Error(), "launch"))

	_, err = exec.Start(context.Background(), LaunchSpec{})
	assert.True(t, errors.Is(err, ErrInvalidSpec))
}

func TestProcessRecord(t *testing.T) {
	exec := NewExecutor()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo '3 passed'"},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	collect(t, p, 10*time.Second)

	rec := p.ProcessRecord()
	assert.Equal(t, "/bin/sh", rec.Command)
	assert.Equal(t, 0, rec.ExitCode)
	assert.Contains(t, rec.Stdout, "3 passed")
}

func TestWait_ContextExpires(t *testing.T) {
	exec := NewExecutor()
	p, err := exec.Start(context.Background(), LaunchSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	defer func() {
		_ = p.Kill(syscall.SIGKILL)
		collect(t, p, 5*time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status := p.Wait(ctx)
	assert.Equal(t, -1, status.ExitCode)
	assert.ErrorIs(t, status.Err, context.DeadlineExceeded)
}
