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
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

// EventType discriminates Event.
type EventType int

const (
	EventData EventType = iota
	EventHeartbeat
	EventExit
)

func (t EventType) String() string {
	switch t {
	case EventData:
		return "data"
	case EventHeartbeat:
		return "heartbeat"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is one item of the outbound stream.
type Event struct {
	Type EventType
	Time time.Time

	// Data holds the output chunk for EventData.
	Data []byte

	// Silence is how long no output arrived, for EventHeartbeat.
	Silence time.Duration

	// Exit is set for EventExit.
	Exit *ExitStatus
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// ExitCode is the process exit code, or -1 when killed by a signal.
	ExitCode int

	// Signal names the terminating signal, if any.
	Signal string

	// TimedOut is set when the wall-clock timeout killed the process.
	TimedOut bool

	// Canceled is set when context cancellation killed the process.
	Canceled bool

	// Err carries a wait failure other than a non-zero exit.
	Err error

	Duration time.Duration
}

// Success reports a zero exit that was neither timed out nor cancelled.
func (s ExitStatus) Success() bool {
	return s.ExitCode == 0 && !s.TimedOut && !s.Canceled && s.Err == nil
}

// Reason is a short label for logs and metrics.
func (s ExitStatus) Reason() string {
	switch {
	case s.TimedOut:
		return "timeout"
	case s.Canceled:
		return "canceled"
	case s.Signal != "":
		return "signal"
	case s.ExitCode == 0:
		return "success"
	default:
		return "error"
	}
}

type killReason int32

const (
	reasonNone killReason = iota
	reasonTimeout
	reasonCanceled
	reasonKilled
)

// Process is a running child on a pseudo-terminal.
type Process struct {
	spec      LaunchSpec
	cmd       *exec.Cmd
	ptmx      *os.File
	pid       int
	startedAt time.Time
	logger    *slog.Logger
	grace     time.Duration

	events chan Event
	outbox *outbox
	dataCh chan []byte
	waitCh chan error
	done   chan struct{}

	queueMu sync.Mutex
	queue   [][]byte
	wake    chan struct{}

	exited     atomic.Bool
	reason     atomic.Int32
	lastOutput atomic.Int64

	tailMu sync.Mutex
	tail   []byte

	status ExitStatus
	stops  []func() bool
}

func newProcess(spec LaunchSpec, cmd *exec.Cmd, ptmx *os.File, logger *slog.Logger, grace time.Duration) *Process {
	p := &Process{
		spec:      spec,
		cmd:       cmd,
		ptmx:      ptmx,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		logger:    logger,
		grace:     grace,
		events:    make(chan Event, eventBuffer),
		outbox:    newOutbox(spec.QueueLimit),
		dataCh:    make(chan []byte, eventBuffer),
		waitCh:    make(chan error, 1),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	p.lastOutput.Store(p.startedAt.UnixNano())
	return p
}

func (p *Process) start(ctx context.Context) {
	if p.spec.Timeout > 0 {
		t := time.AfterFunc(p.spec.Timeout, func() { p.terminate(reasonTimeout) })
		p.stops = append(p.stops, t.Stop)
	}
	p.stops = append(p.stops, context.AfterFunc(ctx, func() { p.terminate(reasonCanceled) }))

	go p.readLoop()
	go p.writeLoop()
	go p.deliverLoop()
	go func() {
		err := p.cmd.Wait()
		p.exited.Store(true)
		p.waitCh <- err
	}()
	go p.supervise()
}

// PID returns the process id (and process group id).
func (p *Process) PID() int {
	return p.pid
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Events returns the outbound event stream. It is closed after the single
// EventExit. Reading it is optional: exit handling, Wait and Done never
// depend on a reader. Unread Data is held up to LaunchSpec.QueueLimit bytes
// and dropped beyond that.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Done is closed once the exit status is known.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Write queues input for the process and returns immediately.
//
// Outputs:
//   - error: ErrNotRunning once the process has exited.
func (p *Process) Write(data []byte) error {
	if p.exited.Load() {
		return ErrNotRunning
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	p.queueMu.Lock()
	p.queue = append(p.queue, buf)
	p.queueMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Kill sends sig to the whole process group. Calling it again, or after the
// process exited, is a no-op.
func (p *Process) Kill(sig syscall.Signal) error {
	if p.exited.Load() {
		return nil
	}
	p.reason.CompareAndSwap(int32(reasonNone), int32(reasonKilled))
	return signalGroup(p.pid, sig)
}

// Wait blocks until the process exits or ctx is done. On ctx expiry the
// returned status has ExitCode -1 and Err set; the process is left running.
func (p *Process) Wait(ctx context.Context) ExitStatus {
	select {
	case <-p.done:
		return p.status
	case <-ctx.Done():
		return ExitStatus{ExitCode: -1, Err: ctx.Err()}
	}
}

// Output returns the captured output tail.
func (p *Process) Output() []byte {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	out := make([]byte, len(p.tail))
	copy(out, p.tail)
	return out
}

// ProcessRecord converts a finished process into the oracle's record form.
// Before exit the exit code is -1.
func (p *Process) ProcessRecord() verify.ProcessRecord {
	status := ExitStatus{ExitCode: -1}
	select {
	case <-p.done:
		status = p.status
	default:
	}
	return verify.NewProcessRecord(p.spec.Command, p.spec.Args, status.ExitCode,
		string(p.Output()), "", status.Duration)
}

func (p *Process) terminate(reason killReason) {
	if p.exited.Load() {
		return
	}
	p.reason.CompareAndSwap(int32(reasonNone), int32(reason))
	if err := signalGroup(p.pid, unix.SIGKILL); err != nil {
		p.logger.Warn("kill process group failed",
			slog.Int("pid", p.pid), slog.String("error", err.Error()))
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *Process) readLoop() {
	defer close(p.dataCh)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.lastOutput.Store(time.Now().UnixNano())
			p.appendTail(chunk)
			bytesRead.Add(float64(n))
			if p.spec.OnData != nil {
				p.spec.OnData(chunk)
			}
			p.dataCh <- chunk
		}
		if err != nil {
			// EIO once the last slave holder is gone.
			return
		}
	}
}

func (p *Process) writeLoop() {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}

		p.queueMu.Lock()
		pending := p.queue
		p.queue = nil
		p.queueMu.Unlock()

		for _, data := range pending {
			if _, err := p.ptmx.Write(data); err != nil {
				p.logger.Debug("pty write failed",
					slog.Int("pid", p.pid), slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (p *Process) appendTail(chunk []byte) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	p.tail = append(p.tail, chunk...)
	if over := len(p.tail) - p.spec.OutputLimit; over > 0 {
		p.tail = append(p.tail[:0], p.tail[over:]...)
	}
}

// supervise is the only producer for the outbox. It never blocks on the
// Events reader.
func (p *Process) supervise() {
	var heartbeat <-chan time.Time
	if p.spec.HeartbeatInterval > 0 {
		ticker := time.NewTicker(p.spec.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	dataCh := p.dataCh
	waitCh := p.waitCh
	var drain <-chan time.Time
	var waitErr error
	readerDone, processDone := false, false

	for !(readerDone && processDone) {
		select {
		case chunk, ok := <-dataCh:
			if !ok {
				readerDone = true
				dataCh = nil
				continue
			}
			if !p.outbox.push(Event{Type: EventData, Time: time.Now(), Data: chunk}) {
				eventsDropped.Inc()
			}

		case now := <-heartbeat:
			silence := now.Sub(time.Unix(0, p.lastOutput.Load()))
			// A backlog means the reader is behind; a heartbeat adds nothing.
			if silence >= p.spec.HeartbeatInterval && p.outbox.empty() {
				p.outbox.push(Event{Type: EventHeartbeat, Time: now, Silence: silence})
			}

		case waitErr = <-waitCh:
			processDone = true
			waitCh = nil
			heartbeat = nil
			// Stragglers holding the terminal would keep the reader alive.
			_ = signalGroup(p.pid, unix.SIGKILL)
			drain = time.After(p.grace)

		case <-drain:
			drain = nil
			_ = p.ptmx.Close()
		}
	}

	p.finish(waitErr)
}

func (p *Process) finish(waitErr error) {
	for _, stop := range p.stops {
		stop()
	}
	_ = p.ptmx.Close()

	status := ExitStatus{ExitCode: -1, Duration: time.Since(p.startedAt)}
	if state := p.cmd.ProcessState; state != nil {
		status.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		status.Err = waitErr
	}

	switch killReason(p.reason.Load()) {
	case reasonTimeout:
		status.TimedOut = true
	case reasonCanceled:
		status.Canceled = true
	}

	p.status = status
	close(p.done)

	processExits.WithLabelValues(status.Reason()).Inc()
	processDuration.Observe(status.Duration.Seconds())
	p.logger.Info("process exited",
		slog.Int("pid", p.pid),
		slog.Int("exit_code", status.ExitCode),
		slog.String("reason", status.Reason()),
		slog.Duration("duration", status.Duration))

	if !p.outbox.push(Event{Type: EventExit, Time: time.Now(), Exit: &status}) {
		p.logger.Error("exit event rejected", slog.Int("pid", p.pid))
	}
	if dropped := p.outbox.close(); dropped > 0 {
		p.logger.Warn("output events dropped for a slow reader",
			slog.Int("pid", p.pid), slog.Int("dropped", dropped))
	}
}

// deliverLoop moves queued events to p.events in order and closes it after
// the outbox is closed and drained. Only this goroutine blocks on the reader.
func (p *Process) deliverLoop() {
	for {
		ev, ok := p.outbox.pop()
		if !ok {
			close(p.events)
			return
		}
		p.events <- ev
	}
}

// outbox is an ordered queue between supervise and deliverLoop. Data events
// are bounded by byte size; other events are always accepted.
type outbox struct {
	mu      sync.Mutex
	items   []Event
	bytes   int
	limit   int
	dropped int
	closed  bool
	wake    chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit, wake: make(chan struct{}, 1)}
}

// push appends ev and reports whether it was kept.
func (o *outbox) push(ev Event) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if ev.Type == EventData && o.bytes+len(ev.Data) > o.limit {
		o.dropped++
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, ev)
	o.bytes += len(ev.Data)
	o.mu.Unlock()

	o.signal()
	return true
}

func (o *outbox) empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items) == 0
}

// close stops further pushes and returns the number of dropped events.
func (o *outbox) close() int {
	o.mu.Lock()
	o.closed = true
	dropped := o.dropped
	o.mu.Unlock()

	o.signal()
	return dropped
}

// pop blocks until an event is queued. It returns false once the outbox is
// closed and empty.
func (o *outbox) pop() (Event, bool) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			ev := o.items[0]
			o.items[0] = Event{}
			o.items = o.items[1:]
			o.bytes -= len(ev.Data)
			o.mu.Unlock()
			return ev, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return Event{}, false
		}
		<-o.wake
	}
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
