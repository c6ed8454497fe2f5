// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published on session buses, by type",
	}, []string{"type"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axiom",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a stream subscriber was full",
	})
)

// Handler processes one event. It runs on the publisher's goroutine.
type Handler func(event Event)

// Filter reports whether an event should be delivered.
type Filter func(event Event) bool

// ForTask matches events of a task and of every task under the same root.
func ForTask(id string) Filter {
	return func(e Event) bool {
		return e.TaskID == id || e.RootID == id
	}
}

// OfType matches events whose type is one of types.
func OfType(types ...Type) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

type subscription struct {
	id      string
	handler Handler
	filter  Filter
}

// Bus broadcasts events to handler and channel subscribers and keeps a
// bounded backlog for late subscribers.
//
// Thread Safety: Bus is safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*subscription
	streams    map[string]*streamSub
	buffer     []Event
	bufferSize int
	seq        uint64
	sessionID  string
	closed     bool

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets how many events are kept for replay. Default 1000.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithSessionID stamps every event with id.
func WithSessionID(id string) Option {
	return func(b *Bus) {
		b.sessionID = id
	}
}

// WithLogger sets the logger used for handler panics and drops.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates a bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string]*subscription),
		streams:    make(map[string]*streamSub),
		bufferSize: 1000,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.buffer = make([]Event, 0, b.bufferSize)
	return b
}

// Subscribe registers a handler for events matching filter (nil = all).
//
// Outputs:
//   - string: Subscription id for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, filter Filter) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{id: uuid.NewString(), handler: handler, filter: filter}
	b.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a handler or stream subscription. A removed stream's
// channel is closed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	if _, ok := b.subs[id]; ok {
		delete(b.subs, id)
		b.mu.Unlock()
		return true
	}
	s, ok := b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// Publish stamps and broadcasts an event.
//
// Description:
//
//	Assigns ID, sequence number, session id and timestamp, appends the event
//	to the replay buffer and delivers it to every matching subscriber.
//	Handler panics are recovered and logged. Stream subscribers that are
//	full lose the event (counted) so a slow client never stalls an attempt.
//
// Inputs:
//   - event: Type, TaskID, RootID and Data are taken from the caller.
//
// Outputs:
//   - Event: The published event. Zero value if the bus is closed.
//
// Thread Safety: Safe for concurrent use. Events of one publisher goroutine
// are delivered in publish order.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}
	}
	b.seq++
	event.Seq = b.seq
	event.ID = uuid.NewString()
	event.SessionID = b.sessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	if len(b.buffer) >= b.bufferSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, event)

	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	streams := make([]*streamSub, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	eventsPublished.WithLabelValues(string(event.Type)).Inc()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			b.safeInvoke(s.handler, event)
		}
	}
	for _, s := range streams {
		if s.filter == nil || s.filter(event) {
			if !s.send(event) {
				eventsDropped.Inc()
				b.logger.Warn("event stream subscriber full, dropped an event",
					slog.String("subscription", s.id),
					slog.String("type", string(event.Type)),
					slog.Uint64("seq", event.Seq))
			}
		}
	}
	return event
}

func (b *Bus) safeInvoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r))
		}
	}()
	handler(event)
}

// Stream returns a channel carrying the buffered events that match filter
// followed by live ones.
//
// Description:
//
//	The backlog and the registration are taken under one lock, so no event
//	is both replayed and delivered live, and none falls between the two.
//	The channel is closed when ctx is done, on Unsubscribe, or on Close.
//
// Inputs:
//   - ctx: Subscription lifetime.
//   - filter: Nil delivers everything.
//   - capacity: Channel buffer for live events (minimum 16). The backlog is
//     added on top so replay never drops.
//
// Outputs:
//   - <-chan Event: Event stream.
//   - string: Subscription id.
func (b *Bus) Stream(ctx context.Context, filter Filter, capacity int) (<-chan Event, string) {
	if capacity < 16 {
		capacity = 16
	}

	b.mu.Lock()
	var backlog []Event
	for _, e := range b.buffer {
		if filter == nil || filter(e) {
			backlog = append(backlog, e)
		}
	}
	s := &streamSub{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan Event, capacity+len(backlog)),
		done:   make(chan struct{}),
	}
	for _, e := range backlog {
		s.ch <- e
	}
	if b.closed {
		b.mu.Unlock()
		s.close()
		return s.ch, s.id
	}
	b.streams[s.id] = s
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(s.id)
		case <-s.done:
		}
	}()
	return s.ch, s.id
}

// Replay returns buffered events with Seq greater than after that match
// filter.
func (b *Bus) Replay(after uint64, filter Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.buffer {
		if e.Seq > after && (filter == nil || filter(e)) {
			out = append(out, e)
		}
	}
	return out
}

// SessionID returns the session stamped on published events.
func (b *Bus) SessionID() string {
	return b.sessionID
}

// SubscriptionCount returns the number of handler and stream subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) + len(b.streams)
}

// Close drops all subscriptions and closes every stream channel. Publish
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := b.streams
	b.streams = make(map[string]*streamSub)
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}

// streamSub is a channel subscriber.
type streamSub struct {
	id     string
	filter Filter
	ch     chan Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// send delivers without blocking. It reports false when an event was lost:
// e itself when the channel is full, or, for a terminal e, the oldest
// queued event it displaced.
func (s *streamSub) send(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
	}
	if !e.Terminal() {
		return false
	}
	// Senders are serialized by s.mu, so one receive makes room.
	select {
	case <-s.ch:
	default:
	}
	s.ch <- e
	return false
}

func (s *streamSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}
