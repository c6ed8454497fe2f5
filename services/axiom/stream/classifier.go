// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream turns raw agent terminal output into semantic events.
//
// The Classifier is a stateful line parser. Bytes arrive in arbitrary chunks
// from the pseudo-terminal; only complete lines are classified, and fenced
// code blocks are collected whole. Line patterns come from a rules.Set so
// wording can be tuned without code changes.
package stream

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/Axiom/services/axiom/stream/rules"
)

// Kind identifies the type of a stream event.
type Kind string

const (
	KindFileCreated     Kind = "file_created"
	KindFileModified    Kind = "file_modified"
	KindCommandExecuted Kind = "command_executed"
	KindCodeBlock       Kind = "code_block"
	KindErrorOccurred   Kind = "error_occurred"
	KindTaskStarted     Kind = "task_started"
	KindTaskCompleted   Kind = "task_completed"
	KindOutputChunk     Kind = "output_chunk"
)

// AllKinds lists every event kind in a stable order.
var AllKinds = []Kind{
	KindFileCreated, KindFileModified, KindCommandExecuted, KindCodeBlock,
	KindErrorOccurred, KindTaskStarted, KindTaskCompleted, KindOutputChunk,
}

// Metadata keys set by the classifier.
const (
	MetaPath         = "path"
	MetaCommand      = "command"
	MetaLanguage     = "language"
	MetaContent      = "content"
	MetaLines        = "lines"
	MetaUnterminated = "unterminated"
	MetaSource       = "source"
)

// Event is one classified unit of output. Events are immutable once emitted.
type Event struct {
	Kind      Kind              `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	RawText   string            `json:"raw_text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Signals   []string          `json:"signals,omitempty"`
}

// HasSignal reports whether the line behind the event matched a signal rule.
func (e Event) HasSignal(name string) bool {
	for _, s := range e.Signals {
		if s == name {
			return true
		}
	}
	return false
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

const fenceMarker = "```"

// Classifier parses one process's output.
//
// Thread Safety: Not safe for concurrent use. Each process gets its own
// Classifier, driven from the goroutine that reads its events.
type Classifier struct {
	rules *rules.Set
	now   func() time.Time

	carry     []byte
	inFence   bool
	fenceLang string
	fenceRaw  []string
	fenceBody []string
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// NewClassifier creates a Classifier. A nil set uses the embedded defaults.
func NewClassifier(set *rules.Set, opts ...Option) *Classifier {
	if set == nil {
		set = rules.MustDefault()
	}
	c := &Classifier{rules: set, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rules returns the rule set in use.
func (c *Classifier) Rules() *rules.Set {
	return c.rules
}

// Parse consumes a chunk and returns the events for every line it completed.
//
// Description:
//
//	The chunk is appended to any carried-over partial line. Each complete
//	line ('\n' terminated, trailing '\r' removed) is classified; the
//	remainder is carried to the next call. The result depends only on the
//	concatenated input, never on how it was split.
//
// Inputs:
//   - chunk: Raw bytes from the terminal. May be empty.
//
// Outputs:
//   - []Event: Events in production order. Nil when no line completed.
func (c *Classifier) Parse(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	c.carry = append(c.carry, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(c.carry, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSuffix(c.carry[:idx], []byte{'\r'}))
		c.carry = c.carry[idx+1:]
		events = append(events, c.classifyLine(line)...)
	}
	if len(c.carry) == 0 {
		c.carry = nil
	}
	return events
}

// Flush classifies a trailing partial line and emits an unterminated fence.
// Call it once the process has exited.
func (c *Classifier) Flush() []Event {
	var events []Event
	if len(c.carry) > 0 {
		line := string(bytes.TrimSuffix(c.carry, []byte{'\r'}))
		c.carry = nil
		events = append(events, c.classifyLine(line)...)
	}
	if c.inFence {
		ev := c.codeBlock()
		ev.Metadata[MetaUnterminated] = "true"
		events = append(events, ev)
		c.resetFence()
	}
	return events
}

// Reset clears all parser state for a fresh logical response.
func (c *Classifier) Reset() {
	c.carry = nil
	c.resetFence()
}

func (c *Classifier) resetFence() {
	c.inFence = false
	c.fenceLang = ""
	c.fenceRaw = nil
	c.fenceBody = nil
}

func (c *Classifier) classifyLine(raw string) []Event {
	clean := StripANSI(raw)
	trimmed := strings.TrimSpace(clean)

	if c.inFence {
		c.fenceRaw = append(c.fenceRaw, raw)
		if trimmed == fenceMarker {
			ev := c.codeBlock()
			c.resetFence()
			return []Event{ev}
		}
		c.fenceBody = append(c.fenceBody, clean)
		return nil
	}

	if strings.HasPrefix(trimmed, fenceMarker) {
		c.inFence = true
		c.fenceLang = strings.TrimSpace(strings.TrimPrefix(trimmed, fenceMarker))
		c.fenceRaw = []string{raw}
		return nil
	}

	ts := c.now()
	signals := c.rules.MatchSignals(clean)

	var events []Event
	for i := range c.rules.Kinds {
		rule := &c.rules.Kinds[i]
		for j := range rule.Patterns {
			pattern := &rule.Patterns[j]
			captured, ok := pattern.Match(clean)
			if !ok {
				continue
			}
			meta := map[string]string{}
			if pattern.Capture != "" && captured != "" {
				meta[pattern.Capture] = captured
			}
			events = append(events, Event{
				Kind:      Kind(rule.Kind),
				Timestamp: ts,
				RawText:   raw,
				Metadata:  meta,
				Signals:   signals,
			})
			break
		}
	}

	events = append(events, Event{
		Kind:      KindOutputChunk,
		Timestamp: ts,
		RawText:   raw,
		Metadata:  map[string]string{},
		Signals:   signals,
	})
	return events
}

func (c *Classifier) codeBlock() Event {
	return Event{
		Kind:      KindCodeBlock,
		Timestamp: c.now(),
		RawText:   strings.Join(c.fenceRaw, "\n"),
		Metadata: map[string]string{
			MetaLanguage: c.fenceLang,
			MetaContent:  strings.Join(c.fenceBody, "\n"),
			MetaLines:    strconv.Itoa(len(c.fenceBody)),
		},
	}
}
