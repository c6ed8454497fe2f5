// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

// Mode selects how much work a simulation does.
type Mode int

const (
	// ModeStructure asks only for the file layout and skeleton.
	ModeStructure Mode = iota

	// ModeFull asks for implementation, tests and a test run, and adds a
	// quality scan.
	ModeFull
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeFull {
		return "full"
	}
	return "structure"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "full":
		*m = ModeFull
	case "structure":
		*m = ModeStructure
	default:
		return fmt.Errorf("unknown mode %q", b)
	}
	return nil
}

// Request asks a Simulator to run one attempt.
type Request struct {
	NodeID   string
	ParentID string
	Strategy string
	TaskText string
	Depth    int
	Mode     Mode
}

// Outcome is what one attempt produced.
type Outcome struct {
	// Proof is nil or unverified when the oracle could not inspect the
	// working directory.
	Proof *verify.Proof

	// Quality is the scanner score in [0,1]. Only used when Scanned.
	Quality float64
	Scanned bool

	// Transcript signals.
	Hedging         bool
	CompletionClaim bool
	Meta            float64

	TimedOut bool
	Canceled bool

	Dir      string
	Duration time.Duration
}

// Simulator runs one attempt for a node.
//
// Implementations must be safe for concurrent use when Parallelism > 1.
type Simulator interface {
	Simulate(ctx context.Context, req Request) (Outcome, error)
}

// SimulatorFunc adapts a function to Simulator.
type SimulatorFunc func(ctx context.Context, req Request) (Outcome, error)

// Simulate calls f.
func (f SimulatorFunc) Simulate(ctx context.Context, req Request) (Outcome, error) {
	return f(ctx, req)
}

// ModePolicy picks the simulation mode for a node.
type ModePolicy interface {
	Choose(node Node) Mode
}

// FixedMode always returns the same mode.
type FixedMode Mode

// Choose returns m.
func (m FixedMode) Choose(Node) Mode { return Mode(m) }

// ProbabilityPolicy runs full mode with a fixed probability.
//
// Thread Safety: Safe for concurrent use.
type ProbabilityPolicy struct {
	mu   sync.Mutex
	p    float64
	rand *rand.Rand
}

// NewProbabilityPolicy creates a policy choosing full mode with
// probability p. A nil source uses a randomly seeded PCG.
func NewProbabilityPolicy(p float64, src rand.Source) *ProbabilityPolicy {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &ProbabilityPolicy{p: p, rand: rand.New(src)}
}

// Choose implements ModePolicy.
func (m *ProbabilityPolicy) Choose(Node) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rand.Float64() < m.p {
		return ModeFull
	}
	return ModeStructure
}
