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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

func TestUCB1_PrefersUnvisited(t *testing.T) {
	for _, c := range []float64{0, 0.1, math.Sqrt2, 100} {
		unvisited := UCB1(0, 0, 10, c)
		visited := UCB1(1, 1, 10, c)
		assert.True(t, math.IsInf(unvisited, 1))
		assert.Greater(t, unvisited, visited, "c=%v", c)
	}
	assert.InDelta(t, 0.5+math.Sqrt2*math.Sqrt(math.Log(4)/2), UCB1(0.5, 2, 4, math.Sqrt2), 1e-12)
}

func TestTree_SelectUnvisitedChildFirst(t *testing.T) {
	tree := NewTree("task", []string{"a", "b"})
	first, err := tree.Expand(tree.RootID(), 5)
	require.NoError(t, err)
	second, err := tree.Expand(tree.RootID(), 5)
	require.NoError(t, err)

	_, err = tree.Backpropagate(first.ID, 1.0)
	require.NoError(t, err)

	// Root is fully expanded; the unvisited child wins despite reward 1.0 on
	// its sibling.
	assert.Equal(t, second.ID, tree.Select(0))
	assert.Equal(t, second.ID, tree.Select(1000))
}

func TestTree_AverageIsTotalOverVisits(t *testing.T) {
	tree := NewTree("task", []string{"a", "b", "c"})
	a, _ := tree.Expand(tree.RootID(), 5)
	aa, _ := tree.Expand(a.ID, 5)
	b, _ := tree.Expand(tree.RootID(), 5)

	rewards := []struct {
		id     string
		reward float64
	}{
		{a.ID, 0.3}, {aa.ID, 0.9}, {b.ID, 0.0}, {aa.ID, 0.45}, {a.ID, 1.0}, {b.ID, 0.12},
	}
	for _, r := range rewards {
		_, err := tree.Backpropagate(r.id, r.reward)
		require.NoError(t, err)
	}

	for _, n := range tree.Snapshot() {
		if n.Visits > 0 {
			assert.InDelta(t, n.TotalReward/float64(n.Visits), n.AverageReward, 1e-12, n.ID)
		}
	}
	root, _ := tree.Node(tree.RootID())
	assert.Equal(t, 1+len(rewards), root.Visits, "root seeded with one visit")
	aNode, _ := tree.Node(a.ID)
	assert.Equal(t, 4, aNode.Visits)
}

func TestTree_ExpandShrinksUntried(t *testing.T) {
	tree := NewTree("Build a calculator", []string{"tests first", "impl first"})
	child, err := tree.Expand(tree.RootID(), 3)
	require.NoError(t, err)

	assert.Equal(t, "Build a calculator\n\nApproach: tests first", child.TaskText)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, []string{"impl first"}, child.UntriedActions, "path strategies are excluded")

	root, _ := tree.Node(tree.RootID())
	assert.Equal(t, []string{"impl first"}, root.UntriedActions)
	assert.Equal(t, []string{child.ID}, root.ChildIDs)

	_, err = tree.Expand(tree.RootID(), 3)
	require.NoError(t, err)
	_, err = tree.Expand(tree.RootID(), 3)
	assert.ErrorIs(t, err, ErrNoUntriedActions)

	_, err = tree.Expand("missing", 3)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestTree_MaxDepthIsTerminal(t *testing.T) {
	tree := NewTree("task", []string{"a", "b"})
	child, err := tree.Expand(tree.RootID(), 1)
	require.NoError(t, err)
	assert.True(t, child.Terminal)
	assert.Empty(t, child.UntriedActions)
}

func TestTree_BestChildByAverage(t *testing.T) {
	tree := NewTree("task", []string{"a", "b"})
	assert.Equal(t, tree.RootID(), tree.BestChild().ID, "childless root is its own best")

	a, _ := tree.Expand(tree.RootID(), 3)
	b, _ := tree.Expand(tree.RootID(), 3)
	for i := 0; i < 5; i++ {
		_, _ = tree.Backpropagate(a.ID, 0.4)
	}
	_, _ = tree.Backpropagate(b.ID, 0.8)

	assert.Equal(t, b.ID, tree.BestChild().ID, "quality wins over visit count")
}

func TestNormalizeTask(t *testing.T) {
	assert.Equal(t, "build a calculator", NormalizeTask("  Build,  a\tCALCULATOR!  "))
	assert.Equal(t, NormalizeTask("Write calc.py; then test."), NormalizeTask("write calcpy then   test"))
}

func TestTranspositionTable(t *testing.T) {
	table := NewTranspositionTable()
	_, _, _, ok := table.Lookup("Task A")
	assert.False(t, ok)

	table.Store("Task A", Outcome{Dir: "/w/1"}, RewardBreakdown{Reward: 0.7}, ModeFull)
	table.Store("task   a.", Outcome{Dir: "/w/2"}, RewardBreakdown{Reward: 0.1}, ModeStructure)

	outcome, reward, mode, ok := table.Lookup("TASK A")
	require.True(t, ok)
	assert.Equal(t, "/w/1", outcome.Dir, "structure result never replaces a full one")
	assert.Equal(t, 0.7, reward.Reward)
	assert.Equal(t, ModeFull, mode)
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 1, table.Hits())
}

func calcProof() *verify.Proof {
	return verify.BuildProof(
		verify.Delta{Created: []string{"calc.py"}},
		verify.Snapshot{Files: map[string]verify.FileState{"calc.py": {Size: 120}}},
		[]verify.ProcessRecord{verify.NewProcessRecord("pytest", nil, 0, "collected 3 items\n\n...\n3 passed in 0.01s\n", "", 0)},
	)
}

func TestReward_CalcScenario(t *testing.T) {
	proof := calcProof()
	require.True(t, proof.HasImplementation)
	require.True(t, proof.HasTests)
	require.True(t, proof.TestsPass)

	b := NewRewardPolicy(DefaultRewardConfig()).Score(Outcome{Proof: proof, Meta: 1})
	assert.GreaterOrEqual(t, b.Base, 0.9)
	assert.GreaterOrEqual(t, b.Reward, 0.9)
	assert.LessOrEqual(t, b.Reward, 1.0)
	assert.False(t, b.Deceptive)
}

func TestReward_DeceptivePenalty(t *testing.T) {
	policy := NewRewardPolicy(DefaultRewardConfig())
	empty := verify.BuildProof(verify.Delta{}, verify.Snapshot{Files: map[string]verify.FileState{"README.md": {}}}, nil)
	require.False(t, empty.HasImplementation)

	// A test file exists so the base is non-zero and the penalty is visible.
	withTests := verify.BuildProof(verify.Delta{}, verify.Snapshot{Files: map[string]verify.FileState{"test_calc.py": {}}}, nil)

	honest := policy.Score(Outcome{Proof: withTests, Meta: 1})
	hedging := policy.Score(Outcome{Proof: withTests, Meta: 1, Hedging: true})
	assert.True(t, hedging.Deceptive)
	assert.LessOrEqual(t, hedging.Reward, 0.5*honest.Reward+1e-12)
	assert.Greater(t, honest.Reward, 0.0)

	assert.Equal(t, 0.0, policy.Score(Outcome{Proof: empty, Hedging: true, CompletionClaim: true}).Reward)
}

func TestReward_RealFileBeatsTextOnly(t *testing.T) {
	policy := NewRewardPolicy(DefaultRewardConfig())
	textOnly := verify.BuildProof(verify.Delta{}, verify.Snapshot{Files: map[string]verify.FileState{}},
		[]verify.ProcessRecord{verify.NewProcessRecord("pytest", nil, 0, "3 passed", "", 0)})

	real := policy.Score(Outcome{Proof: calcProof(), CompletionClaim: true})
	described := policy.Score(Outcome{Proof: textOnly, CompletionClaim: true})
	assert.Greater(t, real.Reward, described.Reward)
}

func TestReward_FailuresScoreZero(t *testing.T) {
	policy := NewRewardPolicy(DefaultRewardConfig())
	proof := calcProof()
	tests := []struct {
		name    string
		outcome Outcome
		reason  string
	}{
		{"timeout", Outcome{Proof: proof, TimedOut: true}, "timed out"},
		{"canceled", Outcome{Proof: proof, Canceled: true}, "canceled"},
		{"nil proof", Outcome{}, "unverified"},
		{"unverified", Outcome{Proof: verify.Unverified("gone")}, "unverified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := policy.Score(tt.outcome)
			assert.Zero(t, b.Reward)
			assert.Equal(t, tt.reason, b.Reason)
		})
	}
}

func TestReward_QualityAndClamp(t *testing.T) {
	cfg := DefaultRewardConfig()
	cfg.Implementation = 2
	policy := NewRewardPolicy(cfg)
	b := policy.Score(Outcome{Proof: calcProof(), Meta: 1, Scanned: true, Quality: 1})
	assert.Equal(t, 1.0, b.Reward)

	low := NewRewardPolicy(DefaultRewardConfig()).Score(Outcome{Proof: calcProof(), Scanned: true, Quality: 0})
	high := NewRewardPolicy(DefaultRewardConfig()).Score(Outcome{Proof: calcProof(), Scanned: true, Quality: 1})
	assert.InDelta(t, 0.1, high.Base-low.Base, 1e-12)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	mutate := func(fn func(*Config)) Config {
		c := DefaultConfig()
		fn(&c)
		return c
	}
	bad := []Config{
		mutate(func(c *Config) { c.MaxIterations, c.TimeBudget = 0, 0 }),
		mutate(func(c *Config) { c.MaxDepth = 0 }),
		mutate(func(c *Config) { c.Parallelism = 0 }),
		mutate(func(c *Config) { c.FullModeProbability = 1.5 }),
		mutate(func(c *Config) { c.QualityThreshold = -1 }),
		mutate(func(c *Config) { c.Reward.HedgingPenalty = 2 }),
		mutate(func(c *Config) { c.Reward.Tests = -0.1 }),
	}
	for i, c := range bad {
		assert.ErrorIs(t, c.Validate(), ErrInvalidConfig, "case %d", i)
	}
}
