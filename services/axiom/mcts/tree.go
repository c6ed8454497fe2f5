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
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/Axiom/services/axiom/verify"
)

// Implementation is the latest simulated attempt for a node.
type Implementation struct {
	Mode      Mode            `json:"mode"`
	Reward    float64         `json:"reward"`
	Breakdown RewardBreakdown `json:"breakdown"`
	Proof     *verify.Proof   `json:"proof,omitempty"`
	Dir       string          `json:"dir,omitempty"`

	// Reused is true when the outcome came from the transposition table.
	Reused bool   `json:"reused,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Node is one candidate task framing.
//
// Nodes live in a Tree and reference each other by id only.
type Node struct {
	ID             string          `json:"id"`
	TaskText       string          `json:"task_text"`
	Strategy       string          `json:"strategy,omitempty"`
	Depth          int             `json:"depth"`
	Visits         int             `json:"visits"`
	TotalReward    float64         `json:"total_reward"`
	AverageReward  float64         `json:"average_reward"`
	ParentID       string          `json:"parent_id,omitempty"`
	ChildIDs       []string        `json:"child_ids,omitempty"`
	UntriedActions []string        `json:"untried_actions,omitempty"`
	Terminal       bool            `json:"terminal"`
	Implementation *Implementation `json:"implementation,omitempty"`
}

// FullyExpanded reports whether no untried actions remain.
func (n *Node) FullyExpanded() bool {
	return len(n.UntriedActions) == 0
}

func (n *Node) clone() Node {
	c := *n
	c.ChildIDs = append([]string(nil), n.ChildIDs...)
	c.UntriedActions = append([]string(nil), n.UntriedActions...)
	if n.Implementation != nil {
		impl := *n.Implementation
		c.Implementation = &impl
	}
	return c
}

// Tree is an arena of nodes keyed by id.
//
// Description:
//
//	The search loop is the only writer. Readers (progress observers, the
//	API) take snapshots under the read lock so they never observe a node
//	mid-update.
//
// Thread Safety: Safe for concurrent use.
type Tree struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	order      []string
	rootID     string
	strategies []string
	createdAt  time.Time
}

// NewTree creates a tree whose root holds task and the given untried
// actions. The root is seeded with one visit so it can be expanded
// immediately.
func NewTree(task string, actions []string) *Tree {
	t := &Tree{
		nodes:      make(map[string]*Node),
		strategies: append([]string(nil), actions...),
		createdAt:  time.Now(),
	}
	root := &Node{
		ID:             t.nextID(),
		TaskText:       task,
		Visits:         1,
		UntriedActions: append([]string(nil), actions...),
	}
	t.nodes[root.ID] = root
	t.order = append(t.order, root.ID)
	t.rootID = root.ID
	return t
}

func (t *Tree) nextID() string {
	return fmt.Sprintf("n%d", len(t.order))
}

// CreatedAt returns when the tree was created.
func (t *Tree) CreatedAt() time.Time {
	return t.createdAt
}

// RootID returns the root node id.
func (t *Tree) RootID() string {
	return t.rootID
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Node returns a copy of the node with the given id.
func (t *Tree) Node(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Children returns copies of a node's children in creation order.
func (t *Tree) Children(id string) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Node, 0, len(n.ChildIDs))
	for _, cid := range n.ChildIDs {
		out = append(out, t.nodes[cid].clone())
	}
	return out
}

// Snapshot returns copies of every node in creation order.
func (t *Tree) Snapshot() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.nodes[id].clone())
	}
	return out
}

// Expand pops the first untried action of parentID and creates a child
// whose task text is the parent's text annotated with that strategy.
//
// Outputs:
//   - Node: Copy of the new child.
//   - error: ErrNodeNotFound, or ErrNoUntriedActions when nothing is left.
func (t *Tree) Expand(parentID string, maxDepth int) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	if len(parent.UntriedActions) == 0 {
		return Node{}, fmt.Errorf("%w: %s", ErrNoUntriedActions, parentID)
	}
	strategy := parent.UntriedActions[0]
	parent.UntriedActions = parent.UntriedActions[1:]

	child := &Node{
		ID:       t.nextID(),
		TaskText: annotate(parent.TaskText, strategy),
		Strategy: strategy,
		Depth:    parent.Depth + 1,
		ParentID: parent.ID,
	}
	if maxDepth > 0 && child.Depth >= maxDepth {
		child.Terminal = true
	} else {
		child.UntriedActions = t.remainingStrategies(parent, strategy)
	}

	parent.ChildIDs = append(parent.ChildIDs, child.ID)
	t.nodes[child.ID] = child
	t.order = append(t.order, child.ID)
	return child.clone(), nil
}

// remainingStrategies lists the tree's strategies not yet used on the path
// to a new child of parent.
func (t *Tree) remainingStrategies(parent *Node, chosen string) []string {
	used := map[string]bool{chosen: true}
	for n := parent; n != nil; n = t.nodes[n.ParentID] {
		if n.Strategy != "" {
			used[n.Strategy] = true
		}
		if n.ParentID == "" {
			break
		}
	}
	var out []string
	for _, s := range t.strategies {
		if !used[s] {
			out = append(out, s)
		}
	}
	return out
}

// Backpropagate adds reward to the node and every ancestor, incrementing
// visits and recomputing averages.
//
// Outputs:
//   - int: Number of nodes updated.
//   - error: ErrNodeNotFound for an unknown id.
func (t *Tree) Backpropagate(id string, reward float64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	updated := 0
	for n != nil {
		n.Visits++
		n.TotalReward += reward
		n.AverageReward = n.TotalReward / float64(n.Visits)
		updated++
		if n.ParentID == "" {
			break
		}
		n = t.nodes[n.ParentID]
	}
	return updated, nil
}

// SetImplementation records the latest simulated attempt of a node and
// marks it terminal when its reward reaches threshold.
func (t *Tree) SetImplementation(id string, impl Implementation, threshold float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.Implementation = &impl
	if threshold > 0 && impl.Reward >= threshold {
		n.Terminal = true
	}
	return nil
}

// BestChild returns the root child with the highest average reward, or
// the root when it has no children. Ties keep creation order.
func (t *Tree) BestChild() Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	root := t.nodes[t.rootID]
	best := root
	for _, id := range root.ChildIDs {
		c := t.nodes[id]
		if best == root || c.AverageReward > best.AverageReward {
			best = c
		}
	}
	return best.clone()
}

func annotate(text, strategy string) string {
	return text + "\n\nApproach: " + strategy
}
