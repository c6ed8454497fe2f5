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

import "math"

// UCB1 scores a child for selection.
//
// Description:
//
//	UCB1 = average + c * sqrt(ln(parentVisits) / childVisits)
//
//	An unvisited child scores +Inf so it is always chosen before any
//	visited sibling, whatever c is.
func UCB1(average float64, childVisits, parentVisits int, c float64) float64 {
	if childVisits == 0 {
		return math.Inf(1)
	}
	if parentVisits < 1 {
		parentVisits = 1
	}
	return average + c*math.Sqrt(math.Log(float64(parentVisits))/float64(childVisits))
}

// selectLeaf walks from the root while the current node is fully expanded,
// non-terminal and has children, descending to the UCB1-best child.
// Children in skip are not candidates.
//
// Outputs:
//   - string: The selected node id, or "" when every candidate below a
//     fully expanded node is skipped.
//
// Must be called with t.mu held.
func (t *Tree) selectLeaf(c float64, skip map[string]bool) string {
	n := t.nodes[t.rootID]
	for !n.Terminal && n.FullyExpanded() && len(n.ChildIDs) > 0 {
		var best *Node
		bestScore := math.Inf(-1)
		for _, id := range n.ChildIDs {
			if skip[id] {
				continue
			}
			child := t.nodes[id]
			score := UCB1(child.AverageReward, child.Visits, n.Visits, c)
			if best == nil || score > bestScore {
				best, bestScore = child, score
			}
		}
		if best == nil {
			return ""
		}
		n = best
	}
	return n.ID
}

// Select returns the id of the node the next iteration should work on.
func (t *Tree) Select(c float64) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selectLeaf(c, nil)
}

func (t *Tree) selectExcluding(c float64, skip map[string]bool) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selectLeaf(c, skip)
}

// expandable reports whether id may be expanded: it has untried actions,
// is not terminal and has been visited at least once.
func (t *Tree) expandable(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return ok && !n.Terminal && !n.FullyExpanded() && n.Visits >= 1
}
