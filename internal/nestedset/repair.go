// Package nestedset repairs the left/right/level bounds of trees stored as
// nested sets next to a materialized path.
//
// Recompute rebuilds the bounds from a depth-first ordering of the nodes in
// one linear pass. Repairer compares the result with the stored bounds and
// optionally writes back the nodes that differ.
package nestedset

import (
	"context"
	"fmt"
)

// Node is one tree node. Left, Right and Level hold the stored bounds on
// input and the recomputed ones on output. Level must reflect the node's
// depth (root 0); Left and Right may be arbitrary.
type Node struct {
	ID    any
	Left  int
	Right int
	Level int
	Scope any
	Path  string
	Sort  any
}

// Recompute assigns fresh bounds to root and its descendants.
//
// descendants must be in depth-first order: every node directly follows
// its previous sibling's subtree, or its parent. A node claiming to be more
// than one level deeper than its predecessor is placed exactly one level
// deeper. The returned slice holds root followed by the descendants in
// input order.
func Recompute(root Node, descendants []Node) []Node {
	out := make([]Node, 0, len(descendants)+1)

	bound := 1
	root.Left, root.Right, root.Level = bound, 0, 0
	out = append(out, root)

	// open[l] is the index in out of the open node at level l.
	open := []int{0}
	prev := 0

	for _, n := range descendants {
		level := n.Level
		if level > prev+1 {
			level = prev + 1
		}
		if level < 1 {
			level = 1
		}

		if level <= prev {
			for l := prev; l >= level; l-- {
				bound++
				out[open[l]].Right = bound
			}
		}
		open = open[:level]

		bound++
		n.Left, n.Right, n.Level = bound, 0, level
		out = append(out, n)
		open = append(open, len(out)-1)
		prev = level
	}

	for l := prev; l >= 0; l-- {
		bound++
		out[open[l]].Right = bound
	}
	return out
}

// Changed reports whether the recomputed bounds differ from the stored ones.
func Changed(stored, recomputed Node, compareLevel bool) bool {
	if stored.Left != recomputed.Left || stored.Right != recomputed.Right {
		return true
	}
	return compareLevel && stored.Level != recomputed.Level
}

// Updater persists recomputed bounds for one node.
type Updater interface {
	UpdateBounds(ctx context.Context, n Node) error
}

// Repairer recomputes trees and writes back corrections.
type Repairer struct {
	Updater Updater

	// IgnoreLevel skips level when deciding whether a node changed, for
	// trees that do not store a level.
	IgnoreLevel bool
}

// Repair recomputes the bounds of one tree and returns how many nodes
// differ from their stored bounds. With apply set, exactly those nodes are
// written through the Updater; a second run then reports zero.
func (r *Repairer) Repair(ctx context.Context, root Node, descendants []Node, apply bool) (int, error) {
	stored := make([]Node, 0, len(descendants)+1)
	stored = append(stored, root)
	stored = append(stored, descendants...)

	corrections := 0
	for i, n := range Recompute(root, descendants) {
		if !Changed(stored[i], n, !r.IgnoreLevel) {
			continue
		}
		corrections++
		if !apply {
			continue
		}
		if err := ctx.Err(); err != nil {
			return corrections, err
		}
		if err := r.Updater.UpdateBounds(ctx, n); err != nil {
			return corrections, fmt.Errorf("update node %v: %w", n.ID, err)
		}
	}
	return corrections, nil
}
