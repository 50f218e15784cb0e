package plan

import (
	"fmt"
	"sort"

	"github.com/martymichal/opencep/cep"
)

// MergeKind selects a multi-pattern plan sharing strategy.
type MergeKind int

const (
	// MergeNone keeps every pattern on its own plan.
	MergeNone MergeKind = iota
	// MergeShareLeaves unifies identical leaf atoms across plans.
	MergeShareLeaves
	// MergeSubtreeUnion unifies structurally identical subtrees.
	MergeSubtreeUnion
	// MergeLocalSearch explores commutative plan rewrites with a tabu
	// search to maximize subtree sharing, then unifies.
	MergeLocalSearch
)

// ParseMergeKind maps a configuration tag to a merge strategy.
func ParseMergeKind(tag string) (MergeKind, error) {
	switch tag {
	case "none":
		return MergeNone, nil
	case "share-leaves":
		return MergeShareLeaves, nil
	case "subtree-union":
		return MergeSubtreeUnion, nil
	case "local-search":
		return MergeLocalSearch, nil
	default:
		return 0, fmt.Errorf("%w: unknown multi-pattern merge %q", cep.ErrConfiguration, tag)
	}
}

// Merger fuses per-pattern plans into plans that share subtrees by
// pointer identity. The tree package instantiates one live node per
// distinct plan node, so shared pointers become a shared DAG.
type Merger interface {
	Merge(plans []*TreePlan) []*TreePlan
}

// NewMerger creates a merger for the given strategy.
func NewMerger(kind MergeKind) (Merger, error) {
	switch kind {
	case MergeNone:
		return nopMerger{}, nil
	case MergeShareLeaves:
		return &ShareLeavesMerger{}, nil
	case MergeSubtreeUnion:
		return &SubtreeUnionMerger{}, nil
	case MergeLocalSearch:
		return &LocalSearchMerger{Iterations: 32, TabuSize: 8}, nil
	default:
		return nil, fmt.Errorf("%w: unknown merge kind %d", cep.ErrConfiguration, kind)
	}
}

type nopMerger struct{}

func (nopMerger) Merge(plans []*TreePlan) []*TreePlan { return plans }

// ShareLeavesMerger unifies leaves with the same event type and the same
// leaf condition set.
type ShareLeavesMerger struct{}

// Merge implements Merger.
func (m *ShareLeavesMerger) Merge(plans []*TreePlan) []*TreePlan {
	canonical := map[string]*TreePlanNode{}
	for _, tp := range plans {
		tp.Root = rewrite(tp.Root, func(n *TreePlanNode) *TreePlanNode {
			if n.Kind != KindLeaf {
				return n
			}
			key := n.StructuralKey()
			if existing, ok := canonical[key]; ok {
				return existing
			}
			canonical[key] = n
			return n
		})
	}
	return plans
}

// SubtreeUnionMerger unifies every structurally identical subtree, leaves
// included.
type SubtreeUnionMerger struct{}

// Merge implements Merger.
func (m *SubtreeUnionMerger) Merge(plans []*TreePlan) []*TreePlan {
	canonical := map[string]*TreePlanNode{}
	for _, tp := range plans {
		tp.Root = rewrite(tp.Root, func(n *TreePlanNode) *TreePlanNode {
			key := n.StructuralKey()
			if existing, ok := canonical[key]; ok {
				return existing
			}
			canonical[key] = n
			return n
		})
	}
	return plans
}

// rewrite maps the plan bottom-up, letting fn substitute each node after
// its children were substituted.
func rewrite(n *TreePlanNode, fn func(*TreePlanNode) *TreePlanNode) *TreePlanNode {
	switch n.Kind {
	case KindAnd, KindSeq, KindNegation:
		n.Left = rewrite(n.Left, fn)
		n.Right = rewrite(n.Right, fn)
	case KindKleene:
		n.Child = rewrite(n.Child, fn)
	}
	return fn(n)
}

// LocalSearchMerger runs a tabu search over commutative conjunction
// rewrites, scoring each neighbor by the number of node instances saved
// when the rewritten plans are subtree-unioned.
type LocalSearchMerger struct {
	Iterations int
	TabuSize   int
}

// Merge implements Merger.
func (m *LocalSearchMerger) Merge(plans []*TreePlan) []*TreePlan {
	iterations := m.Iterations
	if iterations <= 0 {
		iterations = 32
	}
	tabuSize := m.TabuSize
	if tabuSize <= 0 {
		tabuSize = 8
	}

	bestScore := sharingScore(plans)
	best := snapshotOrientations(plans)
	tabu := map[string]int{}

	for iter := 0; iter < iterations; iter++ {
		moves := collectMoves(plans)
		if len(moves) == 0 {
			break
		}

		var chosen *move
		chosenScore := -1
		for i := range moves {
			mv := &moves[i]
			if expiry, banned := tabu[mv.key]; banned && expiry > iter {
				continue
			}
			mv.apply()
			score := sharingScore(plans)
			mv.apply() // swap back
			if score > chosenScore {
				chosen = mv
				chosenScore = score
			}
		}
		if chosen == nil {
			break
		}

		chosen.apply()
		tabu[chosen.key] = iter + tabuSize
		if chosenScore > bestScore {
			bestScore = chosenScore
			best = snapshotOrientations(plans)
		}
	}

	restoreOrientations(best)
	return (&SubtreeUnionMerger{}).Merge(plans)
}

// snapshotOrientations records every conjunction node's child order so the
// best configuration found can be restored after the search wanders off.
func snapshotOrientations(plans []*TreePlan) map[*TreePlanNode][2]*TreePlanNode {
	snapshot := map[*TreePlanNode][2]*TreePlanNode{}
	for _, tp := range plans {
		var walk func(n *TreePlanNode)
		walk = func(n *TreePlanNode) {
			switch n.Kind {
			case KindAnd:
				snapshot[n] = [2]*TreePlanNode{n.Left, n.Right}
				walk(n.Left)
				walk(n.Right)
			case KindSeq, KindNegation:
				walk(n.Left)
				walk(n.Right)
			case KindKleene:
				walk(n.Child)
			}
		}
		walk(tp.Root)
	}
	return snapshot
}

func restoreOrientations(snapshot map[*TreePlanNode][2]*TreePlanNode) {
	for node, children := range snapshot {
		node.Left, node.Right = children[0], children[1]
	}
}

// move swaps the operands of one commutative node.
type move struct {
	node *TreePlanNode
	key  string
}

func (m *move) apply() {
	m.node.Left, m.node.Right = m.node.Right, m.node.Left
}

func collectMoves(plans []*TreePlan) []move {
	var moves []move
	seen := map[*TreePlanNode]bool{}
	for planIdx, tp := range plans {
		var walk func(n *TreePlanNode)
		walk = func(n *TreePlanNode) {
			if seen[n] {
				return
			}
			seen[n] = true
			switch n.Kind {
			case KindAnd:
				// AND is commutative; swapping operands preserves the
				// detected match set.
				moves = append(moves, move{
					node: n,
					key:  fmt.Sprintf("%d/%s", planIdx, n.StructuralKey()),
				})
				walk(n.Left)
				walk(n.Right)
			case KindSeq, KindNegation:
				walk(n.Left)
				walk(n.Right)
			case KindKleene:
				walk(n.Child)
			}
		}
		walk(tp.Root)
	}
	return moves
}

// sharingScore counts how many node instances a subtree union would save:
// occurrences beyond the first of each structural key.
func sharingScore(plans []*TreePlan) int {
	counts := map[string]int{}
	for _, tp := range plans {
		var walk func(n *TreePlanNode)
		walk = func(n *TreePlanNode) {
			counts[n.StructuralKey()]++
			switch n.Kind {
			case KindAnd, KindSeq, KindNegation:
				walk(n.Left)
				walk(n.Right)
			case KindKleene:
				walk(n.Child)
			}
		}
		walk(tp.Root)
	}

	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	saved := 0
	for _, key := range keys {
		saved += counts[key] - 1
	}
	return saved
}
