package tree

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
)

// Node is a live operator node. Nodes live in the tree's arena and refer
// to each other by stable indices; a node shared between patterns has
// several parents, forming a DAG.
type Node interface {
	Kind() plan.NodeKind

	// index bookkeeping
	setIndex(idx int)
	index() int
	attachParent(parent int)
	parents() []int

	// PatternIDs returns the ids of the patterns the node is live for.
	PatternIDs() mapset.Set[int]
	addPatternID(id int)

	// handlePartial accepts a new partial match propagated from the
	// child at index from.
	handlePartial(t *Tree, pm *cep.PatternMatch, from int)

	// advance moves the node's event clock forward, evicting expired
	// state and releasing anything whose verdict is settled.
	advance(t *Tree, now time.Time)

	// dropPartial discards a shed partial match by id.
	dropPartial(t *Tree, partialID uint64) bool

	// storedCount reports the partial matches currently held.
	storedCount() int

	// describe returns summary columns: operator detail and storage
	// policy.
	describe() (detail, storage string)
}

// baseNode carries the bookkeeping common to all node kinds.
type baseNode struct {
	idx        int
	parentIdxs []int
	patternIDs mapset.Set[int]
	window     time.Duration
}

func newBaseNode(window time.Duration) baseNode {
	return baseNode{idx: -1, patternIDs: mapset.NewThreadUnsafeSet[int](), window: window}
}

func (n *baseNode) setIndex(idx int) { n.idx = idx }
func (n *baseNode) index() int       { return n.idx }

func (n *baseNode) attachParent(parent int) {
	for _, p := range n.parentIdxs {
		if p == parent {
			return
		}
	}
	n.parentIdxs = append(n.parentIdxs, parent)
}

func (n *baseNode) parents() []int { return n.parentIdxs }

func (n *baseNode) PatternIDs() mapset.Set[int] { return n.patternIDs }

func (n *baseNode) addPatternID(id int) {
	n.patternIDs.Add(id)
	// A node shared between patterns retains state for the widest window
	// among them; pattern-specific windows are re-checked at the roots.
}

// growWindow widens the retention window of a shared node.
func (n *baseNode) growWindow(window time.Duration) {
	if window > n.window {
		n.window = window
	}
}
