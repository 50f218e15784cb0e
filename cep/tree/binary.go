package tree

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
)

// binaryNode joins the partial matches of two children under AND or SEQ
// semantics. Each side keeps its own storage; a new partial on one side
// prunes the opposite side against the window, then probes it for join
// candidates.
type binaryNode struct {
	baseNode
	kind       plan.NodeKind
	leftChild  int
	rightChild int
	leftNames  []string
	rightNames []string

	leftStorage  Storage
	rightStorage Storage
	conditions   []*cep.Condition

	// First event types of each side, for selectivity sampling.
	leftType  string
	rightType string
}

func (n *binaryNode) Kind() plan.NodeKind { return n.kind }

func (n *binaryNode) handlePartial(t *Tree, pm *cep.PatternMatch, from int) {
	fromLeft := from == n.leftChild

	own, opposite := n.leftStorage, n.rightStorage
	if !fromLeft {
		own, opposite = n.rightStorage, n.leftStorage
	}

	if !own.Add(pm) {
		return
	}
	t.register(pm)

	// Prune the opposite side before probing it.
	cutoff := pm.LastTimestamp.Add(-n.window)
	for _, expired := range opposite.PruneOlderThan(cutoff) {
		t.unregister(expired)
	}

	// Collect passing combinations, then emit them in deterministic
	// order: ascending first timestamp, then ascending partial id.
	var merged []*cep.PatternMatch
	for _, candidate := range opposite.All() {
		left, right := pm, candidate
		if !fromLeft {
			left, right = candidate, pm
		}
		if m := n.tryMerge(t, left, right); m != nil {
			merged = append(merged, m)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].FirstTimestamp.Equal(merged[j].FirstTimestamp) {
			return merged[i].FirstTimestamp.Before(merged[j].FirstTimestamp)
		}
		return merged[i].PartialID < merged[j].PartialID
	})
	for _, m := range merged {
		t.propagate(n.idx, m)
	}
}

// tryMerge combines a left and a right partial match, applying ordering,
// join predicate and window constraints. Returns nil when any fails.
func (n *binaryNode) tryMerge(t *Tree, left, right *cep.PatternMatch) *cep.PatternMatch {
	// SEQ demands non-overlapping sides in declared order.
	if n.kind == plan.KindSeq && right.FirstTimestamp.Before(left.LastTimestamp) {
		return nil
	}

	first, last := left.FirstTimestamp, left.LastTimestamp
	if right.FirstTimestamp.Before(first) {
		first = right.FirstTimestamp
	}
	if right.LastTimestamp.After(last) {
		last = right.LastTimestamp
	}
	if last.Sub(first) > n.window {
		return nil
	}

	pass, err := n.evalConditions(left, right)
	if err != nil {
		t.conditionError(err)
		return nil
	}
	t.sampleJoin(n.leftType, n.rightType, pass)
	if !pass {
		return nil
	}

	events := make([]*cep.Event, 0, len(left.Events)+len(right.Events))
	events = append(events, left.Events...)
	events = append(events, right.Events...)
	return cep.NewPatternMatch(t.gen, events)
}

func (n *binaryNode) evalConditions(left, right *cep.PatternMatch) (bool, error) {
	if len(n.conditions) == 0 {
		return true, nil
	}

	env := map[string]any{}
	bindSide(env, n.leftNames, left)
	bindSide(env, n.rightNames, right)

	for _, c := range n.conditions {
		pass, err := c.Eval(env)
		if err != nil || !pass {
			return false, err
		}
	}
	return true, nil
}

// bindSide maps a side's declared names onto its partial match's events.
// Event order within a partial match follows the side's name order by
// construction.
func bindSide(env map[string]any, names []string, pm *cep.PatternMatch) {
	for i, name := range names {
		if i < len(pm.Events) {
			env[name] = pm.Events[i].Payload
		}
	}
}

func (n *binaryNode) advance(t *Tree, now time.Time) {
	cutoff := now.Add(-n.window)
	for _, expired := range n.leftStorage.PruneOlderThan(cutoff) {
		t.unregister(expired)
	}
	for _, expired := range n.rightStorage.PruneOlderThan(cutoff) {
		t.unregister(expired)
	}
}

func (n *binaryNode) dropPartial(t *Tree, partialID uint64) bool {
	dropped := n.leftStorage.Remove(partialID) != nil
	if n.rightStorage.Remove(partialID) != nil {
		dropped = true
	}
	return dropped
}

func (n *binaryNode) storedCount() int {
	return n.leftStorage.Len() + n.rightStorage.Len()
}

func (n *binaryNode) describe() (string, string) {
	detail := fmt.Sprintf("%s ⨝ %s", strings.Join(n.leftNames, ","), strings.Join(n.rightNames, ","))
	if len(n.conditions) > 0 {
		sources := make([]string, len(n.conditions))
		for i, c := range n.conditions {
			sources[i] = c.Source()
		}
		detail += " on " + strings.Join(sources, " and ")
	}
	return detail, storageName(n.leftStorage)
}
