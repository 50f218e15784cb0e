package tree

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
)

// negationNode wraps a positive subtree and a negated one. A candidate
// from the positive side with first timestamp t0 is released upward only
// when no negative match lands inside [t0, t0+W]; candidates are held
// until event time passes t0+W, since an arriving negative may still
// suppress them. The plan builder decides where in the tree the node
// sits; the node honors whatever position it was given.
type negationNode struct {
	baseNode
	positiveChild int
	negativeChild int
	positiveNames []string
	negativeName  string

	pending    Storage
	negatives  Storage
	conditions []*cep.Condition
	alg        plan.NegationAlgorithm
}

func (n *negationNode) Kind() plan.NodeKind { return plan.KindNegation }

func (n *negationNode) handlePartial(t *Tree, pm *cep.PatternMatch, from int) {
	if from == n.negativeChild {
		if !n.negatives.Add(pm) {
			return
		}
		t.register(pm)
		// A late negative retro-suppresses held candidates.
		n.suppress(t, pm)
		return
	}

	if n.suppressedBy(t, pm) {
		return
	}
	if !n.pending.Add(pm) {
		return
	}
	t.register(pm)
}

// suppress drops every held candidate the new negative invalidates.
func (n *negationNode) suppress(t *Tree, negative *cep.PatternMatch) {
	for _, candidate := range n.pending.All() {
		kill, err := n.invalidates(candidate, negative)
		if err != nil {
			t.conditionError(err)
			continue
		}
		if kill {
			n.pending.Remove(candidate.PartialID)
			t.unregister(candidate)
		}
	}
}

// suppressedBy scans the stored negatives against a fresh candidate.
func (n *negationNode) suppressedBy(t *Tree, candidate *cep.PatternMatch) bool {
	for _, negative := range n.negatives.All() {
		kill, err := n.invalidates(candidate, negative)
		if err != nil {
			t.conditionError(err)
			continue
		}
		if kill {
			return true
		}
	}
	return false
}

// invalidates reports whether a negative match suppresses a candidate:
// it must land inside the candidate's window and satisfy every condition
// relating the two.
func (n *negationNode) invalidates(candidate, negative *cep.PatternMatch) (bool, error) {
	windowEnd := candidate.FirstTimestamp.Add(n.window)
	if negative.LastTimestamp.Before(candidate.FirstTimestamp) || negative.FirstTimestamp.After(windowEnd) {
		return false, nil
	}
	if len(n.conditions) == 0 {
		return true, nil
	}

	env := map[string]any{}
	bindSide(env, n.positiveNames, candidate)
	env[n.negativeName] = negative.Events[0].Payload
	for _, c := range n.conditions {
		pass, err := c.Eval(env)
		if err != nil {
			return false, err
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// advance releases candidates whose suppression window has fully passed
// and evicts expired negatives.
func (n *negationNode) advance(t *Tree, now time.Time) {
	for _, expired := range n.negatives.PruneOlderThan(now.Add(-n.window)) {
		t.unregister(expired)
	}
	n.release(t, now, false)
}

// drain releases every remaining candidate at end-of-stream.
func (n *negationNode) drain(t *Tree) {
	n.release(t, time.Time{}, true)
}

func (n *negationNode) release(t *Tree, now time.Time, all bool) {
	var ready []*cep.PatternMatch
	for _, candidate := range n.pending.All() {
		if all || now.After(candidate.FirstTimestamp.Add(n.window)) {
			ready = append(ready, candidate)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].FirstTimestamp.Equal(ready[j].FirstTimestamp) {
			return ready[i].FirstTimestamp.Before(ready[j].FirstTimestamp)
		}
		return ready[i].PartialID < ready[j].PartialID
	})
	for _, candidate := range ready {
		n.pending.Remove(candidate.PartialID)
		t.propagate(n.idx, candidate)
	}
}

func (n *negationNode) dropPartial(t *Tree, partialID uint64) bool {
	dropped := n.pending.Remove(partialID) != nil
	if n.negatives.Remove(partialID) != nil {
		dropped = true
	}
	return dropped
}

func (n *negationNode) storedCount() int {
	return n.pending.Len() + n.negatives.Len()
}

func (n *negationNode) describe() (string, string) {
	detail := fmt.Sprintf("%s unless %s", strings.Join(n.positiveNames, ","), n.negativeName)
	if len(n.conditions) > 0 {
		sources := make([]string, len(n.conditions))
		for i, c := range n.conditions {
			sources[i] = c.Source()
		}
		detail += " on " + strings.Join(sources, " and ")
	}
	return detail, storageName(n.pending)
}
