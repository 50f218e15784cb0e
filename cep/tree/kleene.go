package tree

import (
	"fmt"
	"time"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
)

// kleeneNode iterates a single atom. It buffers the qualifying events
// and, on each arrival, lazily enumerates every ordered combination that
// ends with the new event, satisfies the inter-iteration predicate chain
// between consecutive picks, fits the window and respects the iteration
// bound. Enumerating only combinations containing the newest event keeps
// the overall emitted set free of duplicates.
type kleeneNode struct {
	baseNode
	child   int
	name    string
	buffer  Storage
	chain   *cep.Condition
	maxIter int
}

func (n *kleeneNode) Kind() plan.NodeKind { return plan.KindKleene }

func (n *kleeneNode) handlePartial(t *Tree, pm *cep.PatternMatch, from int) {
	now := pm.LastTimestamp
	n.advance(t, now)

	newEvent := pm.Events[0]

	// The buffer holds the prior qualifying events as length-1 partials,
	// ordered by timestamp then arrival.
	prior := n.buffer.All()
	elems := make([]*cep.Event, len(prior))
	for i, p := range prior {
		elems[i] = p.Events[0]
	}

	if !n.buffer.Add(pm) {
		return
	}
	t.register(pm)

	var chosen []*cep.Event
	var enumerate func(start int)
	enumerate = func(start int) {
		// Close the combination with the new event.
		if n.maxIter <= 0 || len(chosen)+1 <= n.maxIter {
			if ok := n.chainHolds(t, last(chosen), newEvent); ok {
				events := append(append([]*cep.Event{}, chosen...), newEvent)
				if newEvent.MaxTimestamp.Sub(events[0].MinTimestamp) <= n.window {
					t.propagate(n.idx, cep.NewPatternMatch(t.gen, events))
				}
			}
		}
		// Keep extending while room remains for the new event.
		if n.maxIter > 0 && len(chosen)+2 > n.maxIter {
			return
		}
		for i := start; i < len(elems); i++ {
			if !n.chainHolds(t, last(chosen), elems[i]) {
				continue
			}
			chosen = append(chosen, elems[i])
			enumerate(i + 1)
			chosen = chosen[:len(chosen)-1]
		}
	}
	enumerate(0)
}

func last(events []*cep.Event) *cep.Event {
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

// chainHolds evaluates the inter-iteration predicate between two
// consecutive picks. A nil previous event starts a chain.
func (n *kleeneNode) chainHolds(t *Tree, prev, next *cep.Event) bool {
	if prev == nil || n.chain == nil {
		return true
	}
	pass, err := n.chain.Eval(map[string]any{
		cep.KleenePrev: prev.Payload,
		cep.KleeneNext: next.Payload,
	})
	if err != nil {
		t.conditionError(err)
		return false
	}
	return pass
}

func (n *kleeneNode) advance(t *Tree, now time.Time) {
	for _, expired := range n.buffer.PruneOlderThan(now.Add(-n.window)) {
		t.unregister(expired)
	}
}

func (n *kleeneNode) dropPartial(t *Tree, partialID uint64) bool {
	return n.buffer.Remove(partialID) != nil
}

func (n *kleeneNode) storedCount() int {
	return n.buffer.Len()
}

func (n *kleeneNode) describe() (string, string) {
	detail := fmt.Sprintf("%s+", n.name)
	if n.maxIter > 0 {
		detail = fmt.Sprintf("%s{1,%d}", n.name, n.maxIter)
	}
	if n.chain != nil {
		detail += " chain " + n.chain.Source()
	}
	return detail, storageName(n.buffer)
}
