package tree

import (
	"fmt"
	"strings"
	"time"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
)

// leafNode binds an event type to a variable name. It turns each
// accepted event into a length-1 partial match, stores it, and notifies
// its parents. Leaves expire their partials eagerly against the
// timestamp of the triggering event; time is event-driven throughout.
type leafNode struct {
	baseNode
	eventType  string
	name       string
	conditions []*cep.Condition
	storage    Storage
}

func newLeafNode(eventType, name string, conditions []*cep.Condition, window time.Duration, storage Storage) *leafNode {
	return &leafNode{
		baseNode:   newBaseNode(window),
		eventType:  eventType,
		name:       name,
		conditions: conditions,
		storage:    storage,
	}
}

func (n *leafNode) Kind() plan.NodeKind { return plan.KindLeaf }

// handleEvent feeds one arriving event of the leaf's type.
func (n *leafNode) handleEvent(t *Tree, e *cep.Event) {
	now := e.MaxTimestamp
	n.advance(t, now)

	env := map[string]any{n.name: e.Payload}
	for _, c := range n.conditions {
		pass, err := c.Eval(env)
		if err != nil {
			t.conditionError(err)
			return
		}
		if !pass {
			return
		}
	}

	pm := cep.NewPatternMatch(t.gen, []*cep.Event{e})
	if !n.storage.Add(pm) {
		return
	}
	t.register(pm)
	t.propagate(n.idx, pm)
}

func (n *leafNode) handlePartial(t *Tree, pm *cep.PatternMatch, from int) {
	// Leaves have no children; nothing propagates into them.
}

func (n *leafNode) advance(t *Tree, now time.Time) {
	for _, pm := range n.storage.PruneOlderThan(now.Add(-n.window)) {
		t.unregister(pm)
	}
}

func (n *leafNode) dropPartial(t *Tree, partialID uint64) bool {
	return n.storage.Remove(partialID) != nil
}

func (n *leafNode) storedCount() int {
	return n.storage.Len()
}

func (n *leafNode) describe() (string, string) {
	detail := fmt.Sprintf("%s %s", n.eventType, n.name)
	if len(n.conditions) > 0 {
		sources := make([]string, len(n.conditions))
		for i, c := range n.conditions {
			sources[i] = c.Source()
		}
		detail += " where " + strings.Join(sources, " and ")
	}
	return detail, storageName(n.storage)
}

func storageName(s Storage) string {
	switch st := s.(type) {
	case *sortedStorage:
		if st.attribute != "" {
			return "sorted by " + st.attribute
		}
		return "sorted by timestamp"
	default:
		return "unsorted"
	}
}
