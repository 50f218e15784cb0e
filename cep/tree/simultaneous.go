package tree

import (
	"time"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
	"github.com/martymichal/opencep/cep/stream"
)

// SimultaneousTreeMechanism keeps the previous tree alive for one window
// after a reoptimization. Every event feeds both trees; their matches
// are unioned and de-duplicated by event-set equality, so no match
// within the overlap is lost across the swap. Once event time passes
// the deadline the old tree is discarded.
type SimultaneousTreeMechanism struct {
	*treeMechanism

	oldTree  *Tree
	deadline time.Time
	seen     map[string]bool
}

// Eval implements EvaluationMechanism.
func (m *SimultaneousTreeMechanism) Eval(in stream.InputStream, out stream.OutputStream, formatter stream.DataFormatter) error {
	return m.evalLoop(in, out, formatter, m)
}

func (m *SimultaneousTreeMechanism) processEvent(e *cep.Event) []*cep.PatternMatch {
	now := e.MaxTimestamp
	if m.oldTree != nil && now.After(m.deadline) {
		m.retire()
	}

	m.tree.OnEvent(e)
	if m.oldTree != nil {
		m.oldTree.OnEvent(e)
	}
	matches := m.union(m.tree.Matches(), m.collectOld())

	if tp := m.handleStatistics(e); tp != nil {
		m.swap(tp, now)
	}

	m.shedIfPressed(m.tree)
	if m.oldTree != nil {
		m.shedIfPressed(m.oldTree)
	}
	return matches
}

// swap installs the new tree and keeps the old one running until one
// window of event time has passed.
func (m *SimultaneousTreeMechanism) swap(tp *plan.TreePlan, now time.Time) {
	newTree, err := m.buildTree([]*plan.TreePlan{tp})
	if err != nil {
		m.log.Error().Err(err).Msg("tree reconstruction failed")
		return
	}
	if m.oldTree != nil {
		// A second swap inside the overlap retires the older tree.
		m.retire()
	}
	m.oldTree = m.tree
	m.tree = newTree
	m.deadline = now.Add(m.oldTree.Window())
	m.seen = map[string]bool{}
}

func (m *SimultaneousTreeMechanism) retire() {
	m.oldTree = nil
	m.seen = nil
}

func (m *SimultaneousTreeMechanism) collectOld() []*cep.PatternMatch {
	if m.oldTree == nil {
		return nil
	}
	return m.oldTree.Matches()
}

// union merges the two trees' matches, dropping duplicates by match key.
// Outside an overlap the new tree's matches pass through untouched.
func (m *SimultaneousTreeMechanism) union(fresh, old []*cep.PatternMatch) []*cep.PatternMatch {
	if m.seen == nil {
		return append(fresh, old...)
	}
	var out []*cep.PatternMatch
	for _, pm := range append(fresh, old...) {
		key := pm.Key()
		if m.seen[key] {
			continue
		}
		m.seen[key] = true
		out = append(out, pm)
	}
	return out
}

func (m *SimultaneousTreeMechanism) drain() []*cep.PatternMatch {
	fresh := m.tree.Drain()
	var old []*cep.PatternMatch
	if m.oldTree != nil {
		old = m.oldTree.Drain()
	}
	return m.union(fresh, old)
}
