package tree

import (
	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
	"github.com/martymichal/opencep/cep/stream"
)

// TrivialTreeMechanism swaps the running tree outright on
// reoptimization. The events of the last window are replayed into the
// new tree so in-flight partial matches are reconstructed; matches the
// replay re-derives are discarded, since the old tree already emitted
// them. Everything the old tree detected is therefore emitted before
// anything the new tree adds.
type TrivialTreeMechanism struct {
	*treeMechanism

	// recent buffers the events of the trailing window for replay.
	recent []*cep.Event
}

// Eval implements EvaluationMechanism.
func (m *TrivialTreeMechanism) Eval(in stream.InputStream, out stream.OutputStream, formatter stream.DataFormatter) error {
	return m.evalLoop(in, out, formatter, m)
}

func (m *TrivialTreeMechanism) processEvent(e *cep.Event) []*cep.PatternMatch {
	m.remember(e)
	m.tree.OnEvent(e)
	matches := m.tree.Matches()

	if tp := m.handleStatistics(e); tp != nil {
		m.swap(tp)
	}

	m.shedIfPressed(m.tree)
	return matches
}

// remember appends the event and drops everything that fell out of the
// window; older events cannot contribute to any future match.
func (m *TrivialTreeMechanism) remember(e *cep.Event) {
	cutoff := e.MaxTimestamp.Add(-m.tree.Window())
	kept := m.recent[:0]
	for _, old := range m.recent {
		if !old.MaxTimestamp.Before(cutoff) {
			kept = append(kept, old)
		}
	}
	m.recent = append(kept, e)
}

// swap builds the new tree and replays the trailing window into it.
func (m *TrivialTreeMechanism) swap(tp *plan.TreePlan) {
	newTree, err := m.buildTree([]*plan.TreePlan{tp})
	if err != nil {
		m.log.Error().Err(err).Msg("tree reconstruction failed")
		return
	}
	for _, e := range m.recent {
		newTree.OnEvent(e)
	}
	// Replay-derived matches were already emitted by the old tree.
	newTree.Matches()
	m.tree = newTree
}

func (m *TrivialTreeMechanism) drain() []*cep.PatternMatch {
	return m.tree.Drain()
}
