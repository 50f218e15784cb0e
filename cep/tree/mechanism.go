package tree

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/adaptive"
	"github.com/martymichal/opencep/cep/metrics"
	"github.com/martymichal/opencep/cep/plan"
	"github.com/martymichal/opencep/cep/stream"
)

// MechanismType selects the evaluation mechanism family. Only the
// tree-based mechanism exists today; the tag is parsed so configuration
// surfaces a clear error on anything else.
type MechanismType int

const (
	MechanismTreeBased MechanismType = iota
)

// ParseMechanismType maps a configuration tag to a mechanism type.
func ParseMechanismType(tag string) (MechanismType, error) {
	if tag == "tree-based" {
		return MechanismTreeBased, nil
	}
	return 0, fmt.Errorf("%w: unknown evaluation mechanism type %q", cep.ErrConfiguration, tag)
}

// UpdateType selects how a reoptimized tree replaces the running one.
type UpdateType int

const (
	// UpdateTrivial swaps in the new tree and replays the trailing
	// window's events into it, so in-flight partial matches are rebuilt;
	// matches the replay re-derives are discarded.
	UpdateTrivial UpdateType = iota
	// UpdateSimultaneous runs old and new trees side by side for one
	// window, unioning their matches, then discards the old tree.
	UpdateSimultaneous
)

// ParseUpdateType maps a configuration tag to an update type.
func ParseUpdateType(tag string) (UpdateType, error) {
	switch tag {
	case "trivial":
		return UpdateTrivial, nil
	case "simultaneous":
		return UpdateSimultaneous, nil
	default:
		return 0, fmt.Errorf("%w: unknown tree update type %q", cep.ErrConfiguration, tag)
	}
}

// MechanismParams bundles everything evaluation mechanism construction
// needs.
type MechanismParams struct {
	Type       MechanismType
	UpdateType UpdateType
	Storage    StorageParams
	Optimizer  adaptive.OptimizerParams
	// Merge selects the multi-pattern plan sharing strategy.
	Merge plan.MergeKind
	// ShedThreshold caps concurrently active partial matches; zero
	// disables shedding. ShedTarget is the count to free per shed.
	ShedThreshold int
	ShedTarget    int
	// Gen, when set, shares a partial-id generator across sibling
	// mechanisms (parallel workers). A fresh one is created otherwise.
	Gen    *cep.IDGenerator
	Logger zerolog.Logger
	Sink   *metrics.Sink
}

// DefaultMechanismParams returns the default configuration: a trivial
// update, unsorted de-duplicating storage, no shedding, silent logging.
func DefaultMechanismParams() MechanismParams {
	return MechanismParams{
		Type:       MechanismTreeBased,
		UpdateType: UpdateTrivial,
		Storage:    DefaultStorageParams(),
		Optimizer:  adaptive.DefaultOptimizerParams(),
		Merge:      plan.MergeShareLeaves,
		ShedTarget: 1,
		Logger:     zerolog.Nop(),
		Sink:       metrics.Nop(),
	}
}

// EvaluationMechanism processes an input stream against its patterns and
// pushes rendered matches to an output stream.
type EvaluationMechanism interface {
	// Eval runs until end-of-stream or Stop, then drains pending
	// matches and closes the output stream.
	Eval(in stream.InputStream, out stream.OutputStream, formatter stream.DataFormatter) error
	// Stop requests termination; it is observed before the next event
	// is pulled, and in-flight event processing always completes.
	Stop()
	// StructureSummary renders the current tree structure.
	StructureSummary() string
}

// NewEvaluationMechanism builds the tree-based mechanism for a workload.
// Disjunctions are split, initial plans are built per pattern, plans are
// merged in multi-pattern mode, and the resulting tree is wrapped in the
// configured update strategy.
func NewEvaluationMechanism(patterns []*cep.Pattern, params MechanismParams) (EvaluationMechanism, error) {
	if params.Type != MechanismTreeBased {
		return nil, fmt.Errorf("%w: unknown evaluation mechanism type %d", cep.ErrConfiguration, params.Type)
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: no patterns", cep.ErrConfiguration)
	}

	actual := cep.PreprocessPatterns(patterns)
	if params.Optimizer.Adaptive && len(actual) > 1 {
		return nil, fmt.Errorf("%w: adaptivity works with single-pattern workloads only", cep.ErrConfiguration)
	}

	optimizer, err := adaptive.NewOptimizer(params.Optimizer)
	if err != nil {
		return nil, err
	}

	collector := adaptive.NewStatisticsCollector(params.Optimizer.StatisticsWindow)
	for _, p := range actual {
		collector.Seed(p.Statistics)
	}

	plans := make([]*plan.TreePlan, 0, len(actual))
	for _, p := range actual {
		tp, err := optimizer.BuildInitialPlan(p)
		if err != nil {
			return nil, err
		}
		plans = append(plans, tp)
	}

	if len(plans) > 1 {
		merger, err := plan.NewMerger(params.Merge)
		if err != nil {
			return nil, err
		}
		plans = merger.Merge(plans)
	}

	if params.Gen == nil {
		params.Gen = cep.NewIDGenerator()
	}
	if params.Sink == nil {
		params.Sink = metrics.Nop()
	}

	base := &treeMechanism{
		params:    params,
		patterns:  actual,
		optimizer: optimizer,
		collector: collector,
		gen:       params.Gen,
		log:       params.Logger,
		sink:      params.Sink,
	}
	base.tree, err = base.buildTree(plans)
	if err != nil {
		return nil, err
	}

	switch params.UpdateType {
	case UpdateTrivial:
		return &TrivialTreeMechanism{treeMechanism: base}, nil
	case UpdateSimultaneous:
		return &SimultaneousTreeMechanism{treeMechanism: base}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tree update type %d", cep.ErrConfiguration, params.UpdateType)
	}
}

// treeMechanism carries the per-event loop shared by both update
// strategies.
type treeMechanism struct {
	params    MechanismParams
	patterns  []*cep.Pattern
	tree      *Tree
	optimizer adaptive.Optimizer
	collector *adaptive.StatisticsCollector
	gen       *cep.IDGenerator

	lastOptimized time.Time
	droppedRows   uint64
	stopped       atomic.Bool

	log  zerolog.Logger
	sink *metrics.Sink
}

// strategy is the part each update type supplies.
type strategy interface {
	processEvent(e *cep.Event) []*cep.PatternMatch
	drain() []*cep.PatternMatch
}

func (m *treeMechanism) buildTree(plans []*plan.TreePlan) (*Tree, error) {
	var collector *adaptive.StatisticsCollector
	if m.optimizer.AdaptivityEnabled() {
		collector = m.collector
	}
	return NewTree(plans, m.params.Storage, m.gen, collector, m.log)
}

// Stop implements EvaluationMechanism.
func (m *treeMechanism) Stop() {
	m.stopped.Store(true)
}

// StructureSummary implements EvaluationMechanism.
func (m *treeMechanism) StructureSummary() string {
	return m.tree.StructureSummary()
}

// evalLoop pulls events until end-of-stream or stop, processing each to
// completion before admitting the next, then drains and closes out.
func (m *treeMechanism) evalLoop(in stream.InputStream, out stream.OutputStream,
	formatter stream.DataFormatter, s strategy) error {
	for !m.stopped.Load() {
		raw, ok := in.Next()
		if !ok {
			break
		}
		e, err := formatter.Parse(raw)
		if err != nil {
			// Runtime data errors drop the row and continue.
			m.droppedRows++
			m.sink.IncrementCounter(metrics.DroppedRows, 0)
			m.log.Warn().Err(err).Msg("dropped undecodable row")
			continue
		}

		started := time.Now()
		matches := s.processEvent(e)
		m.sink.MarkHistPoint(metrics.EventProcessingLatency, time.Since(started).Nanoseconds(),
			"event_type", e.Type, 0)
		m.sink.IncrementCounter(metrics.ProcessedEvents, 0)

		m.flush(out, matches)
	}

	m.flush(out, s.drain())
	out.Close()
	m.log.Info().Uint64("dropped_rows", m.droppedRows).Msg("evaluation drained")
	return nil
}

func (m *treeMechanism) flush(out stream.OutputStream, matches []*cep.PatternMatch) {
	for _, pm := range matches {
		m.sink.IncrementCounter(metrics.DetectedMatches, 0)
		out.Put(pm.String())
	}
}

// handleStatistics folds the event into the estimators and returns the
// rebuilt plan when a reoptimization is due (the statistics window has
// elapsed in event time and the optimizer asks for one), nil otherwise.
func (m *treeMechanism) handleStatistics(e *cep.Event) *plan.TreePlan {
	m.collector.HandleEvent(e)
	if !m.optimizer.AdaptivityEnabled() {
		return nil
	}

	now := e.MaxTimestamp
	if m.lastOptimized.IsZero() {
		m.lastOptimized = now
		return nil
	}
	if now.Sub(m.lastOptimized) < m.params.Optimizer.StatisticsWindow {
		return nil
	}
	m.lastOptimized = now

	stats := m.collector.Statistics()
	p := m.patterns[0]
	if !m.optimizer.ShouldOptimize(stats, p) {
		return nil
	}

	tp, err := m.optimizer.BuildNewPlan(stats, p)
	if err != nil {
		// A failed rebuild keeps the running tree.
		m.log.Error().Err(err).Msg("plan reconstruction failed")
		return nil
	}
	m.sink.IncrementCounter(metrics.Reoptimizations, 0)
	m.log.Info().Time("event_time", now).Msg("reoptimizing evaluation tree")
	return tp
}

// shedIfPressed sheds from the tree when the active-state budget is
// exceeded.
func (m *treeMechanism) shedIfPressed(t *Tree) {
	if m.params.ShedThreshold <= 0 {
		return
	}
	if t.ActivePartials() <= m.params.ShedThreshold {
		return
	}
	target := m.params.ShedTarget
	if target <= 0 {
		target = 1
	}
	freed := t.Shed(target)
	for range freed {
		m.sink.IncrementCounter(metrics.ShedPartials, 0)
	}
}
