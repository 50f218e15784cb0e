package adaptive

import (
	"fmt"
	"time"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
)

// OptimizerKind selects a reoptimization-decision strategy.
type OptimizerKind int

const (
	// OptimizerTrivial reoptimizes on every statistics tick.
	OptimizerTrivial OptimizerKind = iota
	// OptimizerDeviationAware reoptimizes when a statistic kind drifts
	// beyond its tester's threshold.
	OptimizerDeviationAware
	// OptimizerInvariantsAware reoptimizes when a plan invariant breaks.
	OptimizerInvariantsAware
)

// ParseOptimizerKind maps a configuration tag to an optimizer kind.
func ParseOptimizerKind(tag string) (OptimizerKind, error) {
	switch tag {
	case "trivial":
		return OptimizerTrivial, nil
	case "deviation-aware":
		return OptimizerDeviationAware, nil
	case "invariants-aware":
		return OptimizerInvariantsAware, nil
	default:
		return 0, fmt.Errorf("%w: unknown optimizer %q", cep.ErrConfiguration, tag)
	}
}

// OptimizerParams configures optimizer construction.
type OptimizerParams struct {
	Kind OptimizerKind
	// Adaptive enables mid-stream reoptimization. When false the
	// optimizer only serves initial plan construction.
	Adaptive bool
	// StatisticsWindow is the event-time interval between statistics
	// ticks (and the decay window of the collector).
	StatisticsWindow time.Duration
	// DeviationThreshold parameterizes the deviation-aware testers.
	DeviationThreshold float64
	// Builder selects the plan construction algorithm driven by
	// statistics. The invariants-aware optimizer requires a builder that
	// emits invariants.
	Builder     plan.BuilderKind
	NegationAlg plan.NegationAlgorithm
}

// DefaultOptimizerParams mirrors the default configuration: a
// deviation-aware optimizer over a rate-ordered builder, not adaptive
// unless enabled.
func DefaultOptimizerParams() OptimizerParams {
	return OptimizerParams{
		Kind:               OptimizerDeviationAware,
		StatisticsWindow:   30 * time.Second,
		DeviationThreshold: 0.5,
		Builder:            plan.BuilderRateOrderedLeftDeep,
		NegationAlg:        plan.NegationNaive,
	}
}

// Optimizer decides when plan reconstruction should happen and delegates
// the how to its plan builder.
type Optimizer interface {
	// ShouldOptimize reports whether a reoptimization attempt is due.
	ShouldOptimize(stats *cep.Statistics, p *cep.Pattern) bool
	// BuildNewPlan constructs a plan from fresh statistics.
	BuildNewPlan(stats *cep.Statistics, p *cep.Pattern) (*plan.TreePlan, error)
	// BuildInitialPlan constructs the first plan: from the pattern's
	// shipped statistics when present, otherwise with the
	// statistics-free fallback builder.
	BuildInitialPlan(p *cep.Pattern) (*plan.TreePlan, error)
	// AdaptivityEnabled reports whether mid-stream reoptimization is on.
	AdaptivityEnabled() bool
}

// NewOptimizer creates an optimizer from its parameters.
func NewOptimizer(params OptimizerParams) (Optimizer, error) {
	builder, err := plan.NewBuilder(params.Builder, params.NegationAlg)
	if err != nil {
		return nil, err
	}
	fallback := &plan.TrivialLeftDeepBuilder{NegationAlg: params.NegationAlg}
	base := baseOptimizer{builder: builder, fallback: fallback, adaptive: params.Adaptive}

	switch params.Kind {
	case OptimizerTrivial:
		return &TrivialOptimizer{baseOptimizer: base}, nil

	case OptimizerDeviationAware:
		testers := map[cep.StatisticsKind]DeviationTester{}
		for _, kind := range []cep.StatisticsKind{cep.StatArrivalRates, cep.StatSelectivityMatrix} {
			tester, err := NewDeviationTester(kind, params.DeviationThreshold)
			if err != nil {
				return nil, err
			}
			testers[kind] = tester
		}
		return &StatisticsDeviationAwareOptimizer{baseOptimizer: base, testers: testers}, nil

	case OptimizerInvariantsAware:
		invariantBuilder, ok := builder.(plan.InvariantBuilder)
		if !ok {
			return nil, fmt.Errorf("%w: builder kind %d does not emit invariants", cep.ErrConfiguration, params.Builder)
		}
		return &InvariantsAwareOptimizer{baseOptimizer: base, builder: invariantBuilder}, nil

	default:
		return nil, fmt.Errorf("%w: unknown optimizer kind %d", cep.ErrConfiguration, params.Kind)
	}
}

// baseOptimizer carries the plan builders shared by all strategies.
type baseOptimizer struct {
	builder  plan.Builder
	fallback plan.Builder
	adaptive bool
}

// AdaptivityEnabled implements Optimizer.
func (o *baseOptimizer) AdaptivityEnabled() bool {
	return o.adaptive
}

func (o *baseOptimizer) buildInitial(p *cep.Pattern) (*plan.TreePlan, error) {
	if p.Statistics != nil {
		return o.builder.Build(p, p.Statistics)
	}
	return o.fallback.Build(p, nil)
}

// TrivialOptimizer always initiates plan reconstruction, ignoring the
// statistics.
type TrivialOptimizer struct {
	baseOptimizer
}

// ShouldOptimize implements Optimizer.
func (o *TrivialOptimizer) ShouldOptimize(stats *cep.Statistics, p *cep.Pattern) bool {
	return true
}

// BuildNewPlan implements Optimizer.
func (o *TrivialOptimizer) BuildNewPlan(stats *cep.Statistics, p *cep.Pattern) (*plan.TreePlan, error) {
	return o.builder.Build(p, stats)
}

// BuildInitialPlan implements Optimizer.
func (o *TrivialOptimizer) BuildInitialPlan(p *cep.Pattern) (*plan.TreePlan, error) {
	return o.buildInitial(p)
}

// StatisticsDeviationAwareOptimizer monitors drift of each statistic kind
// from the value observed at the last plan construction.
type StatisticsDeviationAwareOptimizer struct {
	baseOptimizer
	testers map[cep.StatisticsKind]DeviationTester
	prev    *cep.Statistics
}

// ShouldOptimize implements Optimizer.
func (o *StatisticsDeviationAwareOptimizer) ShouldOptimize(stats *cep.Statistics, p *cep.Pattern) bool {
	if o.prev == nil {
		return true
	}
	for _, tester := range o.testers {
		if tester.Deviated(stats, o.prev) {
			return true
		}
	}
	return false
}

// BuildNewPlan implements Optimizer.
func (o *StatisticsDeviationAwareOptimizer) BuildNewPlan(stats *cep.Statistics, p *cep.Pattern) (*plan.TreePlan, error) {
	tp, err := o.builder.Build(p, stats)
	if err != nil {
		return nil, err
	}
	o.prev = stats.Clone()
	return tp, nil
}

// BuildInitialPlan implements Optimizer.
func (o *StatisticsDeviationAwareOptimizer) BuildInitialPlan(p *cep.Pattern) (*plan.TreePlan, error) {
	tp, err := o.buildInitial(p)
	if err != nil {
		return nil, err
	}
	if p.Statistics != nil {
		o.prev = p.Statistics.Clone()
	}
	return tp, nil
}

// InvariantsAwareOptimizer reoptimizes when an invariant returned by the
// plan builder is violated by the fresh statistics.
type InvariantsAwareOptimizer struct {
	baseOptimizer
	builder    plan.InvariantBuilder
	invariants *plan.Invariants
}

// ShouldOptimize implements Optimizer.
func (o *InvariantsAwareOptimizer) ShouldOptimize(stats *cep.Statistics, p *cep.Pattern) bool {
	return o.invariants == nil || o.invariants.Violated(stats)
}

// BuildNewPlan implements Optimizer.
func (o *InvariantsAwareOptimizer) BuildNewPlan(stats *cep.Statistics, p *cep.Pattern) (*plan.TreePlan, error) {
	tp, invariants, err := o.builder.BuildWithInvariants(p, stats)
	if err != nil {
		return nil, err
	}
	o.invariants = invariants
	return tp, nil
}

// BuildInitialPlan implements Optimizer. A pattern without shipped
// statistics starts on the fallback plan with no invariants, so the first
// statistics tick reoptimizes.
func (o *InvariantsAwareOptimizer) BuildInitialPlan(p *cep.Pattern) (*plan.TreePlan, error) {
	if p.Statistics == nil {
		return o.fallback.Build(p, nil)
	}
	return o.BuildNewPlan(p.Statistics, p)
}
