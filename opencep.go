// Package opencep wraps the engine behind a small facade: it accepts the
// desired workload (the patterns to be evaluated) and the settings
// defining the evaluation mechanism, the optimization policy and the
// parallelization, then processes event streams and detects pattern
// matches.
package opencep

import (
	"time"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/parallel"
	"github.com/martymichal/opencep/cep/stream"
	"github.com/martymichal/opencep/cep/tree"
)

// Convenience aliases so simple embedders only import this package.
type (
	Pattern         = cep.Pattern
	PatternOperator = cep.PatternOperator
	Condition       = cep.Condition
	Event           = cep.Event
	PatternMatch    = cep.PatternMatch
	Statistics      = cep.Statistics
)

// Re-exported pattern structure constructors.
var (
	AtomOf = cep.AtomOf
	Seq    = cep.Seq
	And    = cep.And
	Or     = cep.Or
	Neg    = cep.Neg
	Kleene = cep.Kleene

	NewPattern   = cep.NewPattern
	NewCondition = cep.NewCondition
)

// CEP wraps the engine responsible for actual processing.
type CEP struct {
	manager parallel.EvaluationManager
}

// New builds an engine for the workload. Nil parameter structs select the
// defaults: a sequential manager around a trivially updated tree.
func New(patterns []*cep.Pattern, mechParams *tree.MechanismParams, parallelParams *parallel.Params) (*CEP, error) {
	mp := tree.DefaultMechanismParams()
	if mechParams != nil {
		mp = *mechParams
	}
	pp := parallel.Params{Mode: parallel.ModeSequential}
	if parallelParams != nil {
		pp = *parallelParams
	}

	manager, err := parallel.NewEvaluationManager(patterns, mp, pp)
	if err != nil {
		return nil, err
	}
	return &CEP{manager: manager}, nil
}

// Run applies the evaluation mechanism to detect the patterns in the
// given stream of events, blocking until the input drains. Returns the
// total time elapsed during evaluation.
func (c *CEP) Run(events stream.InputStream, matches stream.OutputStream, formatter stream.DataFormatter) (time.Duration, error) {
	start := time.Now()
	err := c.manager.Eval(events, matches, formatter)
	return time.Since(start), err
}

// Stop requests termination before the next event is pulled.
func (c *CEP) Stop() {
	c.manager.Stop()
}

// StructureSummary renders the structure of the underlying evaluation
// mechanism.
func (c *CEP) StructureSummary() string {
	return c.manager.StructureSummary()
}
