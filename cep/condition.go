package cep

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Names bound by a Kleene closure's inter-iteration condition. The
// condition is evaluated over every adjacent pair of the iterated events.
const (
	KleenePrev = "prev"
	KleeneNext = "next"
)

// Condition is a boolean predicate over one or more bound event names.
// The expression source uses the expr language; each referenced name
// resolves to the payload of the event bound to it, so "a.x < b.x"
// compares payload attribute x of the events bound to a and b.
//
// A nil *Condition is the always-true predicate.
type Condition struct {
	source  string
	names   []string
	program *vm.Program
}

// NewCondition compiles a predicate over the given bound names.
// Compilation failures are pattern errors.
func NewCondition(source string, names ...string) (*Condition, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: condition %q binds no names", ErrPattern, source)
	}
	program, err := expr.Compile(source, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: compiling condition %q: %v", ErrPattern, source, err)
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return &Condition{source: source, names: sorted, program: program}, nil
}

// Source returns the expression source text.
func (c *Condition) Source() string {
	if c == nil {
		return "true"
	}
	return c.source
}

// Names returns the bound names the condition ranges over, sorted.
func (c *Condition) Names() []string {
	if c == nil {
		return nil
	}
	return c.names
}

// Arity returns the number of bound names.
func (c *Condition) Arity() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}

// Eval runs the predicate against an environment mapping bound names to
// event payloads. A nil condition always passes.
func (c *Condition) Eval(env map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}
	result, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", c.source, err)
	}
	pass, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", c.source, result)
	}
	return pass, nil
}

// EvalEvents binds each event's payload under its map key and evaluates.
// Convenience for unary and pairwise predicates.
func (c *Condition) EvalEvents(events map[string]*Event) (bool, error) {
	if c == nil {
		return true, nil
	}
	env := make(map[string]any, len(events))
	for name, e := range events {
		env[name] = e.Payload
	}
	return c.Eval(env)
}

// Equal reports whether two conditions have the same source and names.
// Used by the multi-pattern mergers to decide leaf and subtree sharing.
func (c *Condition) Equal(other *Condition) bool {
	if c == nil || other == nil {
		return c == nil && other == nil
	}
	if c.source != other.source || len(c.names) != len(other.names) {
		return false
	}
	for i, n := range c.names {
		if other.names[i] != n {
			return false
		}
	}
	return true
}

// RangesOver reports whether every name the condition references is in the
// given name set.
func (c *Condition) RangesOver(names map[string]bool) bool {
	if c == nil {
		return true
	}
	for _, n := range c.names {
		if !names[n] {
			return false
		}
	}
	return true
}
