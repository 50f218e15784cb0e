package plan

import (
	"fmt"
	"sort"

	"github.com/martymichal/opencep/cep"
)

// BuilderKind selects a tree plan construction algorithm.
type BuilderKind int

const (
	// BuilderTrivialLeftDeep chains atoms left-deep in declaration order.
	// It needs no statistics and serves as the initial-plan fallback.
	BuilderTrivialLeftDeep BuilderKind = iota
	// BuilderRateOrderedLeftDeep chains atoms left-deep ordered by
	// ascending arrival rate (conjunction operands only; sequences keep
	// their declared order). Emits ordering invariants.
	BuilderRateOrderedLeftDeep
)

// ParseBuilderKind maps a configuration tag to a builder kind.
func ParseBuilderKind(tag string) (BuilderKind, error) {
	switch tag {
	case "trivial-left-deep":
		return BuilderTrivialLeftDeep, nil
	case "rate-ordered-left-deep":
		return BuilderRateOrderedLeftDeep, nil
	default:
		return 0, fmt.Errorf("%w: unknown plan builder %q", cep.ErrConfiguration, tag)
	}
}

// Builder constructs a tree plan for a pattern from a statistics snapshot.
type Builder interface {
	Build(p *cep.Pattern, stats *cep.Statistics) (*TreePlan, error)
}

// InvariantBuilder additionally returns the statistic invariants under
// which the produced plan stays preferable, for the invariants-aware
// optimizer.
type InvariantBuilder interface {
	Builder
	BuildWithInvariants(p *cep.Pattern, stats *cep.Statistics) (*TreePlan, *Invariants, error)
}

// NewBuilder creates a builder of the given kind.
func NewBuilder(kind BuilderKind, negationAlg NegationAlgorithm) (Builder, error) {
	switch kind {
	case BuilderTrivialLeftDeep:
		return &TrivialLeftDeepBuilder{NegationAlg: negationAlg}, nil
	case BuilderRateOrderedLeftDeep:
		return &RateOrderedLeftDeepBuilder{NegationAlg: negationAlg}, nil
	default:
		return nil, fmt.Errorf("%w: unknown plan builder kind %d", cep.ErrConfiguration, kind)
	}
}

// TrivialLeftDeepBuilder builds a left-deep chain over the declared
// operand order.
type TrivialLeftDeepBuilder struct {
	NegationAlg NegationAlgorithm
}

// Build implements Builder.
func (b *TrivialLeftDeepBuilder) Build(p *cep.Pattern, stats *cep.Statistics) (*TreePlan, error) {
	return buildLeftDeep(p, stats, b.NegationAlg, false)
}

// RateOrderedLeftDeepBuilder orders conjunction operands by ascending
// arrival rate so the cheapest streams are joined first.
type RateOrderedLeftDeepBuilder struct {
	NegationAlg NegationAlgorithm
}

// Build implements Builder.
func (b *RateOrderedLeftDeepBuilder) Build(p *cep.Pattern, stats *cep.Statistics) (*TreePlan, error) {
	if stats == nil {
		return nil, fmt.Errorf("%w: rate-ordered builder requires statistics", cep.ErrConfiguration)
	}
	return buildLeftDeep(p, stats, b.NegationAlg, true)
}

// BuildWithInvariants implements InvariantBuilder: the plan holds while
// the chosen operand ordering keeps its pairwise rate ordering.
func (b *RateOrderedLeftDeepBuilder) BuildWithInvariants(p *cep.Pattern, stats *cep.Statistics) (*TreePlan, *Invariants, error) {
	tp, err := b.Build(p, stats)
	if err != nil {
		return nil, nil, err
	}

	leaves := tp.Root.Leaves()
	inv := &Invariants{}
	for i := 0; i+1 < len(leaves); i++ {
		inv.Entries = append(inv.Entries, Invariant{
			CheaperType: leaves[i].EventType,
			DearerType:  leaves[i+1].EventType,
		})
	}
	return tp, inv, nil
}

// assigner hands each pattern condition to exactly one plan node: the
// lowest node whose covered names contain the condition's names.
type assigner struct {
	pattern  *cep.Pattern
	assigned map[*cep.Condition]bool
}

func newAssigner(p *cep.Pattern) *assigner {
	return &assigner{pattern: p, assigned: map[*cep.Condition]bool{}}
}

// take returns the not-yet-assigned conditions covered by the name set,
// marking them assigned.
func (a *assigner) take(names map[string]bool) []*cep.Condition {
	var out []*cep.Condition
	for _, c := range a.pattern.Conditions {
		if a.assigned[c] {
			continue
		}
		if c.RangesOver(names) {
			a.assigned[c] = true
			out = append(out, c)
		}
	}
	return out
}

// unit is one operand of the conjunction being chained: a ready subtree
// or a pending negation.
type unit struct {
	node    *TreePlanNode
	negated bool
}

func buildLeftDeep(p *cep.Pattern, stats *cep.Statistics, negationAlg NegationAlgorithm, rateOrdered bool) (*TreePlan, error) {
	assigner := newAssigner(p)
	root, err := buildOperator(p.Structure, p, stats, assigner, negationAlg, rateOrdered)
	if err != nil {
		return nil, err
	}

	// Any condition left unassigned ranges over names split across
	// negation boundaries; attach it to the root's covering node.
	if rest := assigner.take(allNames(p)); len(rest) > 0 {
		switch root.Kind {
		case KindLeaf:
			root.LeafConditions = append(root.LeafConditions, rest...)
		default:
			root.Conditions = append(root.Conditions, rest...)
		}
	}
	return &TreePlan{Root: root, Pattern: p}, nil
}

func allNames(p *cep.Pattern) map[string]bool {
	names := map[string]bool{cep.KleenePrev: true, cep.KleeneNext: true}
	for _, a := range p.Atoms() {
		names[a.Name] = true
	}
	return names
}

func buildOperator(op *cep.PatternOperator, p *cep.Pattern, stats *cep.Statistics,
	assigner *assigner, negationAlg NegationAlgorithm, rateOrdered bool) (*TreePlanNode, error) {
	switch op.Kind {
	case cep.OperatorAtom:
		return buildLeaf(op.Atom, assigner), nil

	case cep.OperatorKleene:
		return buildKleene(op, p, assigner)

	case cep.OperatorNeg:
		// A bare negation at the top is unsatisfiable: nothing positive
		// remains to emit.
		return nil, fmt.Errorf("%w: pattern %d negates its entire structure", cep.ErrPattern, p.ID)

	case cep.OperatorOr:
		return nil, fmt.Errorf("%w: pattern %d reached plan construction with an OR; split disjunctions first", cep.ErrPattern, p.ID)

	case cep.OperatorSeq, cep.OperatorAnd:
		return buildConjunction(op, p, stats, assigner, negationAlg, rateOrdered)

	default:
		return nil, fmt.Errorf("%w: pattern %d uses unsupported operator %v", cep.ErrPattern, p.ID, op.Kind)
	}
}

func buildLeaf(atom cep.Atom, assigner *assigner) *TreePlanNode {
	leaf := &TreePlanNode{Kind: KindLeaf, EventType: atom.EventType, Name: atom.Name}
	leaf.LeafConditions = assigner.take(map[string]bool{atom.Name: true})
	return leaf
}

func buildKleene(op *cep.PatternOperator, p *cep.Pattern, assigner *assigner) (*TreePlanNode, error) {
	atom := op.Operands[0].Atom
	child := buildLeaf(atom, assigner)

	node := &TreePlanNode{
		Kind:          KindKleene,
		Child:         child,
		MaxIterations: op.MaxIterations,
	}
	// The inter-iteration predicate ranges over the prev/next pair.
	pair := assigner.take(map[string]bool{cep.KleenePrev: true, cep.KleeneNext: true})
	switch len(pair) {
	case 0:
	case 1:
		node.KleeneCondition = pair[0]
	default:
		return nil, fmt.Errorf("%w: pattern %d declares %d inter-iteration conditions for one closure",
			cep.ErrPattern, p.ID, len(pair))
	}
	return node, nil
}

func buildConjunction(op *cep.PatternOperator, p *cep.Pattern, stats *cep.Statistics,
	assigner *assigner, negationAlg NegationAlgorithm, rateOrdered bool) (*TreePlanNode, error) {
	kind := KindSeq
	if op.Kind == cep.OperatorAnd {
		kind = KindAnd
	}

	units := make([]unit, 0, len(op.Operands))
	for _, operand := range op.Operands {
		if operand.Kind == cep.OperatorNeg {
			negLeaf := buildLeaf(operand.Operands[0].Atom, assigner)
			units = append(units, unit{node: negLeaf, negated: true})
			continue
		}
		node, err := buildOperator(operand, p, stats, assigner, negationAlg, rateOrdered)
		if err != nil {
			return nil, err
		}
		units = append(units, unit{node: node})
	}

	positive := make([]unit, 0, len(units))
	negated := make([]unit, 0, 1)
	for _, u := range units {
		if u.negated {
			negated = append(negated, u)
		} else {
			positive = append(positive, u)
		}
	}
	if len(positive) == 0 {
		return nil, fmt.Errorf("%w: pattern %d has no positive operands", cep.ErrPattern, p.ID)
	}

	// Sequences keep their declared order; conjunctions may be reordered
	// by ascending arrival rate when statistics drive the build.
	if rateOrdered && kind == KindAnd {
		sort.SliceStable(positive, func(i, j int) bool {
			return subtreeRate(positive[i].node, stats) < subtreeRate(positive[j].node, stats)
		})
	}

	current := positive[0].node
	for _, u := range positive[1:] {
		parent := &TreePlanNode{Kind: kind, Left: current, Right: u.node}
		parent.Conditions = assigner.take(parent.NameSet())
		current = parent
	}

	for _, u := range negated {
		current = placeNegation(current, u.node, p, stats, assigner, negationAlg)
	}
	return current, nil
}

// subtreeRate scores a subtree by the lowest arrival rate among its leaf
// types.
func subtreeRate(n *TreePlanNode, stats *cep.Statistics) float64 {
	rate := 0.0
	for i, leaf := range n.Leaves() {
		r := stats.Rate(leaf.EventType)
		if i == 0 || r < rate {
			rate = r
		}
	}
	return rate
}

// placeNegation wraps part of the positive tree in a negation node
// according to the configured algorithm.
func placeNegation(positive, negative *TreePlanNode, p *cep.Pattern, stats *cep.Statistics,
	assigner *assigner, alg NegationAlgorithm) *TreePlanNode {
	// Names the negation's conditions relate to on the positive side.
	related := map[string]bool{}
	for _, c := range p.Conditions {
		mentions := false
		for _, name := range c.Names() {
			if name == negative.Name {
				mentions = true
			}
		}
		if !mentions {
			continue
		}
		for _, name := range c.Names() {
			if name != negative.Name {
				related[name] = true
			}
		}
	}

	target := positive
	if alg != NegationNaive {
		if candidate := findNegationPosition(positive, related, stats, alg); candidate != nil {
			target = candidate.node
		}
	}

	wrap := func(node *TreePlanNode) *TreePlanNode {
		wrapped := &TreePlanNode{
			Kind:        KindNegation,
			Left:        node,
			Right:       negative,
			NegationAlg: alg,
		}
		names := node.NameSet()
		names[negative.Name] = true
		wrapped.Conditions = assigner.take(names)
		return wrapped
	}

	if target == positive {
		return wrap(positive)
	}
	replaceChild(positive, target, wrap(target))
	return positive
}

type position struct {
	node  *TreePlanNode
	depth int
}

// findNegationPosition walks the positive tree collecting nodes whose
// covered names include every related name, then picks the deepest one
// (lowest-position) or the cheapest one by leaf arrival rates (statistic).
func findNegationPosition(root *TreePlanNode, related map[string]bool, stats *cep.Statistics, alg NegationAlgorithm) *position {
	var candidates []position
	var walk func(n *TreePlanNode, depth int)
	walk = func(n *TreePlanNode, depth int) {
		covered := n.NameSet()
		covers := true
		for name := range related {
			if !covered[name] {
				covers = false
				break
			}
		}
		if covers {
			candidates = append(candidates, position{node: n, depth: depth})
		}
		switch n.Kind {
		case KindAnd, KindSeq, KindNegation:
			walk(n.Left, depth+1)
			walk(n.Right, depth+1)
		case KindKleene:
			walk(n.Child, depth+1)
		}
	}
	walk(root, 0)

	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch alg {
		case NegationLowestPosition:
			if c.depth > best.depth {
				best = c
			}
		case NegationStatistic:
			if subtreeRate(c.node, stats) < subtreeRate(best.node, stats) {
				best = c
			}
		}
	}
	return &best
}

// replaceChild substitutes old with new below root. Root itself is never
// replaced here.
func replaceChild(root, old, replacement *TreePlanNode) {
	switch root.Kind {
	case KindAnd, KindSeq, KindNegation:
		if root.Left == old {
			root.Left = replacement
		} else {
			replaceChild(root.Left, old, replacement)
		}
		if root.Right == old {
			root.Right = replacement
		} else {
			replaceChild(root.Right, old, replacement)
		}
	case KindKleene:
		if root.Child == old {
			root.Child = replacement
		} else {
			replaceChild(root.Child, old, replacement)
		}
	}
}
