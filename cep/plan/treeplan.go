// Package plan defines immutable tree plans (descriptions of operator
// placement and predicate assignment) together with the builders that
// produce them and the mergers that share them across patterns.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/martymichal/opencep/cep"
)

// NodeKind enumerates the operator node kinds a tree plan can hold.
type NodeKind int

const (
	KindLeaf NodeKind = iota
	KindAnd
	KindSeq
	KindNegation
	KindKleene
)

// String returns the kind tag.
func (k NodeKind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindAnd:
		return "and"
	case KindSeq:
		return "seq"
	case KindNegation:
		return "negation"
	case KindKleene:
		return "kleene"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// NegationAlgorithm selects how negation nodes are positioned and applied.
type NegationAlgorithm int

const (
	// NegationNaive keeps the negation at the root and filters candidate
	// full matches at emission time.
	NegationNaive NegationAlgorithm = iota
	// NegationStatistic sinks the negation to the valid position whose
	// positive operand is cheapest by arrival rate.
	NegationStatistic
	// NegationLowestPosition sinks the negation to the deepest valid
	// position.
	NegationLowestPosition
)

// ParseNegationAlgorithm maps a configuration tag to an algorithm.
func ParseNegationAlgorithm(tag string) (NegationAlgorithm, error) {
	switch tag {
	case "naive":
		return NegationNaive, nil
	case "statistic":
		return NegationStatistic, nil
	case "lowest-position":
		return NegationLowestPosition, nil
	default:
		return 0, fmt.Errorf("%w: unknown negation algorithm %q", cep.ErrConfiguration, tag)
	}
}

// TreePlanNode is one operator of an evaluation plan. It is a value
// description, not runtime state; the tree package instantiates live nodes
// from it. Plans produced by the multi-pattern mergers share subtrees by
// pointer identity.
type TreePlanNode struct {
	Kind NodeKind

	// Leaf fields.
	EventType      string
	Name           string
	LeafConditions []*cep.Condition

	// Binary fields. For negation nodes Left is the positive subtree and
	// Right the negated one.
	Left  *TreePlanNode
	Right *TreePlanNode
	// Conditions holds the join predicates assigned to a binary node.
	Conditions []*cep.Condition

	// Kleene fields.
	Child           *TreePlanNode
	KleeneCondition *cep.Condition
	MaxIterations   int

	// NegationAlg records the algorithm choice for negation nodes.
	NegationAlg NegationAlgorithm

	// SortAttribute, when set, selects sorted partial-match storage keyed
	// by this payload attribute of the node's designated child event.
	SortAttribute string
}

// Names returns the bound names the subtree covers, in declared order.
func (n *TreePlanNode) Names() []string {
	switch n.Kind {
	case KindLeaf:
		return []string{n.Name}
	case KindKleene:
		return n.Child.Names()
	case KindNegation:
		// Only the positive side contributes events to matches.
		return n.Left.Names()
	default:
		return append(append([]string{}, n.Left.Names()...), n.Right.Names()...)
	}
}

// NameSet returns the covered names as a set.
func (n *TreePlanNode) NameSet() map[string]bool {
	set := map[string]bool{}
	for _, name := range n.Names() {
		set[name] = true
	}
	return set
}

// Leaves returns every leaf of the subtree, including negated ones.
func (n *TreePlanNode) Leaves() []*TreePlanNode {
	switch n.Kind {
	case KindLeaf:
		return []*TreePlanNode{n}
	case KindKleene:
		return n.Child.Leaves()
	case KindNegation, KindAnd, KindSeq:
		return append(n.Left.Leaves(), n.Right.Leaves()...)
	default:
		return nil
	}
}

// StructuralKey returns a canonical string for structural equality:
// operator kind, ordered children keys and condition sources. Two subtrees
// with equal keys detect the same matches and may be shared.
func (n *TreePlanNode) StructuralKey() string {
	var b strings.Builder
	n.writeKey(&b)
	return b.String()
}

func (n *TreePlanNode) writeKey(b *strings.Builder) {
	b.WriteString(n.Kind.String())
	b.WriteByte('{')
	switch n.Kind {
	case KindLeaf:
		b.WriteString(n.EventType)
		b.WriteByte('/')
		b.WriteString(n.Name)
		writeConditionKey(b, n.LeafConditions)
	case KindKleene:
		n.Child.writeKey(b)
		fmt.Fprintf(b, "*%d", n.MaxIterations)
		if n.KleeneCondition != nil {
			b.WriteByte('?')
			b.WriteString(n.KleeneCondition.Source())
		}
	default:
		n.Left.writeKey(b)
		b.WriteByte(',')
		n.Right.writeKey(b)
		writeConditionKey(b, n.Conditions)
	}
	b.WriteByte('}')
}

func writeConditionKey(b *strings.Builder, conditions []*cep.Condition) {
	if len(conditions) == 0 {
		return
	}
	sources := make([]string, len(conditions))
	for i, c := range conditions {
		sources[i] = c.Source()
	}
	sort.Strings(sources)
	b.WriteByte('?')
	b.WriteString(strings.Join(sources, "&"))
}

// TreePlan pairs a plan root with the pattern it evaluates.
type TreePlan struct {
	Root    *TreePlanNode
	Pattern *cep.Pattern
}
