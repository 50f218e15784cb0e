package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martymichal/opencep/cep"
)

func cond(t *testing.T, source string, names ...string) *cep.Condition {
	t.Helper()
	c, err := cep.NewCondition(source, names...)
	require.NoError(t, err)
	return c
}

func TestTrivialLeftDeepShape(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b"), cep.AtomOf("C", "c")),
		nil, 10*time.Second)
	require.NoError(t, err)

	builder := &TrivialLeftDeepBuilder{}
	tp, err := builder.Build(p, nil)
	require.NoError(t, err)

	root := tp.Root
	require.Equal(t, KindSeq, root.Kind)
	assert.Equal(t, "C", root.Right.EventType)
	require.Equal(t, KindSeq, root.Left.Kind)
	assert.Equal(t, "A", root.Left.Left.EventType)
	assert.Equal(t, "B", root.Left.Right.EventType)
	assert.Equal(t, []string{"a", "b", "c"}, root.Names())
}

func TestConditionAssignment(t *testing.T) {
	leafCond := cond(t, "a.x > 0", "a")
	joinAB := cond(t, "a.x < b.x", "a", "b")
	joinAC := cond(t, "a.x < c.x", "a", "c")

	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b"), cep.AtomOf("C", "c")),
		[]*cep.Condition{leafCond, joinAB, joinAC}, 10*time.Second)
	require.NoError(t, err)

	tp, err := (&TrivialLeftDeepBuilder{}).Build(p, nil)
	require.NoError(t, err)

	root := tp.Root
	inner := root.Left
	leafA := inner.Left

	// The unary condition binds at the leaf, each join at the lowest
	// covering node.
	require.Len(t, leafA.LeafConditions, 1)
	assert.Equal(t, "a.x > 0", leafA.LeafConditions[0].Source())
	require.Len(t, inner.Conditions, 1)
	assert.Equal(t, "a.x < b.x", inner.Conditions[0].Source())
	require.Len(t, root.Conditions, 1)
	assert.Equal(t, "a.x < c.x", root.Conditions[0].Source())
}

func TestKleenePlanCarriesChainCondition(t *testing.T) {
	chain := cond(t, "prev.x < next.x", cep.KleenePrev, cep.KleeneNext)
	p, err := cep.NewPattern(1, cep.Kleene(cep.AtomOf("A", "a"), 3), []*cep.Condition{chain}, 10*time.Second)
	require.NoError(t, err)

	tp, err := (&TrivialLeftDeepBuilder{}).Build(p, nil)
	require.NoError(t, err)

	root := tp.Root
	require.Equal(t, KindKleene, root.Kind)
	assert.Equal(t, 3, root.MaxIterations)
	require.NotNil(t, root.KleeneCondition)
	assert.Equal(t, "prev.x < next.x", root.KleeneCondition.Source())
	assert.Equal(t, "A", root.Child.EventType)
}

func TestNegationStaysAtRootNaively(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.And(cep.AtomOf("A", "a"), cep.Neg(cep.AtomOf("B", "b"))),
		nil, 5*time.Second)
	require.NoError(t, err)

	tp, err := (&TrivialLeftDeepBuilder{NegationAlg: NegationNaive}).Build(p, nil)
	require.NoError(t, err)

	root := tp.Root
	require.Equal(t, KindNegation, root.Kind)
	assert.Equal(t, KindLeaf, root.Left.Kind)
	assert.Equal(t, "A", root.Left.EventType)
	assert.Equal(t, "B", root.Right.EventType)
	assert.Equal(t, NegationNaive, root.NegationAlg)
	// Negated atoms contribute no names to the positive cover.
	assert.Equal(t, []string{"a"}, root.Names())
}

func TestNegationSinksToLowestPosition(t *testing.T) {
	killCond := cond(t, "a.x == n.x", "a", "n")
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b"), cep.Neg(cep.AtomOf("N", "n")), cep.AtomOf("C", "c")),
		[]*cep.Condition{killCond}, 10*time.Second)
	require.NoError(t, err)

	tp, err := (&TrivialLeftDeepBuilder{NegationAlg: NegationLowestPosition}).Build(p, nil)
	require.NoError(t, err)

	// The negation only relates to name a, so it wraps the A leaf, the
	// deepest node covering it.
	var negation *TreePlanNode
	var walk func(n *TreePlanNode)
	walk = func(n *TreePlanNode) {
		if n == nil {
			return
		}
		if n.Kind == KindNegation {
			negation = n
		}
		walk(n.Left)
		walk(n.Right)
		walk(n.Child)
	}
	walk(tp.Root)

	require.NotNil(t, negation)
	assert.Equal(t, KindLeaf, negation.Left.Kind)
	assert.Equal(t, "A", negation.Left.EventType)
	require.Len(t, negation.Conditions, 1)
	assert.Equal(t, "a.x == n.x", negation.Conditions[0].Source())
}

func TestRateOrderedRequiresStatistics(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.And(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")), nil, 10*time.Second)
	require.NoError(t, err)

	_, err = (&RateOrderedLeftDeepBuilder{}).Build(p, nil)
	assert.ErrorIs(t, err, cep.ErrConfiguration)
}

func TestRateOrderedKeepsSequenceOrder(t *testing.T) {
	stats := cep.NewStatistics()
	stats.ArrivalRates["A"] = 100
	stats.ArrivalRates["B"] = 1

	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")), nil, 10*time.Second)
	require.NoError(t, err)

	tp, err := (&RateOrderedLeftDeepBuilder{}).Build(p, stats)
	require.NoError(t, err)

	leaves := tp.Root.Leaves()
	assert.Equal(t, "A", leaves[0].EventType, "SEQ order is semantic and never reordered")
	assert.Equal(t, "B", leaves[1].EventType)
}

func TestBuildWithInvariants(t *testing.T) {
	stats := cep.NewStatistics()
	stats.ArrivalRates["A"] = 3
	stats.ArrivalRates["B"] = 1

	p, err := cep.NewPattern(1,
		cep.And(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")), nil, 10*time.Second)
	require.NoError(t, err)

	tp, invariants, err := (&RateOrderedLeftDeepBuilder{}).BuildWithInvariants(p, stats)
	require.NoError(t, err)

	leaves := tp.Root.Leaves()
	assert.Equal(t, "B", leaves[0].EventType)

	require.Len(t, invariants.Entries, 1)
	assert.False(t, invariants.Violated(stats))

	flipped := cep.NewStatistics()
	flipped.ArrivalRates["A"] = 1
	flipped.ArrivalRates["B"] = 3
	assert.True(t, invariants.Violated(flipped))
}

func TestOrReachesBuilderIsError(t *testing.T) {
	p := &cep.Pattern{
		ID:        1,
		Structure: cep.Or(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		Window:    10 * time.Second,
	}
	_, err := (&TrivialLeftDeepBuilder{}).Build(p, nil)
	assert.ErrorIs(t, err, cep.ErrPattern)
}

func TestFullyNegatedPatternIsError(t *testing.T) {
	p := &cep.Pattern{
		ID:        1,
		Structure: cep.Neg(cep.AtomOf("A", "a")),
		Window:    10 * time.Second,
	}
	_, err := (&TrivialLeftDeepBuilder{}).Build(p, nil)
	assert.ErrorIs(t, err, cep.ErrPattern)
}
