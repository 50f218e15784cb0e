package tree

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/plan"
)

func evt(eventType string, x int64, sec int) *cep.Event {
	return cep.NewEvent(eventType, map[string]any{"x": x}, ts(sec))
}

func cond(t *testing.T, source string, names ...string) *cep.Condition {
	t.Helper()
	c, err := cep.NewCondition(source, names...)
	require.NoError(t, err)
	return c
}

func newTestTree(t *testing.T, params StorageParams, merge plan.MergeKind, patterns ...*cep.Pattern) *Tree {
	t.Helper()
	builder := &plan.TrivialLeftDeepBuilder{}
	plans := make([]*plan.TreePlan, 0, len(patterns))
	for _, p := range patterns {
		tp, err := builder.Build(p, nil)
		require.NoError(t, err)
		plans = append(plans, tp)
	}
	if len(plans) > 1 {
		merger, err := plan.NewMerger(merge)
		require.NoError(t, err)
		plans = merger.Merge(plans)
	}
	tr, err := NewTree(plans, params, cep.NewIDGenerator(), nil, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

// run feeds the events in order and returns every match, including those
// only released by the final drain.
func run(tr *Tree, events ...*cep.Event) []*cep.PatternMatch {
	var out []*cep.PatternMatch
	for _, e := range events {
		tr.OnEvent(e)
		out = append(out, tr.Matches()...)
	}
	return append(out, tr.Drain()...)
}

// xs extracts the x attribute of every event of a match, in match order.
func xs(pm *cep.PatternMatch) []int64 {
	values := make([]int64, len(pm.Events))
	for i, e := range pm.Events {
		values[i] = e.Payload["x"].(int64)
	}
	return values
}

func xsOf(matches []*cep.PatternMatch) [][]int64 {
	out := make([][]int64, len(matches))
	for i, pm := range matches {
		out[i] = xs(pm)
	}
	return out
}

func TestSequenceWithPredicateAndWindow(t *testing.T) {
	// SEQ(A a, B b) WHERE a.x < b.x WINDOW 10s
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		[]*cep.Condition{cond(t, "a.x < b.x", "a", "b")},
		10*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)
	matches := run(tr,
		evt("A", 1, 0),
		evt("B", 2, 3),
		evt("B", 0, 5),  // fails the predicate against A(x=1)
		evt("A", 3, 7),
		evt("B", 4, 9),
		evt("B", 5, 20), // outside the window of every A
	)

	require.Len(t, matches, 3)
	assert.Equal(t, [][]int64{{1, 2}, {1, 4}, {3, 4}}, xsOf(matches))

	for _, pm := range matches {
		assert.LessOrEqual(t, pm.Span(), 10*time.Second)
		assert.False(t, pm.Events[1].MaxTimestamp.Before(pm.Events[0].MaxTimestamp),
			"SEQ order must hold in the emitted match")
	}
}

func TestSequenceTieBreakOrdering(t *testing.T) {
	// Two candidates pass at once: emission goes by ascending first
	// timestamp, then ascending partial id.
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		nil, 10*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)
	matches := run(tr,
		evt("A", 1, 0),
		evt("A", 2, 1),
		evt("B", 9, 5),
	)

	require.Len(t, matches, 2)
	assert.Equal(t, [][]int64{{1, 9}, {2, 9}}, xsOf(matches))
	assert.Less(t, matches[0].PartialID, matches[1].PartialID)
}

func TestEqualTimestampSwapYieldsSameMatchSet(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		nil, 10*time.Second)
	require.NoError(t, err)

	a := evt("A", 1, 5)
	b := evt("B", 2, 5)

	first := run(newTestTree(t, DefaultStorageParams(), plan.MergeNone, p), a, b)
	second := run(newTestTree(t, DefaultStorageParams(), plan.MergeNone, p), b, a)

	keys := func(matches []*cep.PatternMatch) map[string]bool {
		out := map[string]bool{}
		for _, pm := range matches {
			out[pm.Key()] = true
		}
		return out
	}
	assert.Equal(t, keys(first), keys(second))
	require.Len(t, first, 1)
}

func TestNegationSuppressesWithinWindow(t *testing.T) {
	// AND(A a, NEG(B b)) WINDOW 5s: A@0 dies to B@3, A@10 survives.
	p, err := cep.NewPattern(1,
		cep.And(cep.AtomOf("A", "a"), cep.Neg(cep.AtomOf("B", "b"))),
		nil, 5*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)
	matches := run(tr,
		evt("A", 1, 0),
		evt("B", 2, 3),
		evt("A", 3, 10),
	)

	require.Len(t, matches, 1)
	assert.Equal(t, []int64{3}, xs(matches[0]))
}

func TestNegationReleasesAfterWindowPasses(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.And(cep.AtomOf("A", "a"), cep.Neg(cep.AtomOf("B", "b"))),
		nil, 5*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)

	// A@0 must not be released while a B could still arrive in [0, 5].
	tr.OnEvent(evt("A", 1, 0))
	tr.OnEvent(evt("C", 0, 4))
	assert.Empty(t, tr.Matches())

	// Event time passing the window frees it; the late B@7 is outside.
	tr.OnEvent(evt("B", 2, 7))
	matches := tr.Matches()
	require.Len(t, matches, 1)
	assert.Equal(t, []int64{1}, xs(matches[0]))
}

func TestKleeneEnumeratesChains(t *testing.T) {
	// KC over A with prev.x < next.x, max_iter 3, WINDOW 10s.
	chain := cond(t, "prev.x < next.x", cep.KleenePrev, cep.KleeneNext)
	p, err := cep.NewPattern(1, cep.Kleene(cep.AtomOf("A", "a"), 3), []*cep.Condition{chain}, 10*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)
	matches := run(tr,
		evt("A", 1, 0),
		evt("A", 2, 1),
		evt("A", 3, 2),
		evt("A", 0, 3),
	)

	got := map[string]bool{}
	for _, pm := range matches {
		key := ""
		for _, x := range xs(pm) {
			key += string(rune('0' + x))
		}
		got[key] = true
	}

	expected := []string{"1", "2", "3", "0", "12", "13", "23", "123"}
	require.Len(t, matches, len(expected))
	for _, key := range expected {
		assert.True(t, got[key], "missing combination %s", key)
	}
}

func TestKleeneHonorsMaxIterations(t *testing.T) {
	chain := cond(t, "prev.x < next.x", cep.KleenePrev, cep.KleeneNext)
	p, err := cep.NewPattern(1, cep.Kleene(cep.AtomOf("A", "a"), 2), []*cep.Condition{chain}, 10*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)
	matches := run(tr,
		evt("A", 1, 0),
		evt("A", 2, 1),
		evt("A", 3, 2),
	)

	for _, pm := range matches {
		assert.LessOrEqual(t, len(pm.Events), 2)
	}
	// {1},{2},{3},{12},{13},{23}
	assert.Len(t, matches, 6)
}

func TestKleeneWindowBoundsCombinations(t *testing.T) {
	p, err := cep.NewPattern(1, cep.Kleene(cep.AtomOf("A", "a"), 0), nil, 5*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)
	matches := run(tr,
		evt("A", 1, 0),
		evt("A", 2, 10),
	)

	// The second arrival expired the first from the buffer, so only the
	// two singletons exist.
	assert.Equal(t, [][]int64{{1}, {2}}, xsOf(matches))
}

func TestShareLeavesBuildsOneLeafPerType(t *testing.T) {
	p1, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")), nil, 10*time.Second)
	require.NoError(t, err)
	p2, err := cep.NewPattern(2,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("C", "c")), nil, 10*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeShareLeaves, p1, p2)

	assert.Len(t, tr.leafIndex["A"], 1, "both patterns must share one A leaf")
	assert.Len(t, tr.leafIndex["B"], 1)
	assert.Len(t, tr.leafIndex["C"], 1)

	sharedLeaf := tr.nodes[tr.leafIndex["A"][0]]
	assert.Equal(t, 2, sharedLeaf.PatternIDs().Cardinality())

	matches := run(tr,
		evt("A", 1, 0),
		evt("B", 2, 1),
		evt("C", 3, 2),
	)

	perPattern := map[int]int{}
	for _, pm := range matches {
		for _, id := range pm.PatternIDs.ToSlice() {
			perPattern[id]++
		}
	}
	assert.Equal(t, 1, perPattern[1], "pattern 1 matches once: (A,B)")
	assert.Equal(t, 1, perPattern[2], "pattern 2 matches once: (A,C)")

	// The shared-leaf run must agree with isolated single-pattern runs.
	solo1 := run(newTestTree(t, DefaultStorageParams(), plan.MergeNone, p1),
		evt("A", 1, 0), evt("B", 2, 1), evt("C", 3, 2))
	solo2 := run(newTestTree(t, DefaultStorageParams(), plan.MergeNone, p2),
		evt("A", 1, 0), evt("B", 2, 1), evt("C", 3, 2))
	assert.Equal(t, len(solo1)+len(solo2), len(matches))
}

func TestEmittedSpansNeverExceedWindow(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		nil, 7*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)

	var events []*cep.Event
	for i := 0; i < 40; i++ {
		eventType := "A"
		if i%3 == 0 {
			eventType = "B"
		}
		events = append(events, evt(eventType, int64(i), i))
	}

	for _, pm := range run(tr, events...) {
		assert.LessOrEqual(t, pm.Span(), 7*time.Second)
	}
}

func TestDropPartialsExcludesFromFutureMatches(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		nil, 100*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)
	tr.OnEvent(evt("A", 1, 0))
	tr.OnEvent(evt("A", 2, 1))
	require.Equal(t, 2, tr.ActivePartials())

	freed := tr.Shed(1)
	require.Len(t, freed, 1)
	assert.Equal(t, 1, tr.ActivePartials())

	tr.OnEvent(evt("B", 9, 2))
	matches := append(tr.Matches(), tr.Drain()...)
	require.Len(t, matches, 1)
	assert.Equal(t, []int64{2, 9}, xs(matches[0]))
}

func TestSortedStorageTreeAgreesWithUnsorted(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		[]*cep.Condition{cond(t, "a.x < b.x", "a", "b")},
		10*time.Second)
	require.NoError(t, err)

	events := []*cep.Event{
		evt("A", 1, 0), evt("B", 2, 3), evt("B", 0, 5),
		evt("A", 3, 7), evt("B", 4, 9), evt("B", 5, 20),
	}

	unsorted := run(newTestTree(t, StorageParams{Sort: false, PrimaryKeyDedup: true}, plan.MergeNone, p), events...)
	sorted := run(newTestTree(t, StorageParams{Sort: true, PrimaryKeyDedup: true}, plan.MergeNone, p), events...)

	require.Equal(t, len(unsorted), len(sorted))
	keys := func(matches []*cep.PatternMatch) map[string]bool {
		out := map[string]bool{}
		for _, pm := range matches {
			out[pm.Key()] = true
		}
		return out
	}
	assert.Equal(t, keys(unsorted), keys(sorted))
}

func TestStructureSummaryListsNodes(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		[]*cep.Condition{cond(t, "a.x < b.x", "a", "b")},
		10*time.Second)
	require.NoError(t, err)

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)
	summary := tr.StructureSummary()

	assert.Contains(t, summary, "leaf")
	assert.Contains(t, summary, "seq (root)")
	assert.Contains(t, summary, "A a")
	assert.Contains(t, summary, "a.x < b.x")
}

func TestConfidenceThresholdSuppressesWeakMatches(t *testing.T) {
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		nil, 10*time.Second)
	require.NoError(t, err)
	p.Confidence = 0.5

	tr := newTestTree(t, DefaultStorageParams(), plan.MergeNone, p)

	weak := cep.NewProbabilisticEvent("A", map[string]any{"x": int64(1)}, ts(0), 0.4)
	strong := cep.NewProbabilisticEvent("B", map[string]any{"x": int64(2)}, ts(1), 1.0)
	matches := run(tr, weak, strong)

	assert.Empty(t, matches, "combined probability 0.4 is below the 0.5 threshold")
}
