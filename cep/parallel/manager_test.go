package parallel

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martymichal/opencep/cep"
	"github.com/martymichal/opencep/cep/stream"
	"github.com/martymichal/opencep/cep/tree"
)

func seqPattern(t *testing.T) *cep.Pattern {
	t.Helper()
	c, err := cep.NewCondition("a.x < b.x", "a", "b")
	require.NoError(t, err)
	p, err := cep.NewPattern(1,
		cep.Seq(cep.AtomOf("A", "a"), cep.AtomOf("B", "b")),
		[]*cep.Condition{c}, 10*time.Second)
	require.NoError(t, err)
	return p
}

func leafPattern(t *testing.T) *cep.Pattern {
	t.Helper()
	p, err := cep.NewPattern(1, cep.AtomOf("A", "a"), nil, 10*time.Second)
	require.NoError(t, err)
	return p
}

func runManager(t *testing.T, manager EvaluationManager, rows []string) []string {
	t.Helper()
	out := stream.NewStream(4096)
	require.NoError(t, manager.Eval(stream.FromItems(rows...), out, stream.NewDelimitedFormatter(",")))
	return out.Collect()
}

func TestParseExecutionMode(t *testing.T) {
	mode, err := ParseExecutionMode("sequential")
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, mode)

	mode, err = ParseExecutionMode("data-parallel")
	require.NoError(t, err)
	assert.Equal(t, ModeDataParallel, mode)

	_, err = ParseExecutionMode("quantum")
	assert.ErrorIs(t, err, cep.ErrConfiguration)
}

func TestSequentialManager(t *testing.T) {
	manager, err := NewEvaluationManager([]*cep.Pattern{seqPattern(t)},
		tree.DefaultMechanismParams(), Params{Mode: ModeSequential})
	require.NoError(t, err)

	matches := runManager(t, manager, []string{
		"A,0,x=1",
		"B,3,x=2",
	})
	require.Len(t, matches, 1)
	assert.NotEmpty(t, manager.StructureSummary())
}

func TestDataParallelSingleWorkerMatchesSequential(t *testing.T) {
	rows := []string{
		"A,0,x=1",
		"B,3,x=2",
		"A,7,x=3",
		"B,9,x=4",
	}

	sequential, err := NewSequentialManager([]*cep.Pattern{seqPattern(t)}, tree.DefaultMechanismParams())
	require.NoError(t, err)
	expected := runManager(t, sequential, rows)

	parallelOne, err := NewDataParallelManager([]*cep.Pattern{seqPattern(t)}, tree.DefaultMechanismParams(), 1)
	require.NoError(t, err)
	got := runManager(t, parallelOne, rows)

	assert.ElementsMatch(t, expected, got)
}

func TestDataParallelShardsIndependentWork(t *testing.T) {
	// A single-atom pattern matches every event regardless of which
	// worker the row lands on.
	const total = 40
	rows := make([]string, 0, total)
	for i := 0; i < total; i++ {
		rows = append(rows, fmt.Sprintf("A,%d,x=%d", i, i))
	}

	manager, err := NewDataParallelManager([]*cep.Pattern{leafPattern(t)}, tree.DefaultMechanismParams(), 4)
	require.NoError(t, err)

	matches := runManager(t, manager, rows)
	assert.Len(t, matches, total, "every event matches on whichever worker received it")
}

func TestDataParallelStop(t *testing.T) {
	manager, err := NewDataParallelManager([]*cep.Pattern{leafPattern(t)}, tree.DefaultMechanismParams(), 2)
	require.NoError(t, err)
	manager.Stop()

	in := stream.NewStream(4)
	in.Put("A,0,x=1")
	out := stream.NewStream(16)

	done := make(chan error, 1)
	go func() { done <- manager.Eval(in, out, stream.NewDelimitedFormatter(",")) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Eval did not observe Stop")
	}
}
