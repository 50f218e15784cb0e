package cep

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(sec int) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}

func TestIDGeneratorStrictlyIncreasing(t *testing.T) {
	gen := NewIDGenerator()
	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		id := gen.Next()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestIDGeneratorConcurrentUniqueness(t *testing.T) {
	gen := NewIDGenerator()

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	results := make([][]uint64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, gen.Next())
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, ids := range results {
		for _, id := range ids {
			assert.False(t, seen[id], "id %d issued twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestPatternMatchTimestamps(t *testing.T) {
	gen := NewIDGenerator()
	a := NewEvent("A", map[string]any{"x": int64(1)}, ts(5))
	b := NewEvent("B", map[string]any{"x": int64(2)}, ts(2))

	m := NewPatternMatch(gen, []*Event{a, b})
	assert.Equal(t, ts(2), m.FirstTimestamp)
	assert.Equal(t, ts(5), m.LastTimestamp)
	assert.Equal(t, 3*time.Second, m.Span())
}

func TestPatternMatchEqualityIsSetBased(t *testing.T) {
	gen := NewIDGenerator()
	a := NewEvent("A", map[string]any{"x": int64(1)}, ts(0))
	b := NewEvent("B", map[string]any{"x": int64(2)}, ts(1))

	m1 := NewPatternMatch(gen, []*Event{a, b})
	m2 := NewPatternMatch(gen, []*Event{b, a})
	assert.True(t, m1.Equal(m2), "event order must not affect equality")
	assert.NotEqual(t, m1.PartialID, m2.PartialID)

	m2.AddPatternID(3)
	assert.False(t, m1.Equal(m2), "pattern id sets participate in equality")
}

func TestPatternMatchProbability(t *testing.T) {
	gen := NewIDGenerator()
	a := NewProbabilisticEvent("A", nil, ts(0), 0.5)
	b := NewProbabilisticEvent("B", nil, ts(1), 0.4)

	m := NewPatternMatch(gen, []*Event{a, b})
	assert.InDelta(t, 0.2, m.Probability, 1e-9)
}

func TestPatternMatchStringWithPatternIDs(t *testing.T) {
	gen := NewIDGenerator()
	a := NewEvent("A", map[string]any{"x": int64(1)}, ts(0))

	m := NewPatternMatch(gen, []*Event{a})
	plain := m.String()
	assert.False(t, strings.HasPrefix(plain, "1: "), "no id prefix without pattern ids")

	m.AddPatternID(2)
	m.AddPatternID(1)
	annotated := m.String()
	require.Contains(t, annotated, "1: ")
	require.Contains(t, annotated, "2: ")
	assert.Less(t, strings.Index(annotated, "1: "), strings.Index(annotated, "2: "), "ids render in ascending order")
}

func TestCompositeEventSpansInterval(t *testing.T) {
	e := NewCompositeEvent("SUB", nil, ts(1), ts(4))
	assert.Equal(t, ts(1), e.MinTimestamp)
	assert.Equal(t, ts(4), e.MaxTimestamp)
	assert.Equal(t, 1.0, e.Probability)
}
