package cep

import (
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// IDGenerator hands out globally unique, strictly increasing partial match
// identifiers. Sibling trees (parallel workers, trees swapped in by a
// reoptimization) share one injected generator so ids stay unique among
// them.
type IDGenerator struct {
	last atomic.Uint64
}

// NewIDGenerator creates a generator starting at 1.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next identifier.
func (g *IDGenerator) Next() uint64 {
	return g.last.Add(1)
}

// PatternMatch is an ordered set of primitive events matching an operator
// sub-pattern. An instance corresponds either to a full pattern match or to
// an intermediate result created during evaluation.
type PatternMatch struct {
	Events         []*Event
	FirstTimestamp time.Time
	LastTimestamp  time.Time
	// PatternIDs is populated for full matches and for nodes shared
	// between patterns in a merged tree.
	PatternIDs  mapset.Set[int]
	Probability float64
	// PartialID is unique across the process lifetime and strictly
	// increasing with creation order.
	PartialID uint64
}

// NewPatternMatch builds a match over the given events, deriving the
// first/last timestamps and the combined probability.
func NewPatternMatch(gen *IDGenerator, events []*Event) *PatternMatch {
	m := &PatternMatch{
		Events:      events,
		PatternIDs:  mapset.NewThreadUnsafeSet[int](),
		Probability: 1.0,
		PartialID:   gen.Next(),
	}
	for i, e := range events {
		if i == 0 || e.MinTimestamp.Before(m.FirstTimestamp) {
			m.FirstTimestamp = e.MinTimestamp
		}
		if i == 0 || e.MaxTimestamp.After(m.LastTimestamp) {
			m.LastTimestamp = e.MaxTimestamp
		}
		m.Probability *= e.Probability
	}
	return m
}

// Span returns the time covered by the match.
func (m *PatternMatch) Span() time.Duration {
	return m.LastTimestamp.Sub(m.FirstTimestamp)
}

// AddPatternID records that the match contributes to the given pattern.
func (m *PatternMatch) AddPatternID(id int) {
	m.PatternIDs.Add(id)
}

// Key returns a canonical identity string: the sorted event signatures plus
// the sorted pattern id set. Two matches are equal iff their keys are equal;
// storage de-duplication and simultaneous-update unioning rely on this.
func (m *PatternMatch) Key() string {
	sigs := make([]string, len(m.Events))
	for i, e := range m.Events {
		sigs[i] = e.Signature()
	}
	sort.Strings(sigs)

	ids := m.PatternIDs.ToSlice()
	sort.Ints(ids)

	var b strings.Builder
	for _, s := range sigs {
		b.WriteString(s)
		b.WriteByte(';')
	}
	b.WriteByte('#')
	for _, id := range ids {
		b.WriteString(strconv.Itoa(id))
		b.WriteByte(',')
	}
	return b.String()
}

// Equal reports set equality of events plus equal pattern id sets.
func (m *PatternMatch) Equal(other *PatternMatch) bool {
	if other == nil || len(m.Events) != len(other.Events) {
		return false
	}
	return m.Key() == other.Key()
}

// String renders the match for output streams: one event per line. When
// the match is annotated with pattern ids, the event block is repeated once
// per id in ascending order, each copy prefixed with "pattern_id: ".
func (m *PatternMatch) String() string {
	var events strings.Builder
	for _, e := range m.Events {
		events.WriteString(e.String())
		events.WriteByte('\n')
	}

	if m.PatternIDs == nil || m.PatternIDs.Cardinality() == 0 {
		return events.String()
	}

	ids := m.PatternIDs.ToSlice()
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(strconv.Itoa(id))
		b.WriteString(": ")
		b.WriteString(events.String())
	}
	return b.String()
}
