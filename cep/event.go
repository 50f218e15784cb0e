// Package cep defines the data model shared by every component of the
// engine: primitive events, patterns and their operators, predicate
// conditions, pattern matches and the statistics vocabulary.
package cep

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event is a single typed record flowing through the engine. Primitive
// events carry equal Min/Max timestamps; composite events produced by
// sub-patterns span an interval. Events are treated as immutable after
// creation.
type Event struct {
	Type         string
	Payload      map[string]any
	MinTimestamp time.Time
	MaxTimestamp time.Time
	// Probability is the confidence assigned by a probabilistic input
	// source. 1.0 for deterministic inputs.
	Probability float64

	signature string
}

// NewEvent creates a primitive event with a single timestamp.
func NewEvent(eventType string, payload map[string]any, timestamp time.Time) *Event {
	return NewCompositeEvent(eventType, payload, timestamp, timestamp)
}

// NewProbabilisticEvent creates a primitive event carrying a confidence value.
func NewProbabilisticEvent(eventType string, payload map[string]any, timestamp time.Time, probability float64) *Event {
	e := NewCompositeEvent(eventType, payload, timestamp, timestamp)
	e.Probability = probability
	return e
}

// NewCompositeEvent creates an event spanning a time interval, as produced
// by a sub-pattern.
func NewCompositeEvent(eventType string, payload map[string]any, minTS, maxTS time.Time) *Event {
	e := &Event{
		Type:         eventType,
		Payload:      payload,
		MinTimestamp: minTS,
		MaxTimestamp: maxTS,
		Probability:  1.0,
	}
	e.signature = e.computeSignature()
	return e
}

// Signature returns a stable identity string for the event, used for
// set-equality of matches. Two events with the same type, timestamps and
// payload are considered the same event.
func (e *Event) Signature() string {
	return e.signature
}

func (e *Event) computeSignature() string {
	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(e.Type)
	b.WriteByte('@')
	b.WriteString(fmt.Sprintf("%d:%d", e.MinTimestamp.UnixNano(), e.MaxTimestamp.UnixNano()))
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, e.Payload[k])
	}
	return b.String()
}

// String renders the event payload for output streams.
func (e *Event) String() string {
	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Payload[k]))
	}
	return fmt.Sprintf("%s(%s)@%s", e.Type, strings.Join(parts, ", "), e.MaxTimestamp.Format(time.RFC3339))
}
