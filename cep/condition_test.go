package cep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEval(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		names    []string
		env      map[string]any
		expected bool
	}{
		{
			name:     "less than between two events",
			source:   "a.x < b.x",
			names:    []string{"a", "b"},
			env:      map[string]any{"a": map[string]any{"x": int64(1)}, "b": map[string]any{"x": int64(2)}},
			expected: true,
		},
		{
			name:     "less than fails",
			source:   "a.x < b.x",
			names:    []string{"a", "b"},
			env:      map[string]any{"a": map[string]any{"x": int64(3)}, "b": map[string]any{"x": int64(2)}},
			expected: false,
		},
		{
			name:     "unary threshold",
			source:   "a.price > 100.0",
			names:    []string{"a"},
			env:      map[string]any{"a": map[string]any{"price": 150.0}},
			expected: true,
		},
		{
			name:     "string equality",
			source:   `a.symbol == "GOOG"`,
			names:    []string{"a"},
			env:      map[string]any{"a": map[string]any{"symbol": "GOOG"}},
			expected: true,
		},
		{
			name:     "conjunction in one expression",
			source:   "a.x < b.x && b.x < 10",
			names:    []string{"a", "b"},
			env:      map[string]any{"a": map[string]any{"x": int64(1)}, "b": map[string]any{"x": int64(5)}},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCondition(tt.source, tt.names...)
			require.NoError(t, err)

			pass, err := c.Eval(tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, pass)
		})
	}
}

func TestConditionCompileError(t *testing.T) {
	_, err := NewCondition("a.x <", "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPattern)
}

func TestConditionNoNames(t *testing.T) {
	_, err := NewCondition("true")
	assert.ErrorIs(t, err, ErrPattern)
}

func TestNilConditionAlwaysPasses(t *testing.T) {
	var c *Condition
	pass, err := c.Eval(nil)
	require.NoError(t, err)
	assert.True(t, pass)
	assert.Equal(t, "true", c.Source())
}

func TestConditionEqual(t *testing.T) {
	a, err := NewCondition("a.x < b.x", "a", "b")
	require.NoError(t, err)
	b, err := NewCondition("a.x < b.x", "b", "a")
	require.NoError(t, err)
	c, err := NewCondition("a.x > b.x", "a", "b")
	require.NoError(t, err)

	assert.True(t, a.Equal(b), "same source and names in any order")
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestConditionRangesOver(t *testing.T) {
	c, err := NewCondition("a.x < b.x", "a", "b")
	require.NoError(t, err)

	assert.True(t, c.RangesOver(map[string]bool{"a": true, "b": true, "c": true}))
	assert.False(t, c.RangesOver(map[string]bool{"a": true}))
}
