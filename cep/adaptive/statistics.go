// Package adaptive provides the online statistics estimators, the
// deviation testers over them, and the optimizers deciding when the
// running tree plan should be rebuilt.
package adaptive

import (
	"math"
	"time"

	"github.com/martymichal/opencep/cep"
)

// StatisticsCollector maintains online estimators over the event stream:
// exponentially decaying per-type arrival rates and a pairwise predicate
// selectivity matrix fed by sampled join attempts. Time is event-driven;
// decay is computed against event timestamps, never the wall clock.
type StatisticsCollector struct {
	window time.Duration

	rates    map[string]float64
	lastSeen map[string]time.Time

	joins map[cep.TypePair]*joinRatio

	latest time.Time
}

type joinRatio struct {
	passed float64
	total  float64
}

// NewStatisticsCollector creates a collector decaying over the given
// window.
func NewStatisticsCollector(window time.Duration) *StatisticsCollector {
	return &StatisticsCollector{
		window:   window,
		rates:    map[string]float64{},
		lastSeen: map[string]time.Time{},
		joins:    map[cep.TypePair]*joinRatio{},
	}
}

// Seed pre-loads the estimators from a pattern's shipped statistics.
func (c *StatisticsCollector) Seed(stats *cep.Statistics) {
	if stats == nil {
		return
	}
	for eventType, rate := range stats.ArrivalRates {
		c.rates[eventType] = rate
	}
	for pair, selectivity := range stats.Selectivity {
		c.joins[pair] = &joinRatio{passed: selectivity * 100, total: 100}
	}
}

// HandleEvent folds one arriving event into the arrival-rate estimator.
func (c *StatisticsCollector) HandleEvent(e *cep.Event) {
	now := e.MaxTimestamp
	if last, ok := c.lastSeen[e.Type]; ok && c.window > 0 {
		dt := now.Sub(last)
		if dt > 0 {
			decay := math.Exp(-float64(dt) / float64(c.window))
			c.rates[e.Type] *= decay
		}
	}
	c.rates[e.Type]++
	c.lastSeen[e.Type] = now
	if now.After(c.latest) {
		c.latest = now
	}
}

// RecordJoin folds one sampled join attempt between two event types into
// the selectivity matrix.
func (c *StatisticsCollector) RecordJoin(leftType, rightType string, passed bool) {
	pair := cep.TypePair{Left: leftType, Right: rightType}
	if leftType > rightType {
		pair = cep.TypePair{Left: rightType, Right: leftType}
	}
	ratio, ok := c.joins[pair]
	if !ok {
		ratio = &joinRatio{}
		c.joins[pair] = ratio
	}
	ratio.total++
	if passed {
		ratio.passed++
	}
}

// LatestTimestamp returns the newest event timestamp observed.
func (c *StatisticsCollector) LatestTimestamp() time.Time {
	return c.latest
}

// Statistics snapshots the current estimates.
func (c *StatisticsCollector) Statistics() *cep.Statistics {
	out := cep.NewStatistics()
	for eventType, rate := range c.rates {
		out.ArrivalRates[eventType] = rate
	}
	for pair, ratio := range c.joins {
		if ratio.total > 0 {
			out.Selectivity[pair] = ratio.passed / ratio.total
		}
	}
	return out
}
