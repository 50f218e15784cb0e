package adaptive

import (
	"fmt"
	"math"

	"github.com/martymichal/opencep/cep"
)

// DeviationTester decides whether one statistic kind drifted beyond a
// threshold relative to its previously observed value.
type DeviationTester interface {
	Kind() cep.StatisticsKind
	Deviated(current, previous *cep.Statistics) bool
}

// NewDeviationTester creates the tester for a statistic kind.
func NewDeviationTester(kind cep.StatisticsKind, threshold float64) (DeviationTester, error) {
	switch kind {
	case cep.StatArrivalRates:
		return &ArrivalRatesDeviationTester{Threshold: threshold}, nil
	case cep.StatSelectivityMatrix:
		return &SelectivityDeviationTester{Threshold: threshold}, nil
	default:
		return nil, fmt.Errorf("%w: no deviation tester for statistic kind %v", cep.ErrConfiguration, kind)
	}
}

// ArrivalRatesDeviationTester flags drift when any type's rate moved by
// more than the threshold relative to its previous value (relative L∞).
type ArrivalRatesDeviationTester struct {
	Threshold float64
}

// Kind implements DeviationTester.
func (t *ArrivalRatesDeviationTester) Kind() cep.StatisticsKind {
	return cep.StatArrivalRates
}

// Deviated implements DeviationTester.
func (t *ArrivalRatesDeviationTester) Deviated(current, previous *cep.Statistics) bool {
	const eps = 1e-9

	types := map[string]bool{}
	for eventType := range current.ArrivalRates {
		types[eventType] = true
	}
	for eventType := range previous.ArrivalRates {
		types[eventType] = true
	}

	for eventType := range types {
		prev := previous.Rate(eventType)
		diff := math.Abs(current.Rate(eventType) - prev)
		if diff/math.Max(math.Abs(prev), eps) > t.Threshold {
			return true
		}
	}
	return false
}

// SelectivityDeviationTester flags drift when the normalized Frobenius
// distance between the selectivity matrices exceeds the threshold.
type SelectivityDeviationTester struct {
	Threshold float64
}

// Kind implements DeviationTester.
func (t *SelectivityDeviationTester) Kind() cep.StatisticsKind {
	return cep.StatSelectivityMatrix
}

// Deviated implements DeviationTester.
func (t *SelectivityDeviationTester) Deviated(current, previous *cep.Statistics) bool {
	const eps = 1e-9

	pairs := map[cep.TypePair]bool{}
	for pair := range current.Selectivity {
		pairs[pair] = true
	}
	for pair := range previous.Selectivity {
		pairs[pair] = true
	}
	if len(pairs) == 0 {
		return false
	}

	var driftSq, prevSq float64
	for pair := range pairs {
		prev := previous.SelectivityOf(pair.Left, pair.Right)
		cur := current.SelectivityOf(pair.Left, pair.Right)
		driftSq += (cur - prev) * (cur - prev)
		prevSq += prev * prev
	}
	return math.Sqrt(driftSq)/(math.Sqrt(prevSq)+eps) > t.Threshold
}
