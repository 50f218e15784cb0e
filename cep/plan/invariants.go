package plan

import (
	"fmt"
	"strings"

	"github.com/martymichal/opencep/cep"
)

// Invariant is a linear predicate over the arrival-rate statistics: the
// plan that produced it remains preferable while the cheaper type's rate
// stays at or below the dearer type's rate.
type Invariant struct {
	CheaperType string
	DearerType  string
}

// Violated reports whether the ordering no longer holds.
func (iv Invariant) Violated(stats *cep.Statistics) bool {
	return stats.Rate(iv.CheaperType) > stats.Rate(iv.DearerType)
}

// String renders the invariant.
func (iv Invariant) String() string {
	return fmt.Sprintf("rate(%s) <= rate(%s)", iv.CheaperType, iv.DearerType)
}

// Invariants is the set a builder returns alongside its plan.
type Invariants struct {
	Entries []Invariant
}

// Violated reports whether any invariant fails under the new statistics.
func (iv *Invariants) Violated(stats *cep.Statistics) bool {
	if iv == nil {
		return false
	}
	for _, entry := range iv.Entries {
		if entry.Violated(stats) {
			return true
		}
	}
	return false
}

// String renders the invariant set.
func (iv *Invariants) String() string {
	if iv == nil || len(iv.Entries) == 0 {
		return "no invariants"
	}
	parts := make([]string, len(iv.Entries))
	for i, entry := range iv.Entries {
		parts[i] = entry.String()
	}
	return strings.Join(parts, ", ")
}
