package cep

// SplitDisjunctions rewrites a pattern containing a top-level OR into one
// sub-pattern per disjunct. Every sub-pattern keeps the original pattern id
// and the subset of conditions its disjunct binds, so matches of any
// disjunct are reported for the original pattern. Patterns without a
// top-level OR pass through unchanged.
func SplitDisjunctions(p *Pattern) []*Pattern {
	if p.Structure.Kind != OperatorOr {
		return []*Pattern{p}
	}

	out := make([]*Pattern, 0, len(p.Structure.Operands))
	for _, operand := range p.Structure.Operands {
		bound := map[string]bool{KleenePrev: true, KleeneNext: true}
		operand.walk(func(op *PatternOperator) {
			if op.Kind == OperatorAtom {
				bound[op.Atom.Name] = true
			}
		})

		sub := &Pattern{
			ID:         p.ID,
			Structure:  operand,
			Conditions: p.ConditionsOver(bound),
			Window:     p.Window,
			Confidence: p.Confidence,
			Statistics: p.Statistics,
		}
		out = append(out, sub)
	}
	return out
}

// PreprocessPatterns applies disjunction splitting across a workload.
func PreprocessPatterns(patterns []*Pattern) []*Pattern {
	var out []*Pattern
	for _, p := range patterns {
		out = append(out, SplitDisjunctions(p)...)
	}
	return out
}
