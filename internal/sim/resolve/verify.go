package resolve

import (
	"slices"

	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/simerr"
)

// Verifier checks the bounds and exclusivity invariants of a position set.
// It reuses one key slice across calls.
type Verifier struct {
	keys []int64
}

// Verify returns an error wrapping simerr.ErrInvariantViolation naming the
// first offending agent(s).
func (v *Verifier) Verify(g grid.Grid, pos agents.Buffer) error {
	n := pos.Len()
	if cap(v.keys) < n {
		v.keys = make([]int64, n)
	}
	keys := v.keys[:n]
	for i := 0; i < n; i++ {
		c := pos.At(i)
		if !g.Contains(c) {
			return simerr.Invariantf("agent %d at %v outside grid %s", i, c, g)
		}
		keys[i] = g.Index(c)
	}
	slices.Sort(keys)
	for i := 1; i < n; i++ {
		if keys[i] == keys[i-1] {
			return simerr.Invariantf("cell %v hosts more than one agent", g.CellAt(keys[i]))
		}
	}
	return nil
}
