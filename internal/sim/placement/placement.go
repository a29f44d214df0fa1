// Package placement draws the initial population: agent cells and, in
// goal-seeking mode, goal cells. Both are drawn without replacement so the
// start state satisfies the exclusivity invariant and every agent could in
// principle arrive.
package placement

import (
	"math/rand/v2"

	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/simerr"
)

// Stream constants separate the agent and goal draws so adding goals does not
// perturb agent placement for the same seed.
const (
	streamAgents uint64 = 0x9e3779b97f4a7c15
	streamGoals  uint64 = 0xbf58476d1ce4e5b9
)

// denseSampleRatio: when n is at least volume/denseSampleRatio a partial
// Fisher-Yates over all cell indices is cheaper than rejection sampling.
const denseSampleRatio = 4

// Place builds a store of n agents on g from seed.
func Place(g grid.Grid, n int, seed int64, withGoals bool, budget *simerr.Budget) (*agents.Store, error) {
	if n < 0 {
		return nil, simerr.Configf("agent count must be >= 0, got %d", n)
	}
	if int64(n) > g.Volume() {
		return nil, simerr.Configf("%d agents cannot be placed uniquely on %d cells", n, g.Volume())
	}
	buffers := int64(1)
	if withGoals {
		buffers = 2
	}
	if err := budget.Reserve("agent arrays", buffers*int64(n)*int64(g.Dims), 4); err != nil {
		return nil, err
	}

	pos, err := agents.NewBuffer(g.Dims, n)
	if err != nil {
		return nil, err
	}
	if err := sample(g, n, rand.New(rand.NewPCG(uint64(seed), streamAgents)), pos); err != nil {
		return nil, err
	}
	if !withGoals {
		return agents.NewStore(g, pos, nil)
	}
	goals, err := agents.NewBuffer(g.Dims, n)
	if err != nil {
		return nil, err
	}
	if err := sample(g, n, rand.New(rand.NewPCG(uint64(seed), streamGoals)), goals); err != nil {
		return nil, err
	}
	return agents.NewStore(g, pos, &goals)
}

// sample writes n distinct cells of g to out.
func sample(g grid.Grid, n int, r *rand.Rand, out agents.Buffer) error {
	vol := g.Volume()
	if n == 0 {
		return nil
	}
	if int64(n)*denseSampleRatio >= vol {
		var cells []int64
		err := simerr.Guard("placement shuffle", func() { cells = make([]int64, vol) })
		if err != nil {
			return err
		}
		for i := range cells {
			cells[i] = int64(i)
		}
		for i := 0; i < n; i++ {
			j := int64(i) + r.Int64N(vol-int64(i))
			cells[i], cells[j] = cells[j], cells[i]
			out.Set(i, g.CellAt(cells[i]))
		}
		return nil
	}
	var taken map[int64]struct{}
	err := simerr.Guard("placement set", func() { taken = make(map[int64]struct{}, n) })
	if err != nil {
		return err
	}
	for i := 0; i < n; {
		idx := r.Int64N(vol)
		if _, dup := taken[idx]; dup {
			continue
		}
		taken[idx] = struct{}{}
		out.Set(i, g.CellAt(idx))
		i++
	}
	return nil
}
