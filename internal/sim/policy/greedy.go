package policy

import "gridswarm.ai/internal/sim/grid"

// Greedy picks the unit move whose clipped result is closest to the goal in
// Manhattan distance. Ties go to the lowest direction index. An agent on its
// goal stays put.
type Greedy struct{}

func (Greedy) Name() string        { return NameGreedy }
func (Greedy) Draws(grid.Grid) int { return 0 }

func (Greedy) Propose(g grid.Grid, in Input) grid.Cell {
	if !in.HasGoal {
		return in.Pos
	}
	if in.Pos == in.Goal {
		return in.Pos
	}
	best := in.Pos
	bestDist := int32(-1)
	for d := 0; d < g.Directions(); d++ {
		c := g.Step(in.Pos, grid.Direction(d))
		dist := grid.Manhattan(c, in.Goal)
		if bestDist < 0 || dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}
