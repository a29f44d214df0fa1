package policy

import "gridswarm.ai/internal/sim/grid"

// RandomWalk moves one unit in the direction given by the agent's draw.
type RandomWalk struct{}

func (RandomWalk) Name() string          { return NameRandomWalk }
func (RandomWalk) Draws(g grid.Grid) int { return g.Directions() }

func (RandomWalk) Propose(g grid.Grid, in Input) grid.Cell {
	d := in.Draw
	if d < 0 || d >= g.Directions() {
		return in.Pos
	}
	return g.Step(in.Pos, grid.Direction(d))
}
