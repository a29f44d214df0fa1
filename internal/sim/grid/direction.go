package grid

// Direction is one of the 2*Dims axis-aligned unit moves. The numeric order is
// the tie-break order for greedy selection and the draw mapping for random
// walks; changing it changes every trajectory.
type Direction uint8

const (
	Up       Direction = iota // y-1
	Down                      // y+1
	Left                      // x-1
	Right                     // x+1
	Forward                   // z-1
	Backward                  // z+1
)

var dirNames = [...]string{"up", "down", "left", "right", "forward", "backward"}

var dirDelta = [...]Cell{
	Up:       {0, -1, 0},
	Down:     {0, 1, 0},
	Left:     {-1, 0, 0},
	Right:    {1, 0, 0},
	Forward:  {0, 0, -1},
	Backward: {0, 0, 1},
}

func (d Direction) String() string {
	if int(d) < len(dirNames) {
		return dirNames[d]
	}
	return "invalid"
}

func (d Direction) Delta() Cell { return dirDelta[d] }

// Directions is the number of unit moves available in g.
func (g Grid) Directions() int { return 2 * g.Dims }

// Step moves c one unit in direction d and clips the result. At a boundary the
// clipped result can equal c.
func (g Grid) Step(c Cell, d Direction) Cell {
	delta := dirDelta[d]
	return g.Clip(Cell{c[0] + delta[0], c[1] + delta[1], c[2] + delta[2]})
}
