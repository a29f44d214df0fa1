package grid

import (
	"fmt"

	"gridswarm.ai/internal/sim/simerr"
)

// MaxDims is the largest supported dimensionality. Axes at or above a grid's
// Dims are always zero in a Cell.
const MaxDims = 3

// MaxVolume bounds the cell count so linear indices and byte estimates stay
// inside int64.
const MaxVolume int64 = 1 << 62

// Cell is an integer grid coordinate. Axis order is x, y, z.
type Cell [MaxDims]int32

// Grid is the axis-aligned box [0, Size[d]) per axis d < Dims.
type Grid struct {
	Dims int
	Size [MaxDims]int32
}

// New validates dims and per-axis sizes. len(size) must equal dims.
func New(dims int, size []int) (Grid, error) {
	if dims != 2 && dims != 3 {
		return Grid{}, simerr.Configf("dims must be 2 or 3, got %d", dims)
	}
	if len(size) != dims {
		return Grid{}, simerr.Configf("size has %d axes, dims is %d", len(size), dims)
	}
	g := Grid{Dims: dims}
	for d, s := range size {
		if s <= 0 {
			return Grid{}, simerr.Configf("size[%d] must be >= 1, got %d", d, s)
		}
		if s > 1<<30 {
			return Grid{}, simerr.Configf("size[%d]=%d exceeds int32 coordinate range", d, s)
		}
		g.Size[d] = int32(s)
	}
	vol := int64(1)
	for d := 0; d < dims; d++ {
		s := int64(g.Size[d])
		if vol > MaxVolume/s {
			return Grid{}, simerr.Configf("grid %v has more than %d cells", size, MaxVolume)
		}
		vol *= s
	}
	return g, nil
}

// Cube returns a grid with the same size on every axis.
func Cube(dims int, size int) (Grid, error) {
	s := make([]int, dims)
	for i := range s {
		s[i] = size
	}
	return New(dims, s)
}

// Volume is the number of cells, at most MaxVolume for grids built by New.
func (g Grid) Volume() int64 {
	v := int64(1)
	for d := 0; d < g.Dims; d++ {
		v *= int64(g.Size[d])
	}
	return v
}

func (g Grid) Contains(c Cell) bool {
	for d := 0; d < MaxDims; d++ {
		if d >= g.Dims {
			if c[d] != 0 {
				return false
			}
			continue
		}
		if c[d] < 0 || c[d] >= g.Size[d] {
			return false
		}
	}
	return true
}

// Clip clamps every axis independently to [0, size-1].
func (g Grid) Clip(c Cell) Cell {
	for d := 0; d < g.Dims; d++ {
		if c[d] < 0 {
			c[d] = 0
		} else if c[d] > g.Size[d]-1 {
			c[d] = g.Size[d] - 1
		}
	}
	for d := g.Dims; d < MaxDims; d++ {
		c[d] = 0
	}
	return c
}

// Index is the row-major linear index of c: x + sx*(y + sy*z).
// c must be inside the grid.
func (g Grid) Index(c Cell) int64 {
	idx := int64(0)
	for d := g.Dims - 1; d >= 0; d-- {
		idx = idx*int64(g.Size[d]) + int64(c[d])
	}
	return idx
}

// CellAt is the inverse of Index.
func (g Grid) CellAt(idx int64) Cell {
	var c Cell
	for d := 0; d < g.Dims; d++ {
		s := int64(g.Size[d])
		c[d] = int32(idx % s)
		idx /= s
	}
	return c
}

func (g Grid) String() string {
	if g.Dims == 2 {
		return fmt.Sprintf("%dx%d", g.Size[0], g.Size[1])
	}
	return fmt.Sprintf("%dx%dx%d", g.Size[0], g.Size[1], g.Size[2])
}

func (g Grid) Sizes() []int {
	out := make([]int, g.Dims)
	for d := range out {
		out[d] = int(g.Size[d])
	}
	return out
}

func absInt32(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

// Manhattan is the sum of absolute per-axis differences.
func Manhattan(a, b Cell) int32 {
	return absInt32(a[0]-b[0]) + absInt32(a[1]-b[1]) + absInt32(a[2]-b[2])
}
