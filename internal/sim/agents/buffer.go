// Package agents owns the population's positions and goals in a
// structure-of-arrays layout: one []int32 per spatial axis, indexed by agent.
package agents

import (
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/simerr"
)

// Buffer holds one coordinate vector per agent as Dims parallel slices.
// Axes at or above Dims are nil and read as zero.
type Buffer struct {
	Dims int
	Axes [grid.MaxDims][]int32
}

// NewBuffer allocates n zeroed cells. Allocation failures surface as
// simerr.ErrResourceExhausted.
func NewBuffer(dims, n int) (Buffer, error) {
	b := Buffer{Dims: dims}
	err := simerr.Guard("agent buffer", func() {
		for d := 0; d < dims; d++ {
			b.Axes[d] = make([]int32, n)
		}
	})
	return b, err
}

func (b Buffer) Len() int {
	return len(b.Axes[0])
}

func (b Buffer) At(i int) grid.Cell {
	var c grid.Cell
	for d := 0; d < b.Dims; d++ {
		c[d] = b.Axes[d][i]
	}
	return c
}

func (b Buffer) Set(i int, c grid.Cell) {
	for d := 0; d < b.Dims; d++ {
		b.Axes[d][i] = c[d]
	}
}

// CopyFrom copies src into b. Both must have the same shape.
func (b Buffer) CopyFrom(src Buffer) {
	for d := 0; d < b.Dims; d++ {
		copy(b.Axes[d], src.Axes[d])
	}
}

func (b Buffer) Clone() Buffer {
	out := Buffer{Dims: b.Dims}
	for d := 0; d < b.Dims; d++ {
		out.Axes[d] = append([]int32(nil), b.Axes[d]...)
	}
	return out
}

// Rows converts to [][]int32, one row per agent. Used for reporting and
// snapshots, never on the step path.
func (b Buffer) Rows() [][]int32 {
	out := make([][]int32, b.Len())
	for i := range out {
		row := make([]int32, b.Dims)
		for d := 0; d < b.Dims; d++ {
			row[d] = b.Axes[d][i]
		}
		out[i] = row
	}
	return out
}

// FromRows is the inverse of Rows.
func FromRows(dims int, rows [][]int32) (Buffer, error) {
	b, err := NewBuffer(dims, len(rows))
	if err != nil {
		return b, err
	}
	for i, row := range rows {
		if len(row) != dims {
			return b, simerr.Configf("row %d has %d axes, want %d", i, len(row), dims)
		}
		for d := 0; d < dims; d++ {
			b.Axes[d][i] = row[d]
		}
	}
	return b, nil
}

// Columns returns a copy of the axis slices, axis-major. This is the snapshot
// layout.
func (b Buffer) Columns() [][]int32 {
	out := make([][]int32, b.Dims)
	for d := range out {
		out[d] = append([]int32(nil), b.Axes[d]...)
	}
	return out
}

// FromColumns is the inverse of Columns. Every column must have the same
// length.
func FromColumns(dims int, cols [][]int32) (Buffer, error) {
	if len(cols) != dims {
		return Buffer{}, simerr.Configf("%d columns, want %d", len(cols), dims)
	}
	b := Buffer{Dims: dims}
	for d, col := range cols {
		if len(col) != len(cols[0]) {
			return Buffer{}, simerr.Configf("column %d has %d entries, column 0 has %d", d, len(col), len(cols[0]))
		}
		b.Axes[d] = append([]int32(nil), col...)
	}
	return b, nil
}
