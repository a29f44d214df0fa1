// Package occupancy maps grid cells to the agent occupying them at the start
// of a step. The index is a derived view rebuilt every step; it never owns
// agent identity.
package occupancy

import (
	"context"

	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/par"
	"gridswarm.ai/internal/sim/simerr"
)

// Empty is returned by Lookup for unoccupied cells.
const Empty int32 = -1

// sparseEntryBytes approximates one map[int64]int32 entry including bucket
// overhead.
const sparseEntryBytes = 48

// Index is dense (one slot per grid cell) when the grid volume fits the
// memory budget and sparse (a map sized by population) otherwise. Dense slots
// store agent+1 so the zero value means empty.
type Index struct {
	g       grid.Grid
	workers int

	dense  []int32
	sparse map[int64]int32

	built agents.Buffer
}

// ResolverBytesPerAgent is the resolver's per-agent scratch: one outcome byte
// and one int64 target cell.
const ResolverBytesPerAgent = 9

// New sizes an index for n agents on g, reserving its memory from budget.
// Dense mode needs two slots per cell (occupancy plus the resolver's claim
// table) and the resolver scratch reserved after it, so the decision is made
// here for all three.
func New(g grid.Grid, n int, budget *simerr.Budget, workers int) (*Index, error) {
	x := &Index{g: g, workers: workers}
	vol := g.Volume()
	if denseFits(vol, n, budget) {
		if err := budget.Reserve("occupancy grid", vol, 4); err != nil {
			return nil, err
		}
		err := simerr.Guard("occupancy grid", func() { x.dense = make([]int32, vol) })
		if err != nil {
			return nil, err
		}
		return x, nil
	}
	if err := budget.Reserve("occupancy map", int64(n), sparseEntryBytes); err != nil {
		return nil, err
	}
	err := simerr.Guard("occupancy map", func() { x.sparse = make(map[int64]int32, n) })
	if err != nil {
		return nil, err
	}
	return x, nil
}

func (x *Index) Dense() bool     { return x.dense != nil }
func (x *Index) Grid() grid.Grid { return x.g }

// Build records every agent's current cell. It assumes the exclusivity
// invariant holds for pos, which lets the dense build write cells from
// several goroutines without coordination.
func (x *Index) Build(ctx context.Context, pos agents.Buffer) error {
	x.built = pos
	if x.dense != nil {
		return par.For(ctx, pos.Len(), x.workers, func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				x.dense[x.g.Index(pos.At(i))] = int32(i) + 1
			}
			return nil
		})
	}
	for i := 0; i < pos.Len(); i++ {
		x.sparse[x.g.Index(pos.At(i))] = int32(i)
	}
	return nil
}

// Lookup returns the agent occupying c at snapshot time, or Empty. Safe for
// concurrent use between Build and Reset.
func (x *Index) Lookup(c grid.Cell) int32 {
	return x.LookupIndex(x.g.Index(c))
}

func (x *Index) LookupIndex(idx int64) int32 {
	if x.dense != nil {
		return x.dense[idx] - 1
	}
	if a, ok := x.sparse[idx]; ok {
		return a
	}
	return Empty
}

// Reset discards the snapshot. Only the cells written by Build are cleared.
func (x *Index) Reset(ctx context.Context) error {
	pos := x.built
	x.built = agents.Buffer{}
	if x.dense != nil {
		return par.For(ctx, pos.Len(), x.workers, func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				x.dense[x.g.Index(pos.At(i))] = 0
			}
			return nil
		})
	}
	clear(x.sparse)
	return nil
}

func denseFits(vol int64, n int, budget *simerr.Budget) bool {
	if vol > grid.MaxVolume/8 || int64(n) > grid.MaxVolume/(2*ResolverBytesPerAgent) {
		return false
	}
	return budget.Fits(2*vol*4+int64(n)*ResolverBytesPerAgent, 1)
}
