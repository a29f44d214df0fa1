package occupancy

import (
	"sync/atomic"

	"gridswarm.ai/internal/sim/simerr"
)

// Claims arbitrates agents that target the same empty cell: the lowest agent
// index wins. The dense table keeps a per-cell atomic minimum, which is
// independent of the order offers arrive in; the sparse table must be fed in
// ascending agent order from a single goroutine.
type Claims struct {
	dense  []int32
	sparse map[int64]int32
}

// NewClaims mirrors the mode chosen for x.
func NewClaims(x *Index, n int, budget *simerr.Budget) (*Claims, error) {
	c := &Claims{}
	if x.Dense() {
		vol := x.g.Volume()
		if err := budget.Reserve("claim grid", vol, 4); err != nil {
			return nil, err
		}
		err := simerr.Guard("claim grid", func() { c.dense = make([]int32, vol) })
		return c, err
	}
	if err := budget.Reserve("claim map", int64(n), sparseEntryBytes); err != nil {
		return nil, err
	}
	err := simerr.Guard("claim map", func() { c.sparse = make(map[int64]int32, n) })
	return c, err
}

// Concurrent reports whether Offer may be called from several goroutines.
func (c *Claims) Concurrent() bool { return c.dense != nil }

// Offer registers agent as a contender for cell idx.
func (c *Claims) Offer(idx int64, agent int32) {
	if c.dense != nil {
		v := agent + 1
		slot := &c.dense[idx]
		for {
			cur := atomic.LoadInt32(slot)
			if cur != 0 && cur <= v {
				return
			}
			if atomic.CompareAndSwapInt32(slot, cur, v) {
				return
			}
		}
	}
	if _, taken := c.sparse[idx]; !taken {
		c.sparse[idx] = agent
	}
}

// Winner is the lowest agent that offered for idx, or Empty.
func (c *Claims) Winner(idx int64) int32 {
	if c.dense != nil {
		return atomic.LoadInt32(&c.dense[idx]) - 1
	}
	if a, ok := c.sparse[idx]; ok {
		return a
	}
	return Empty
}

// Release clears idx. Concurrent-safe in dense mode.
func (c *Claims) Release(idx int64) {
	if c.dense != nil {
		atomic.StoreInt32(&c.dense[idx], 0)
		return
	}
	delete(c.sparse, idx)
}

// ReleaseAll clears the sparse table in one call; dense tables are cleared
// cell by cell through Release.
func (c *Claims) ReleaseAll() {
	if c.sparse != nil {
		clear(c.sparse)
	}
}
