package occupancy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/simerr"
)

func buildIndex(t *testing.T, g grid.Grid, rows [][]int32, budget *simerr.Budget) *Index {
	t.Helper()
	pos, err := agents.FromRows(g.Dims, rows)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	x, err := New(g, len(rows), budget, 2)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := x.Build(context.Background(), pos); err != nil {
		t.Fatalf("build: %v", err)
	}
	return x
}

func checkLookups(t *testing.T, x *Index) {
	t.Helper()
	if a := x.Lookup(grid.Cell{0, 0, 0}); a != 0 {
		t.Fatalf("(0,0) -> %d want 0", a)
	}
	if a := x.Lookup(grid.Cell{0, 2, 0}); a != 1 {
		t.Fatalf("(0,2) -> %d want 1", a)
	}
	if a := x.Lookup(grid.Cell{0, 1, 0}); a != Empty {
		t.Fatalf("(0,1) -> %d want empty", a)
	}
	if err := x.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if a := x.Lookup(grid.Cell{0, 0, 0}); a != Empty {
		t.Fatalf("after reset (0,0) -> %d want empty", a)
	}
}

func TestIndex_DenseLookup(t *testing.T) {
	g, _ := grid.Cube(2, 5)
	x := buildIndex(t, g, [][]int32{{0, 0}, {0, 2}}, simerr.NewBudget(0))
	if !x.Dense() {
		t.Fatalf("expected dense mode with unlimited budget")
	}
	checkLookups(t, x)
}

func TestIndex_SparseLookup(t *testing.T) {
	g, _ := grid.Cube(2, 5)
	// 25 cells * 2 tables * 4 bytes = 200 bytes won't fit; 2 agents in a map will.
	x := buildIndex(t, g, [][]int32{{0, 0}, {0, 2}}, simerr.NewBudget(150))
	if x.Dense() {
		t.Fatalf("expected sparse mode under a tight budget")
	}
	checkLookups(t, x)
}

func TestIndex_BudgetExhausted(t *testing.T) {
	g, _ := grid.Cube(3, 100)
	_, err := New(g, 1_000_000, simerr.NewBudget(1024), 1)
	if !errors.Is(err, simerr.ErrResourceExhausted) {
		t.Fatalf("expected resource exhaustion, got %v", err)
	}
}

func TestClaims_LowestIndexWinsDense(t *testing.T) {
	g, _ := grid.Cube(2, 4)
	x, _ := New(g, 64, simerr.NewBudget(0), 1)
	c, err := NewClaims(x, 64, simerr.NewBudget(0))
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if !c.Concurrent() {
		t.Fatalf("dense claims should accept concurrent offers")
	}
	idx := g.Index(grid.Cell{1, 1, 0})
	var wg sync.WaitGroup
	for a := int32(63); a >= 5; a-- {
		wg.Add(1)
		go func(a int32) {
			defer wg.Done()
			c.Offer(idx, a)
		}(a)
	}
	wg.Wait()
	if w := c.Winner(idx); w != 5 {
		t.Fatalf("winner=%d want 5", w)
	}
	c.Release(idx)
	if w := c.Winner(idx); w != Empty {
		t.Fatalf("winner after release=%d want empty", w)
	}
}

func TestClaims_FirstOfferWinsSparse(t *testing.T) {
	g, _ := grid.Cube(2, 10)
	x, _ := New(g, 4, simerr.NewBudget(4*sparseEntryBytes), 1)
	c, err := NewClaims(x, 4, simerr.NewBudget(4*sparseEntryBytes))
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if c.Concurrent() {
		t.Fatalf("sparse claims must be sequential")
	}
	c.Offer(3, 1)
	c.Offer(3, 2)
	if w := c.Winner(3); w != 1 {
		t.Fatalf("winner=%d want 1", w)
	}
	c.ReleaseAll()
	if w := c.Winner(3); w != Empty {
		t.Fatalf("winner after release=%d", w)
	}
}
