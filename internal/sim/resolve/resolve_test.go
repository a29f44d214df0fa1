package resolve

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/occupancy"
	"gridswarm.ai/internal/sim/simerr"
)

type fixture struct {
	g   grid.Grid
	occ *occupancy.Index
	r   *Resolver
}

func newFixture(t *testing.T, g grid.Grid, n int, budget *simerr.Budget) fixture {
	t.Helper()
	occ, err := occupancy.New(g, n, budget, 4)
	if err != nil {
		t.Fatalf("occupancy: %v", err)
	}
	r, err := New(occ, n, budget, 4)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return fixture{g: g, occ: occ, r: r}
}

func (f fixture) resolve(t *testing.T, prev, cand agents.Buffer) (agents.Buffer, Stats) {
	t.Helper()
	ctx := context.Background()
	out, _ := agents.NewBuffer(f.g.Dims, prev.Len())
	if err := f.occ.Build(ctx, prev); err != nil {
		t.Fatalf("build: %v", err)
	}
	st, err := f.r.Resolve(ctx, cand, prev, f.occ, out)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := f.occ.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	return out, st
}

func rows(t *testing.T, dims int, r [][]int32) agents.Buffer {
	t.Helper()
	b, err := agents.FromRows(dims, r)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	return b
}

func TestResolve_ContentionLowestIndexWins(t *testing.T) {
	// Unlimited budget gives dense tables. 212 bytes cannot hold the two dense
	// tables plus scratch (2*25*4 + 18) but does hold the sparse ones.
	for _, tc := range []struct {
		budget *simerr.Budget
		dense  bool
	}{
		{simerr.NewBudget(0), true},
		{simerr.NewBudget(212), false},
	} {
		g, _ := grid.Cube(2, 5)
		f := newFixture(t, g, 2, tc.budget)
		if f.occ.Dense() != tc.dense {
			t.Fatalf("budget %d: dense=%v want %v", tc.budget.Limit, f.occ.Dense(), tc.dense)
		}
		prev := rows(t, 2, [][]int32{{0, 0}, {0, 2}})
		cand := rows(t, 2, [][]int32{{0, 1}, {0, 1}})
		for run := 0; run < 3; run++ {
			out, st := f.resolve(t, prev, cand)
			if out.At(0) != (grid.Cell{0, 1, 0}) {
				t.Fatalf("dense=%v agent 0 at %v want (0,1)", f.occ.Dense(), out.At(0))
			}
			if out.At(1) != (grid.Cell{0, 2, 0}) {
				t.Fatalf("dense=%v agent 1 at %v want (0,2)", f.occ.Dense(), out.At(1))
			}
			if st.Moved != 1 || st.Contended != 1 {
				t.Fatalf("stats=%+v", st)
			}
		}
	}
}

func TestNew_DenseChoiceCountsScratch(t *testing.T) {
	g, _ := grid.Cube(2, 100)
	const n = 10
	dense := 2*g.Volume()*4 + n*occupancy.ResolverBytesPerAgent

	// One byte short of dense mode still leaves room for the sparse tables.
	budget := simerr.NewBudget(dense - 1)
	f := newFixture(t, g, n, budget)
	if f.occ.Dense() {
		t.Fatalf("dense mode chosen without room for resolver scratch")
	}
	if budget.Used() > budget.Limit {
		t.Fatalf("used %d of %d", budget.Used(), budget.Limit)
	}

	budget = simerr.NewBudget(dense)
	f = newFixture(t, g, n, budget)
	if !f.occ.Dense() || budget.Used() != dense {
		t.Fatalf("dense=%v used=%d want %d", f.occ.Dense(), budget.Used(), dense)
	}
}

func TestResolve_OccupiedAtStartIsBlocked(t *testing.T) {
	g, _ := grid.Cube(2, 5)
	f := newFixture(t, g, 3, simerr.NewBudget(0))
	// Agent 0 wants agent 1's cell while agent 1 vacates it; agent 2 stays.
	prev := rows(t, 2, [][]int32{{1, 1}, {2, 1}, {4, 4}})
	cand := rows(t, 2, [][]int32{{2, 1}, {3, 1}, {4, 4}})
	out, st := f.resolve(t, prev, cand)
	if out.At(0) != (grid.Cell{1, 1, 0}) {
		t.Fatalf("agent 0 should be blocked, at %v", out.At(0))
	}
	if out.At(1) != (grid.Cell{3, 1, 0}) {
		t.Fatalf("agent 1 should move, at %v", out.At(1))
	}
	if out.At(2) != (grid.Cell{4, 4, 0}) {
		t.Fatalf("agent 2 should stay, at %v", out.At(2))
	}
	if st != (Stats{Moved: 1, Stayed: 1, Blocked: 1}) {
		t.Fatalf("stats=%+v", st)
	}
	if f.r.Outcomes()[0] != Blocked || f.r.Outcomes()[1] != Moved || f.r.Outcomes()[2] != Stayed {
		t.Fatalf("outcomes=%v", f.r.Outcomes()[:3])
	}
}

func TestResolve_SwapIsBlocked(t *testing.T) {
	g, _ := grid.Cube(2, 3)
	f := newFixture(t, g, 2, simerr.NewBudget(0))
	prev := rows(t, 2, [][]int32{{0, 0}, {1, 0}})
	cand := rows(t, 2, [][]int32{{1, 0}, {0, 0}})
	out, st := f.resolve(t, prev, cand)
	if out.At(0) != prev.At(0) || out.At(1) != prev.At(1) || st.Blocked != 2 {
		t.Fatalf("swap should block both: %v %v %+v", out.At(0), out.At(1), st)
	}
}

func TestResolve_RandomInvariants(t *testing.T) {
	// Half-full grids run dense. At one agent per 16 cells a budget of 8
	// bytes per cell is below the dense tables plus scratch, so they run sparse.
	for _, tc := range []struct {
		dims, side, perAgent int
		sparse               bool
	}{
		{2, 12, 2, false},
		{3, 12, 2, false},
		{2, 32, 16, true},
		{3, 16, 16, true},
	} {
		g, _ := grid.Cube(tc.dims, tc.side)
		vol := int(g.Volume())
		n := vol / tc.perAgent
		budget := simerr.NewBudget(0)
		if tc.sparse {
			budget = simerr.NewBudget(8 * int64(vol))
		}
		f := newFixture(t, g, n, budget)
		if f.occ.Dense() == tc.sparse {
			t.Fatalf("dims=%d side=%d: dense=%v", tc.dims, tc.side, f.occ.Dense())
		}
		var v Verifier
		r := rand.New(rand.NewPCG(uint64(tc.dims), uint64(tc.side)))

		perm := r.Perm(vol)
		prev, _ := agents.NewBuffer(tc.dims, n)
		for i := 0; i < n; i++ {
			prev.Set(i, g.CellAt(int64(perm[i])))
		}
		cand, _ := agents.NewBuffer(tc.dims, n)
		contended := 0
		for step := 0; step < 200; step++ {
			for i := 0; i < n; i++ {
				cand.Set(i, g.Step(prev.At(i), grid.Direction(r.IntN(g.Directions()))))
			}
			out, st := f.resolve(t, prev, cand)
			if err := v.Verify(g, out); err != nil {
				t.Fatalf("dims=%d sparse=%v step=%d: %v", tc.dims, tc.sparse, step, err)
			}
			if st.Moved+st.Stayed+st.Blocked+st.Contended != n {
				t.Fatalf("stats do not cover population: %+v", st)
			}
			contended += st.Contended
			for i := 0; i < n; i++ {
				if o := out.At(i); o != prev.At(i) && o != cand.At(i) {
					t.Fatalf("agent %d ended at %v, neither prior %v nor candidate %v", i, o, prev.At(i), cand.At(i))
				}
			}
			prev = out
		}
		if contended == 0 {
			t.Fatalf("dims=%d sparse=%v: no contention exercised", tc.dims, tc.sparse)
		}
	}
}

func TestVerify_DetectsDuplicatesAndBounds(t *testing.T) {
	g, _ := grid.Cube(2, 4)
	var v Verifier
	if err := v.Verify(g, rows(t, 2, [][]int32{{1, 1}, {1, 1}})); !errors.Is(err, simerr.ErrInvariantViolation) {
		t.Fatalf("duplicate not detected: %v", err)
	}
	if err := v.Verify(g, rows(t, 2, [][]int32{{1, 1}, {4, 0}})); !errors.Is(err, simerr.ErrInvariantViolation) {
		t.Fatalf("out of bounds not detected: %v", err)
	}
	if err := v.Verify(g, rows(t, 2, [][]int32{{1, 1}, {3, 0}})); err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}
}
