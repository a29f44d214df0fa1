package placement

import (
	"errors"
	"testing"

	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/simerr"
)

func distinct(t *testing.T, g grid.Grid, cells func(i int) grid.Cell, n int) {
	t.Helper()
	seen := make(map[grid.Cell]int, n)
	for i := 0; i < n; i++ {
		c := cells(i)
		if !g.Contains(c) {
			t.Fatalf("cell %v of agent %d outside %s", c, i, g)
		}
		if j, dup := seen[c]; dup {
			t.Fatalf("agents %d and %d share %v", j, i, c)
		}
		seen[c] = i
	}
}

func TestPlace_UniqueAgentsAndGoals(t *testing.T) {
	for _, tc := range []struct {
		size, n int
	}{
		{50, 1000}, // sparse sampling path
		{10, 900},  // shuffle path
		{4, 64},    // full grid
	} {
		g, _ := grid.Cube(3, tc.size)
		s, err := Place(g, tc.n, 42, true, simerr.NewBudget(0))
		if err != nil {
			t.Fatalf("place %d on %s: %v", tc.n, g, err)
		}
		if s.Len() != tc.n || !s.HasGoals() {
			t.Fatalf("len=%d goals=%v", s.Len(), s.HasGoals())
		}
		distinct(t, g, s.Pos, tc.n)
		distinct(t, g, func(i int) grid.Cell { c, _ := s.Goal(i); return c }, tc.n)
	}
}

func TestPlace_Reproducible(t *testing.T) {
	g, _ := grid.Cube(2, 100)
	a, err := Place(g, 1000, 7, false, nil)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	b, _ := Place(g, 1000, 7, false, nil)
	c, _ := Place(g, 1000, 8, false, nil)
	same := true
	for i := 0; i < 1000; i++ {
		if a.Pos(i) != b.Pos(i) {
			t.Fatalf("agent %d differs for same seed: %v vs %v", i, a.Pos(i), b.Pos(i))
		}
		if a.Pos(i) != c.Pos(i) {
			same = false
		}
	}
	if same {
		t.Fatalf("different seeds produced identical placement")
	}
}

func TestPlace_GoalsDoNotPerturbAgents(t *testing.T) {
	g, _ := grid.Cube(3, 20)
	a, _ := Place(g, 300, 3, false, nil)
	b, _ := Place(g, 300, 3, true, nil)
	for i := 0; i < 300; i++ {
		if a.Pos(i) != b.Pos(i) {
			t.Fatalf("agent %d moved when goals were added", i)
		}
	}
}

func TestPlace_Rejections(t *testing.T) {
	g, _ := grid.Cube(2, 3)
	if _, err := Place(g, 10, 1, false, nil); !errors.Is(err, simerr.ErrConfiguration) {
		t.Fatalf("overfull grid: %v", err)
	}
	if _, err := Place(g, -1, 1, false, nil); !errors.Is(err, simerr.ErrConfiguration) {
		t.Fatalf("negative count: %v", err)
	}
	big, _ := grid.Cube(3, 1000)
	if _, err := Place(big, 1_000_000, 1, true, simerr.NewBudget(1<<20)); !errors.Is(err, simerr.ErrResourceExhausted) {
		t.Fatalf("budget: %v", err)
	}
	s, err := Place(g, 0, 1, true, nil)
	if err != nil || s.Len() != 0 {
		t.Fatalf("empty population: %v", err)
	}
}
