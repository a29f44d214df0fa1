package agents

import (
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/simerr"
)

// Store is the PositionStore: current positions of every agent and, in
// goal-seeking mode, each agent's fixed goal. The engine replaces the position
// buffer exactly once per step via Commit.
type Store struct {
	grid  grid.Grid
	pos   Buffer
	goals Buffer
	has   bool
}

// NewStore wraps pre-filled buffers. goals may be the zero Buffer when the
// population has no goals. Every coordinate must be in bounds.
func NewStore(g grid.Grid, pos Buffer, goals *Buffer) (*Store, error) {
	if pos.Dims != g.Dims {
		return nil, simerr.Configf("positions have %d axes, grid has %d", pos.Dims, g.Dims)
	}
	s := &Store{grid: g, pos: pos}
	if goals != nil {
		if goals.Dims != g.Dims || goals.Len() != pos.Len() {
			return nil, simerr.Configf("goal buffer shape %dx%d does not match positions %dx%d", goals.Len(), goals.Dims, pos.Len(), pos.Dims)
		}
		s.goals = *goals
		s.has = true
	}
	for i := 0; i < pos.Len(); i++ {
		if c := pos.At(i); !g.Contains(c) {
			return nil, simerr.Configf("agent %d position %v outside grid %s", i, c, g)
		}
		if s.has {
			if c := s.goals.At(i); !g.Contains(c) {
				return nil, simerr.Configf("agent %d goal %v outside grid %s", i, c, g)
			}
		}
	}
	return s, nil
}

func (s *Store) Grid() grid.Grid { return s.grid }
func (s *Store) Len() int        { return s.pos.Len() }
func (s *Store) HasGoals() bool  { return s.has }

// Positions exposes the committed position buffer. Callers must treat it as
// read-only.
func (s *Store) Positions() Buffer { return s.pos }

// Goals exposes the goal buffer (zero Buffer when HasGoals is false).
func (s *Store) Goals() Buffer { return s.goals }

func (s *Store) Pos(i int) grid.Cell { return s.pos.At(i) }

func (s *Store) Goal(i int) (grid.Cell, bool) {
	if !s.has {
		return grid.Cell{}, false
	}
	return s.goals.At(i), true
}

// Commit installs next as the new position buffer and returns the previous
// buffer so the caller can reuse it for the following step.
func (s *Store) Commit(next Buffer) Buffer {
	prev := s.pos
	s.pos = next
	return prev
}

// Distance is the Manhattan distance from agent i to its goal, or -1 without
// goals.
func (s *Store) Distance(i int) int32 {
	if !s.has {
		return -1
	}
	return grid.Manhattan(s.pos.At(i), s.goals.At(i))
}

// Arrived counts agents at distance zero from their goal.
func (s *Store) Arrived() int {
	if !s.has {
		return 0
	}
	n := 0
	for i := 0; i < s.pos.Len(); i++ {
		if s.arrivedAt(i) {
			n++
		}
	}
	return n
}

func (s *Store) arrivedAt(i int) bool {
	for d := 0; d < s.pos.Dims; d++ {
		if s.pos.Axes[d][i] != s.goals.Axes[d][i] {
			return false
		}
	}
	return true
}

// Distances returns the per-agent final distance vector (nil without goals).
func (s *Store) Distances() []int32 {
	if !s.has {
		return nil
	}
	out := make([]int32, s.pos.Len())
	for i := range out {
		out[i] = s.Distance(i)
	}
	return out
}
