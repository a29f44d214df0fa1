// Package resolve turns one step's candidate moves into a committed position
// set in which no two agents share a cell.
//
// Arbitration uses only the pre-step occupancy snapshot:
//   - a candidate equal to the agent's own cell is admitted (stay);
//   - a candidate cell occupied at step start by another agent is rejected,
//     even if that agent is about to leave;
//   - among agents targeting the same empty cell the lowest index is admitted
//     and the rest keep their position.
//
// Rejected agents stay in cells that were theirs in the snapshot, and
// admitted movers enter cells that were empty in it and won by exactly one
// contender, so the result is exclusive whenever the snapshot was.
package resolve

import (
	"context"
	"sync/atomic"

	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/occupancy"
	"gridswarm.ai/internal/sim/par"
	"gridswarm.ai/internal/sim/simerr"
)

type Outcome uint8

const (
	Stayed    Outcome = iota // candidate was the current cell
	Moved                    // admitted into an empty cell
	Blocked                  // target occupied at step start
	Contended                // lost an empty-cell contention to a lower index
)

// Stats counts outcomes for one step.
type Stats struct {
	Moved     int `json:"moved"`
	Stayed    int `json:"stayed"`
	Blocked   int `json:"blocked"`
	Contended int `json:"contended"`
}

// Resolver keeps the per-agent scratch arrays and the claim table across
// steps so the step path does not allocate.
type Resolver struct {
	workers int

	claims   *occupancy.Claims
	outcomes []Outcome
	targets  []int64
}

// New sizes scratch space for n agents. The claim table follows x's
// dense/sparse mode.
func New(x *occupancy.Index, n int, budget *simerr.Budget, workers int) (*Resolver, error) {
	claims, err := occupancy.NewClaims(x, n, budget)
	if err != nil {
		return nil, err
	}
	if err := budget.Reserve("resolver scratch", int64(n), occupancy.ResolverBytesPerAgent); err != nil {
		return nil, err
	}
	r := &Resolver{workers: workers, claims: claims}
	err = simerr.Guard("resolver scratch", func() {
		r.outcomes = make([]Outcome, n)
		r.targets = make([]int64, n)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Outcomes exposes the last step's per-agent outcome. Read-only; valid until
// the next Resolve.
func (r *Resolver) Outcomes() []Outcome { return r.outcomes }

// Resolve writes the final position of every agent to out. prev must be the
// buffer occ was built from; cand, prev and out must share a shape and out
// must not alias prev or cand.
func (r *Resolver) Resolve(ctx context.Context, cand, prev agents.Buffer, occ *occupancy.Index, out agents.Buffer) (Stats, error) {
	g := occ.Grid()
	n := prev.Len()
	if cand.Len() != n || out.Len() != n || len(r.outcomes) < n {
		return Stats{}, simerr.Invariantf("resolve: shape mismatch cand=%d prev=%d out=%d scratch=%d", cand.Len(), n, out.Len(), len(r.outcomes))
	}

	// Classify against the snapshot.
	err := par.For(ctx, n, r.workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			c := cand.At(i)
			p := prev.At(i)
			if c == p {
				r.outcomes[i] = Stayed
				out.Set(i, p)
				continue
			}
			if !g.Contains(c) {
				return simerr.Invariantf("agent %d candidate %v outside grid %s", i, c, g)
			}
			idx := g.Index(c)
			if occ.LookupIndex(idx) != occupancy.Empty {
				r.outcomes[i] = Blocked
				out.Set(i, p)
				continue
			}
			r.outcomes[i] = Contended
			r.targets[i] = idx
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	// Register contenders. Dense claims take an order-independent atomic
	// minimum; sparse claims need ascending index order.
	if r.claims.Concurrent() {
		err = par.For(ctx, n, r.workers, func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				if r.outcomes[i] == Contended {
					r.claims.Offer(r.targets[i], int32(i))
				}
			}
			return nil
		})
		if err != nil {
			return Stats{}, err
		}
	} else {
		for i := 0; i < n; i++ {
			if r.outcomes[i] == Contended {
				r.claims.Offer(r.targets[i], int32(i))
			}
		}
	}

	// Admit winners and count.
	var moved, stayed, blocked, contended atomic.Int64
	err = par.For(ctx, n, r.workers, func(lo, hi int) error {
		var m, s, b, c int64
		for i := lo; i < hi; i++ {
			switch r.outcomes[i] {
			case Stayed:
				s++
			case Blocked:
				b++
			case Contended:
				if r.claims.Winner(r.targets[i]) == int32(i) {
					r.outcomes[i] = Moved
					out.Set(i, cand.At(i))
					m++
				} else {
					out.Set(i, prev.At(i))
					c++
				}
			}
		}
		moved.Add(m)
		stayed.Add(s)
		blocked.Add(b)
		contended.Add(c)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	if err := r.releaseClaims(ctx, n); err != nil {
		return Stats{}, err
	}
	return Stats{
		Moved:     int(moved.Load()),
		Stayed:    int(stayed.Load()),
		Blocked:   int(blocked.Load()),
		Contended: int(contended.Load()),
	}, nil
}

func (r *Resolver) releaseClaims(ctx context.Context, n int) error {
	if !r.claims.Concurrent() {
		r.claims.ReleaseAll()
		return nil
	}
	return par.For(ctx, n, r.workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			if o := r.outcomes[i]; o == Moved || o == Contended {
				r.claims.Release(r.targets[i])
			}
		}
		return nil
	})
}
