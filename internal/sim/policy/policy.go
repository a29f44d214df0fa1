// Package policy computes one candidate cell per agent per step. Policies are
// pure: the candidate depends only on the grid, the agent's position and goal,
// and an explicit pre-drawn random value.
package policy

import (
	"context"
	"fmt"

	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/par"
)

// Input is everything a policy may look at for one agent.
type Input struct {
	Pos     grid.Cell
	Goal    grid.Cell
	HasGoal bool
	// Draw is a uniform value in [0, Draws()) taken from the loop's random
	// stream for this agent and step. Zero for deterministic policies.
	Draw int
}

type Policy interface {
	Name() string
	// Draws is the number of equally likely outcomes consumed per agent per
	// step, or 0 when the policy does not use randomness.
	Draws(g grid.Grid) int
	// Propose returns a grid-legal candidate (possibly the current cell).
	Propose(g grid.Grid, in Input) grid.Cell
}

// Source is the explicit random stream. *math/rand/v2.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

const (
	NameGreedy     = "goal_seeking"
	NameRandomWalk = "random_walk"
)

// ByName maps a configured mode to its policy.
func ByName(name string) (Policy, error) {
	switch name {
	case NameGreedy:
		return Greedy{}, nil
	case NameRandomWalk:
		return RandomWalk{}, nil
	default:
		return nil, fmt.Errorf("unknown move policy %q", name)
	}
}

// FillDraws consumes len(out) values from src in agent index order. Keeping
// this sequential pins the mapping from stream position to agent regardless
// of how Candidates is scheduled.
func FillDraws(src Source, n int, out []uint8) {
	for i := range out {
		out[i] = uint8(src.IntN(n))
	}
}

// Candidates evaluates p for every agent in store and writes the results to
// out, which must have the store's shape. draws may be nil when p.Draws is 0.
func Candidates(ctx context.Context, p Policy, store *agents.Store, draws []uint8, out agents.Buffer, workers int) error {
	g := store.Grid()
	pos := store.Positions()
	goals := store.Goals()
	hasGoal := store.HasGoals()
	n := store.Len()
	if p.Draws(g) > 0 && len(draws) < n {
		return fmt.Errorf("policy %s needs %d draws, got %d", p.Name(), n, len(draws))
	}
	return par.For(ctx, n, workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			in := Input{Pos: pos.At(i), HasGoal: hasGoal}
			if hasGoal {
				in.Goal = goals.At(i)
			}
			if draws != nil {
				in.Draw = int(draws[i])
			}
			out.Set(i, p.Propose(g, in))
		}
		return nil
	})
}
