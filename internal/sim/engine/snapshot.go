package engine

import (
	"math/rand/v2"

	"gridswarm.ai/internal/persistence/snapshot"
	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/simerr"
)

// ExportSnapshot copies the committed state. Not safe to call concurrently
// with Step.
func (e *Engine) ExportSnapshot() snapshot.RunV1 {
	rng, _ := e.pcg.MarshalBinary()
	s := snapshot.RunV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			RunID:   e.cfg.RunID,
			Step:    e.step,
			Agents:  e.store.Len(),
			Arrived: e.arrived,
			Digest:  e.StateDigest(),
		},
		Mode:      e.cfg.Mode,
		Seed:      e.cfg.Seed,
		MaxSteps:  e.cfg.MaxSteps,
		Dims:      e.grid.Dims,
		Size:      e.grid.Size,
		Positions: e.store.Positions().Columns(),
		RNG:       rng,
	}
	if e.store.HasGoals() {
		s.Goals = e.store.Goals().Columns()
	}
	return s
}

// ImportSnapshot replaces the committed positions, step counter and random
// stream with those in s. The engine must have been built for the same grid,
// mode and population size.
func (e *Engine) ImportSnapshot(s snapshot.RunV1) error {
	if s.Dims != e.grid.Dims || s.Size != e.grid.Size {
		return simerr.Configf("snapshot grid %dD %v does not match engine grid %s", s.Dims, s.Size, e.grid)
	}
	if s.Mode != e.cfg.Mode {
		return simerr.Configf("snapshot mode %q does not match engine mode %q", s.Mode, e.cfg.Mode)
	}
	pos, err := agents.FromColumns(s.Dims, s.Positions)
	if err != nil {
		return err
	}
	if pos.Len() != e.store.Len() {
		return simerr.Configf("snapshot has %d agents, engine has %d", pos.Len(), e.store.Len())
	}
	if (s.Goals != nil) != e.store.HasGoals() {
		return simerr.Configf("snapshot goals present=%v, engine goals present=%v", s.Goals != nil, e.store.HasGoals())
	}
	for i := 0; i < pos.Len(); i++ {
		if c := pos.At(i); !e.grid.Contains(c) {
			return simerr.Configf("snapshot agent %d at %v outside grid %s", i, c, e.grid)
		}
	}
	if err := e.verifier.Verify(e.grid, pos); err != nil {
		return err
	}
	var goals agents.Buffer
	if s.Goals != nil {
		if goals, err = agents.FromColumns(s.Dims, s.Goals); err != nil {
			return err
		}
		if goals.Len() != pos.Len() {
			return simerr.Configf("snapshot has %d goals for %d agents", goals.Len(), pos.Len())
		}
		for i := 0; i < goals.Len(); i++ {
			if c := goals.At(i); !e.grid.Contains(c) {
				return simerr.Configf("snapshot goal %d at %v outside grid %s", i, c, e.grid)
			}
		}
	}
	var rng rand.PCG
	if err := rng.UnmarshalBinary(s.RNG); err != nil {
		return simerr.Configf("snapshot rng state: %v", err)
	}

	// Nothing below fails.
	*e.pcg = rng
	e.store.Positions().CopyFrom(pos)
	if s.Goals != nil {
		e.store.Goals().CopyFrom(goals)
	}
	e.step = s.Header.Step
	e.arrived = e.store.Arrived()
	e.publish(e.Metrics().Last, 0, "")
	return nil
}

// Restore builds the store described by s and an engine resumed from it. cfg
// supplies the run parameters that are not part of the snapshot (workers,
// intervals, invariant checks); mode, seed and run id come from s, and
// MaxSteps from s unless cfg sets it.
func Restore(s snapshot.RunV1, cfg Config, opts ...Option) (*Engine, error) {
	if s.Dims != 2 && s.Dims != 3 {
		return nil, simerr.Configf("snapshot dims must be 2 or 3, got %d", s.Dims)
	}
	sizes := make([]int, s.Dims)
	for d := range sizes {
		sizes[d] = int(s.Size[d])
	}
	g, err := grid.New(s.Dims, sizes)
	if err != nil {
		return nil, err
	}
	pos, err := agents.FromColumns(s.Dims, s.Positions)
	if err != nil {
		return nil, err
	}
	var goals *agents.Buffer
	if s.Goals != nil {
		b, err := agents.FromColumns(s.Dims, s.Goals)
		if err != nil {
			return nil, err
		}
		goals = &b
	}
	store, err := agents.NewStore(g, pos, goals)
	if err != nil {
		return nil, err
	}
	cfg.Mode = s.Mode
	cfg.Seed = s.Seed
	if cfg.RunID == "" {
		cfg.RunID = s.Header.RunID
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = s.MaxSteps
	}
	e, err := New(cfg, store, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.ImportSnapshot(s); err != nil {
		return nil, err
	}
	return e, nil
}
