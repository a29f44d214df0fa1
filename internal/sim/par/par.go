// Package par splits an index range across a bounded number of goroutines.
// Every pass over the population that can run data-parallel goes through For,
// and For's return is the barrier the next pass waits on.
package par

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// MinChunk is the smallest range handed to a goroutine. Below this the
// scheduling overhead outweighs the work per agent.
const MinChunk = 1024

// Workers resolves a configured worker count (0 = GOMAXPROCS).
func Workers(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

// For calls fn on disjoint [lo, hi) ranges covering [0, n). fn must only
// write state owned by its range. Ranges are fixed by n and workers, not by
// scheduling, so deterministic fn bodies give deterministic results.
func For(ctx context.Context, n, workers int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	workers = Workers(workers)
	chunk := (n + workers - 1) / workers
	if chunk < MinChunk {
		chunk = MinChunk
	}
	if chunk >= n {
		return fn(0, n)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}
