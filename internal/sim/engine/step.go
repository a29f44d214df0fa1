package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gridswarm.ai/internal/sim/policy"
	"gridswarm.ai/internal/sim/resolve"
)

// Step advances the population by one tick. On error nothing is committed.
// Cancellation is only honoured before the step starts: the internal passes
// run to completion so a step is never half applied.
func (e *Engine) Step(ctx context.Context) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	start := time.Now()
	pass := context.WithoutCancel(ctx)
	prev := e.store.Positions()

	if err := e.occ.Build(pass, prev); err != nil {
		return StepResult{}, err
	}

	var draws []uint8
	if k := e.policy.Draws(e.grid); k > 0 {
		policy.FillDraws(e.rng, k, e.draws)
		draws = e.draws
	}
	if err := policy.Candidates(pass, e.policy, e.store, draws, e.cand, e.cfg.Workers); err != nil {
		_ = e.occ.Reset(pass)
		return StepResult{}, err
	}

	st, err := e.resolver.Resolve(pass, e.cand, prev, e.occ, e.next)
	if rerr := e.occ.Reset(pass); err == nil {
		err = rerr
	}
	if err != nil {
		return StepResult{}, err
	}
	if e.cfg.CheckInvariants {
		if err := e.verifier.Verify(e.grid, e.next); err != nil {
			return StepResult{}, err
		}
	}

	e.next = e.store.Commit(e.next)
	e.step++
	if e.store.HasGoals() {
		e.arrived = e.store.Arrived()
	}

	res := StepResult{
		Step:     e.step,
		Arrived:  e.arrived,
		Stats:    st,
		Duration: time.Since(start),
	}
	if e.stepLog != nil {
		res.Digest = e.StateDigest()
		err := e.stepLog.WriteStep(StepLogEntry{
			RunID:      e.cfg.RunID,
			Step:       res.Step,
			Arrived:    res.Arrived,
			Moved:      st.Moved,
			Stayed:     st.Stayed,
			Blocked:    st.Blocked,
			Contended:  st.Contended,
			DurationUS: res.Duration.Microseconds(),
			Digest:     res.Digest,
		})
		if err != nil {
			e.log.Warn("step log write failed", zap.Uint64("step", res.Step), zap.Error(err))
		}
	}
	e.publish(st, res.Duration, "")
	return res, nil
}

// Run steps until the step limit, until every agent has arrived (goal mode),
// or until ctx is cancelled or Stop is called. A population that is already
// terminal runs zero steps. The final snapshot and report are emitted for
// every termination reason, including a stop.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	e.log.Info("run start",
		zap.String("run_id", e.cfg.RunID),
		zap.String("grid", e.grid.String()),
		zap.String("mode", e.cfg.Mode),
		zap.Int("agents", e.store.Len()),
		zap.Int("max_steps", e.cfg.MaxSteps),
		zap.Uint64("from_step", e.step),
	)
	if e.snaps != nil {
		e.snaps.SubmitSnapshot(e.ExportSnapshot())
	}

	var (
		last   resolve.Stats
		lastD  time.Duration
		reason = e.terminal()
	)
	for reason == "" {
		select {
		case <-ctx.Done():
			reason = ReasonStopped
			continue
		case <-e.stop:
			reason = ReasonStopped
			continue
		default:
		}

		res, err := e.Step(ctx)
		if err != nil {
			e.log.Error("step failed", zap.Uint64("step", e.step+1), zap.Error(err))
			return e.summary(start, ""), err
		}
		last, lastD = res.Stats, res.Duration

		if e.cfg.ReportEvery > 0 && res.Step%uint64(e.cfg.ReportEvery) == 0 {
			e.report(e.Metrics())
		}
		reason = e.terminal()
		if reason == "" && e.snaps != nil && e.cfg.SnapshotEvery > 0 && res.Step%uint64(e.cfg.SnapshotEvery) == 0 {
			e.snaps.SubmitSnapshot(e.ExportSnapshot())
		}
	}

	e.publish(last, lastD, reason)
	if e.snaps != nil {
		e.snaps.SubmitSnapshot(e.ExportSnapshot())
	}
	e.report(e.Metrics())
	sum := e.summary(start, reason)
	e.log.Info("run end",
		zap.String("run_id", sum.RunID),
		zap.String("reason", string(sum.Reason)),
		zap.Uint64("steps", sum.Steps),
		zap.Int("arrived", sum.Arrived),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

// terminal reports the reason the run must end before another step, or "".
func (e *Engine) terminal() Reason {
	if e.store.HasGoals() && e.arrived == e.store.Len() {
		return ReasonAllArrived
	}
	if e.step >= uint64(e.cfg.MaxSteps) {
		return ReasonMaxSteps
	}
	return ""
}

func (e *Engine) report(m Metrics) {
	for _, r := range e.reporters {
		r.Report(m)
	}
}

func (e *Engine) summary(start time.Time, reason Reason) Summary {
	return Summary{
		RunID:   e.cfg.RunID,
		Reason:  reason,
		Steps:   e.step,
		Agents:  e.store.Len(),
		Arrived: e.arrived,
		Elapsed: time.Since(start),
		Digest:  e.StateDigest(),
	}
}
