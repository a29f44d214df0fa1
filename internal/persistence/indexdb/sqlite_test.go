package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gridswarm.ai/internal/persistence/snapshot"
	"gridswarm.ai/internal/sim/engine"
)

func TestSQLiteIndex_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index", "runs.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = s.BeginRun(ctx, RunRow{
		RunID:     "run-1",
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Mode:      "goal_seeking",
		Dims:      3,
		Size:      []int{5, 5, 5},
		Agents:    10,
		Seed:      42,
		MaxSteps:  100,
		Config:    map[string]any{"agents": 10},
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for step := uint64(1); step <= 3; step++ {
		_ = s.WriteStep(engine.StepLogEntry{RunID: "run-1", Step: step, Moved: 4, Digest: fmt.Sprintf("d%d", step)})
	}
	s.RecordSnapshot("/data/runs/run-1/snapshots/0.snap.zst", snapshot.RunV1{Header: snapshot.Header{RunID: "run-1", Step: 0}})
	s.RecordSnapshot("/data/runs/run-1/snapshots/3.snap.zst", snapshot.RunV1{Header: snapshot.Header{RunID: "run-1", Step: 3, Digest: "d3"}})
	s.EndRun(engine.Summary{RunID: "run-1", Reason: engine.ReasonMaxSteps, Steps: 3, Arrived: 7, Digest: "d3"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs=%d", len(runs))
	}
	r := runs[0]
	if r.RunID != "run-1" || r.Reason != "max_steps" || r.Steps != 3 || r.Arrived != 7 || r.FinalDigest != "d3" {
		t.Fatalf("run=%+v", r)
	}
	if len(r.Size) != 3 || r.Size[2] != 5 || r.ConfigDigest == "" || r.EndedAt.IsZero() {
		t.Fatalf("run=%+v", r)
	}

	p, step, err := s.LatestSnapshot(ctx, "run-1")
	if err != nil || step != 3 || p != "/data/runs/run-1/snapshots/3.snap.zst" {
		t.Fatalf("latest snapshot=%s step=%d err=%v", p, step, err)
	}
	d, err := s.StepDigest(ctx, "run-1", 2)
	if err != nil || d != "d2" {
		t.Fatalf("step digest=%q err=%v", d, err)
	}
	if _, err := s.StepDigest(ctx, "run-1", 9); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing step: %v", err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqStep, step: engine.StepLogEntry{Step: 1}}

	_ = s.WriteStep(engine.StepLogEntry{Step: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.RunV1{})

	st := s.Stats()
	if st.DropStepTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drops=%+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	if err := s.WriteStep(engine.StepLogEntry{}); err != nil {
		t.Fatalf("nil write: %v", err)
	}
	s.RecordSnapshot("", snapshot.RunV1{})
	s.EndRun(engine.Summary{})
	if err := s.BeginRun(context.Background(), RunRow{}); err != nil {
		t.Fatalf("nil begin: %v", err)
	}
	if st := s.Stats(); st != (Stats{}) {
		t.Fatalf("stats=%+v", st)
	}
}
