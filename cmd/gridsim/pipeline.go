package main

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"gridswarm.ai/internal/persistence/indexdb"
	"gridswarm.ai/internal/persistence/snapshot"
	"gridswarm.ai/internal/sim/engine"
)

// snapshotWriter persists snapshots off the simulation goroutine. The engine
// blocks in SubmitSnapshot only while the buffer is full.
type snapshotWriter struct {
	runDir string
	idx    *indexdb.SQLiteIndex
	log    *zap.Logger

	ch   chan snapshot.RunV1
	done chan struct{}
	once sync.Once

	lastPath string
	last     snapshot.RunV1
}

func newSnapshotWriter(runDir string, idx *indexdb.SQLiteIndex, logger *zap.Logger) *snapshotWriter {
	w := &snapshotWriter{
		runDir: runDir,
		idx:    idx,
		log:    logger,
		ch:     make(chan snapshot.RunV1, 2),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *snapshotWriter) SubmitSnapshot(s snapshot.RunV1) { w.ch <- s }

func (w *snapshotWriter) loop() {
	defer close(w.done)
	for snap := range w.ch {
		path := snapshot.Path(w.runDir, snap.Header.Step)
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			w.log.Warn("snapshot write", zap.Uint64("step", snap.Header.Step), zap.Error(err))
			continue
		}
		w.idx.RecordSnapshot(path, snap)
		w.lastPath, w.last = path, snap
		w.log.Debug("snapshot written", zap.String("path", path))
	}
}

// Close drains pending snapshots and returns the last one written.
func (w *snapshotWriter) Close() (string, snapshot.RunV1) {
	w.once.Do(func() { close(w.ch) })
	<-w.done
	return w.lastPath, w.last
}

type multiStepLogger []engine.StepLogger

func (m multiStepLogger) WriteStep(e engine.StepLogEntry) error {
	var errs []error
	for _, l := range m {
		if err := l.WriteStep(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type consoleReporter struct{ log *zap.Logger }

func (r consoleReporter) Report(m engine.Metrics) {
	if m.Done {
		return
	}
	r.log.Info("progress",
		zap.Uint64("step", m.Step),
		zap.Int("max_steps", m.MaxSteps),
		zap.Int("arrived", m.Arrived),
		zap.Int("moved", m.Last.Moved),
		zap.Int("blocked", m.Last.Blocked),
		zap.Duration("step_time", m.StepDuration),
	)
}
