package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridswarm.ai/internal/persistence/snapshot"
	"gridswarm.ai/internal/sim/engine"
)

const schemaVersion = "1"

// SQLiteIndex is a secondary, queryable index of runs, steps and snapshots.
// The JSONL step log and the snapshot files remain the source of truth: step
// and snapshot rows are queued without blocking and dropped when the writer
// falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropStep     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqStep reqKind = iota + 1
	reqSnapshot
	reqRunEnd
)

type req struct {
	kind reqKind

	step     engine.StepLogEntry
	snapshot snapshotRow
	end      runEndRow
}

type snapshotRow struct {
	RunID   string
	Step    uint64
	Path    string
	Agents  int
	Arrived int
	Digest  string
}

type runEndRow struct {
	RunID   string
	EndedAt string
	Summary engine.Summary
}

// RunRow is one entry of the runs table.
type RunRow struct {
	RunID        string
	StartedAt    time.Time
	Mode         string
	Dims         int
	Size         []int
	Agents       int
	Seed         int64
	MaxSteps     int
	Config       any
	ConfigDigest string

	EndedAt     time.Time
	Reason      string
	Steps       uint64
	Arrived     int
	FinalDigest string
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropStepTotal     uint64 `json:"drop_step_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, err
	}
	// One connection for the writer's open transaction, one for queries (WAL
	// readers do not wait on the writer).
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL for the append-style workload; NORMAL sync is enough for an index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			mode TEXT NOT NULL,
			dims INTEGER NOT NULL,
			size_json TEXT NOT NULL,
			agents INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			max_steps INTEGER NOT NULL,
			config_json TEXT NOT NULL,
			config_digest TEXT NOT NULL,
			ended_at TEXT,
			reason TEXT,
			steps INTEGER,
			arrived INTEGER,
			final_digest TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			arrived INTEGER NOT NULL,
			moved INTEGER NOT NULL,
			stayed INTEGER NOT NULL,
			blocked INTEGER NOT NULL,
			contended INTEGER NOT NULL,
			duration_us INTEGER NOT NULL,
			digest TEXT NOT NULL,
			PRIMARY KEY (run_id, step)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			path TEXT NOT NULL,
			agents INTEGER NOT NULL,
			arrived INTEGER NOT NULL,
			digest TEXT NOT NULL,
			PRIMARY KEY (run_id, step)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
}

// Close drains queued rows and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropStepTotal:     s.dropStep.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// BeginRun records the run parameters synchronously, before the loop starts.
// The config is stored as canonical JSON with its sha256.
func (s *SQLiteIndex) BeginRun(ctx context.Context, r RunRow) error {
	if s == nil {
		return nil
	}
	if r.RunID == "" {
		return errors.New("begin run: empty run id")
	}
	cfgJSON, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	sum := sha256.Sum256(cfgJSON)
	sizeJSON, _ := json.Marshal(r.Size)
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs(run_id,started_at,mode,dims,size_json,agents,seed,max_steps,config_json,config_digest) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.RunID,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.Mode,
		r.Dims,
		string(sizeJSON),
		r.Agents,
		r.Seed,
		r.MaxSteps,
		string(cfgJSON),
		hex.EncodeToString(sum[:]),
	)
	return err
}

// WriteStep queues a step row. It never blocks; full queues drop the row.
func (s *SQLiteIndex) WriteStep(e engine.StepLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqStep, step: e}:
	default:
		s.dropStep.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.RunV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		RunID:   snap.Header.RunID,
		Step:    snap.Header.Step,
		Path:    path,
		Agents:  snap.Header.Agents,
		Arrived: snap.Header.Arrived,
		Digest:  snap.Header.Digest,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// EndRun queues the run outcome behind any pending rows. It blocks until
// queued; call it once, after the loop has finished and before Close.
func (s *SQLiteIndex) EndRun(sum engine.Summary) {
	if s == nil || s.closed.Load() {
		return
	}
	s.ch <- req{kind: reqRunEnd, end: runEndRow{
		RunID:   sum.RunID,
		EndedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Summary: sum,
	}}
}

// Runs lists recorded runs, newest first.
func (s *SQLiteIndex) Runs(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id,started_at,mode,dims,size_json,agents,seed,max_steps,config_digest,
		COALESCE(ended_at,''),COALESCE(reason,''),COALESCE(steps,0),COALESCE(arrived,0),COALESCE(final_digest,'')
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			r              RunRow
			started, ended string
			sizeJSON       string
			steps          int64
		)
		if err := rows.Scan(&r.RunID, &started, &r.Mode, &r.Dims, &sizeJSON, &r.Agents, &r.Seed, &r.MaxSteps, &r.ConfigDigest,
			&ended, &r.Reason, &steps, &r.Arrived, &r.FinalDigest); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if ended != "" {
			r.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		}
		_ = json.Unmarshal([]byte(sizeJSON), &r.Size)
		r.Steps = uint64(steps)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the path and step of the highest indexed snapshot of
// runID, or sql.ErrNoRows.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context, runID string) (string, uint64, error) {
	var (
		path string
		step int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, step FROM snapshots WHERE run_id=? ORDER BY step DESC LIMIT 1`, runID,
	).Scan(&path, &step)
	if err != nil {
		return "", 0, err
	}
	return path, uint64(step), nil
}

// StepDigest returns the logged digest of one step, or sql.ErrNoRows.
func (s *SQLiteIndex) StepDigest(ctx context.Context, runID string, step uint64) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM steps WHERE run_id=? AND step=?`, runID, int64(step)).Scan(&d)
	return d, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared on db; executed within tx.
	insertStep, _ := s.db.Prepare(`INSERT OR REPLACE INTO steps(run_id,step,arrived,moved,stayed,blocked,contended,duration_us,digest) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(run_id,step,path,agents,arrived,digest) VALUES(?,?,?,?,?,?)`)
	updateRun, _ := s.db.Prepare(`UPDATE runs SET ended_at=?, reason=?, steps=?, arrived=?, final_digest=? WHERE run_id=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertStep, insertSnapshot, updateRun} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqStep:
			e := r.step
			exec(insertStep, e.RunID, int64(e.Step), e.Arrived, e.Moved, e.Stayed, e.Blocked, e.Contended, e.DurationUS, e.Digest)
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.RunID, int64(sn.Step), sn.Path, sn.Agents, sn.Arrived, sn.Digest)
		case reqRunEnd:
			sum := r.end.Summary
			exec(updateRun, r.end.EndedAt, string(sum.Reason), int64(sum.Steps), sum.Arrived, sum.Digest, r.end.RunID)
			// Run end is the last write of a run; make it visible now.
			commit()
			continue
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
