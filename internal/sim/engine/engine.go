// Package engine drives the lock-step simulation: one Step evaluates every
// agent's policy against a single committed position snapshot, resolves
// conflicts and commits the result. Run repeats Step until a termination
// condition holds.
package engine

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gridswarm.ai/internal/persistence/snapshot"
	"gridswarm.ai/internal/sim/agents"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/occupancy"
	"gridswarm.ai/internal/sim/par"
	"gridswarm.ai/internal/sim/policy"
	"gridswarm.ai/internal/sim/resolve"
	"gridswarm.ai/internal/sim/simerr"
)

// streamSteps keeps the per-step draws independent of the placement streams
// derived from the same seed.
const streamSteps uint64 = 0x94d049bb133111eb

type Config struct {
	RunID           string
	Mode            string
	MaxSteps        int
	Seed            int64
	Workers         int
	ReportEvery     int
	SnapshotEvery   int
	CheckInvariants bool
}

type Reason string

const (
	ReasonMaxSteps   Reason = "max_steps"
	ReasonAllArrived Reason = "all_arrived"
	ReasonStopped    Reason = "stopped"
)

// StepResult describes one committed step. Step is the number of steps
// completed after this one.
type StepResult struct {
	Step     uint64
	Arrived  int
	Stats    resolve.Stats
	Duration time.Duration
	Digest   string
}

// Metrics is the read-only view published after every step.
type Metrics struct {
	RunID        string        `json:"run_id"`
	Mode         string        `json:"mode"`
	Step         uint64        `json:"step"`
	MaxSteps     int           `json:"max_steps"`
	Agents       int           `json:"agents"`
	Arrived      int           `json:"arrived"`
	Last         resolve.Stats `json:"last"`
	StepDuration time.Duration `json:"step_duration_ns"`
	Done         bool          `json:"done"`
	Reason       Reason        `json:"reason,omitempty"`
}

type Summary struct {
	RunID   string
	Reason  Reason
	Steps   uint64
	Agents  int
	Arrived int
	Elapsed time.Duration
	Digest  string
}

// StepLogEntry is one line of the step log.
type StepLogEntry struct {
	RunID      string `json:"run_id"`
	Step       uint64 `json:"step"`
	Arrived    int    `json:"arrived"`
	Moved      int    `json:"moved"`
	Stayed     int    `json:"stayed"`
	Blocked    int    `json:"blocked"`
	Contended  int    `json:"contended"`
	DurationUS int64  `json:"duration_us"`
	Digest     string `json:"digest"`
}

// StepLogger receives one entry per committed step. A write error is logged
// and does not stop the run.
type StepLogger interface {
	WriteStep(e StepLogEntry) error
}

// SnapshotSink receives the initial snapshot, one every SnapshotEvery steps
// and one at termination. It is called between steps; implementations hand
// the write off to another goroutine.
type SnapshotSink interface {
	SubmitSnapshot(s snapshot.RunV1)
}

// Reporter receives metrics every ReportEvery steps and once at termination
// with m.Done set.
type Reporter interface {
	Report(m Metrics)
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithBudget(b *simerr.Budget) Option {
	return func(e *Engine) { e.budget = b }
}

func WithStepLogger(l StepLogger) Option {
	return func(e *Engine) { e.stepLog = l }
}

func WithSnapshotSink(s SnapshotSink) Option {
	return func(e *Engine) { e.snaps = s }
}

func WithReporter(r Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporters = append(e.reporters, r)
		}
	}
}

type Engine struct {
	cfg    Config
	log    *zap.Logger
	budget *simerr.Budget

	store  *agents.Store
	grid   grid.Grid
	policy policy.Policy

	pcg *rand.PCG
	rng *rand.Rand

	occ      *occupancy.Index
	resolver *resolve.Resolver
	verifier resolve.Verifier

	cand  agents.Buffer
	next  agents.Buffer
	draws []uint8

	step    uint64
	arrived int

	stepLog   StepLogger
	snaps     SnapshotSink
	reporters []Reporter

	stop     chan struct{}
	stopOnce sync.Once

	metrics atomic.Value // Metrics
}

// New validates cfg against store and allocates all per-step working arrays
// up front. Allocation is checked against the budget (WithBudget) before it
// happens.
func New(cfg Config, store *agents.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, simerr.Configf("engine: nil store")
	}
	p, err := policy.ByName(cfg.Mode)
	if err != nil {
		return nil, simerr.Configf("engine: %v", err)
	}
	if cfg.MaxSteps < 0 {
		return nil, simerr.Configf("engine: max steps must be >= 0, got %d", cfg.MaxSteps)
	}
	if cfg.Mode == policy.NameGreedy && !store.HasGoals() {
		return nil, simerr.Configf("engine: %s mode needs goals", cfg.Mode)
	}
	cfg.Workers = par.Workers(cfg.Workers)

	e := &Engine{
		cfg:    cfg,
		log:    zap.NewNop(),
		store:  store,
		grid:   store.Grid(),
		policy: p,
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.pcg = rand.NewPCG(uint64(cfg.Seed), streamSteps)
	e.rng = rand.New(e.pcg)

	n := store.Len()
	if err := e.budget.Reserve("step buffers", 2*int64(n)*int64(e.grid.Dims), 4); err != nil {
		return nil, err
	}
	if e.cand, err = agents.NewBuffer(e.grid.Dims, n); err != nil {
		return nil, err
	}
	if e.next, err = agents.NewBuffer(e.grid.Dims, n); err != nil {
		return nil, err
	}
	if p.Draws(e.grid) > 0 {
		if err := e.budget.Reserve("draws", int64(n), 1); err != nil {
			return nil, err
		}
		if err := simerr.Guard("draws", func() { e.draws = make([]uint8, n) }); err != nil {
			return nil, err
		}
	}
	if e.occ, err = occupancy.New(e.grid, n, e.budget, cfg.Workers); err != nil {
		return nil, err
	}
	if e.resolver, err = resolve.New(e.occ, n, e.budget, cfg.Workers); err != nil {
		return nil, err
	}
	if cfg.CheckInvariants {
		if err := e.verifier.Verify(e.grid, store.Positions()); err != nil {
			return nil, simerr.Configf("initial placement: %v", err)
		}
	}

	e.arrived = store.Arrived()
	e.publish(resolve.Stats{}, 0, "")
	e.log.Debug("engine ready",
		zap.String("grid", e.grid.String()),
		zap.String("mode", cfg.Mode),
		zap.Int("agents", n),
		zap.Bool("dense_occupancy", e.occ.Dense()),
		zap.Int("workers", cfg.Workers),
		zap.Int64("budget_used_bytes", e.budget.Used()),
	)
	return e, nil
}

// Stop requests termination at the next step boundary. Safe to call more than
// once and from any goroutine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Engine) Config() Config    { return e.cfg }
func (e *Engine) Grid() grid.Grid   { return e.grid }
func (e *Engine) StepCount() uint64 { return e.step }

// Metrics is safe to call concurrently with Run.
func (e *Engine) Metrics() Metrics {
	m, _ := e.metrics.Load().(Metrics)
	return m
}

// Positions returns a copy of the committed positions. Not safe to call
// concurrently with Step.
func (e *Engine) Positions() agents.Buffer { return e.store.Positions().Clone() }

// Goals returns a copy of the goals, or the zero Buffer without goals.
func (e *Engine) Goals() agents.Buffer {
	if !e.store.HasGoals() {
		return agents.Buffer{}
	}
	return e.store.Goals().Clone()
}

// FinalDistances is the per-agent Manhattan distance to goal (nil without
// goals). Not safe to call concurrently with Step.
func (e *Engine) FinalDistances() []int32 { return e.store.Distances() }

func (e *Engine) publish(st resolve.Stats, d time.Duration, reason Reason) {
	e.metrics.Store(Metrics{
		RunID:        e.cfg.RunID,
		Mode:         e.cfg.Mode,
		Step:         e.step,
		MaxSteps:     e.cfg.MaxSteps,
		Agents:       e.store.Len(),
		Arrived:      e.arrived,
		Last:         st,
		StepDuration: d,
		Done:         reason != "",
		Reason:       reason,
	})
}

// Sample returns the positions and goals (nil without goals) of the first n
// agents. Not safe to call concurrently with Step; Reporter implementations
// may call it from Report.
func (e *Engine) Sample(n int) (pos, goals []grid.Cell) {
	n = min(n, e.store.Len())
	pos = make([]grid.Cell, n)
	for i := range pos {
		pos[i] = e.store.Pos(i)
	}
	if !e.store.HasGoals() {
		return pos, nil
	}
	goals = make([]grid.Cell, n)
	for i := range goals {
		goals[i], _ = e.store.Goal(i)
	}
	return pos, goals
}
