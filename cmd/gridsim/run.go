package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gridswarm.ai/internal/observerproto"
	"gridswarm.ai/internal/persistence/archive"
	"gridswarm.ai/internal/persistence/indexdb"
	persistlog "gridswarm.ai/internal/persistence/log"
	"gridswarm.ai/internal/persistence/snapshot"
	"gridswarm.ai/internal/sim/engine"
	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/placement"
	"gridswarm.ai/internal/sim/policy"
	"gridswarm.ai/internal/sim/simerr"
	"gridswarm.ai/internal/sim/tuning"
	"gridswarm.ai/internal/transport/observer"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Place agents and run a simulation",
		Long: `Run loads a YAML run file (or a preset), places the population, steps it
until the step limit, until every agent has reached its goal, or until
interrupted, and prints a summary. Snapshots, the step log and the run
index are written under <data>/runs/<run_id>/.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := loggerFor(cmd, cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			resume, _ := cmd.Flags().GetString("resume")
			runID, _ := cmd.Flags().GetString("run-id")
			_, err = runSimulation(cmd.Context(), cfg, runOptions{
				RunID:       runID,
				Resume:      resume,
				MaxStepsSet: cmd.Flags().Changed("steps"),
			}, cmd.OutOrStdout(), logger)
			return err
		},
	}
	cmd.Flags().String("config", "", "path to a YAML run file")
	cmd.Flags().String("preset", "", "preset: random_walk_2d or goal_seeking_3d")
	cmd.Flags().Int64("seed", 0, "random seed")
	cmd.Flags().Int("agents", 0, "number of agents")
	cmd.Flags().Int("steps", 0, "maximum number of steps")
	cmd.Flags().Int("workers", 0, "parallel workers (0 = GOMAXPROCS)")
	cmd.Flags().String("size", "", "grid size per axis, e.g. 100x100 or 50x50x50")
	cmd.Flags().String("mode", "", "move policy: goal_seeking or random_walk")
	cmd.Flags().String("observe", "", "observer listen address, e.g. 127.0.0.1:8090")
	cmd.Flags().String("run-id", "", "run id (default: random uuid)")
	cmd.Flags().String("resume", "", "resume the run with this id from its latest snapshot")
	return cmd
}

// loadRunConfig resolves the run file or preset, then applies flag overrides
// and validates the result.
func loadRunConfig(cmd *cobra.Command) (tuning.Tuning, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	preset, _ := flags.GetString("preset")

	var (
		cfg tuning.Tuning
		err error
	)
	switch {
	case path != "" && preset != "":
		return cfg, simerr.Configf("--config and --preset are mutually exclusive")
	case path != "":
		cfg, err = tuning.Load(path)
	case preset != "":
		cfg, err = tuning.Preset(preset)
	default:
		cfg = tuning.Defaults()
	}
	if err != nil {
		return cfg, err
	}

	if flags.Changed("seed") {
		cfg.Run.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("agents") {
		cfg.Agents.Count, _ = flags.GetInt("agents")
	}
	if flags.Changed("steps") {
		cfg.Run.MaxSteps, _ = flags.GetInt("steps")
	}
	if flags.Changed("workers") {
		cfg.Run.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("mode") {
		cfg.World.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("size") {
		v, _ := flags.GetString("size")
		size, err := parseSize(v)
		if err != nil {
			return cfg, err
		}
		cfg.World.Size = size
		cfg.World.Dims = len(size)
	}
	if flags.Changed("observe") {
		cfg.Observer.Listen, _ = flags.GetString("observe")
	}
	if v, _ := flags.GetString("data"); v != "" {
		cfg.Persistence.DataDir = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	return cfg, cfg.Validate()
}

func parseSize(s string) ([]int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, simerr.Configf("--size %q: %v", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

type runOptions struct {
	RunID       string
	Resume      string
	MaxStepsSet bool
}

func runDirFor(dataDir, runID string) string {
	return filepath.Join(dataDir, "runs", runID)
}

func indexPath(dataDir string) string {
	return filepath.Join(dataDir, "index.sqlite")
}

func runSimulation(ctx context.Context, cfg tuning.Tuning, opts runOptions, out io.Writer, logger *zap.Logger) (engine.Summary, error) {
	runID := opts.RunID
	if opts.Resume != "" {
		runID = opts.Resume
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	runDir := runDirFor(cfg.Persistence.DataDir, runID)
	logger = logger.With(zap.String("run_id", runID))

	budget := simerr.NewBudget(cfg.MemoryBudgetBytes())
	ecfg := engine.Config{
		RunID:           runID,
		Mode:            cfg.World.Mode,
		MaxSteps:        cfg.Run.MaxSteps,
		Seed:            cfg.Run.Seed,
		Workers:         cfg.Run.Workers,
		ReportEvery:     cfg.Run.ReportEvery,
		SnapshotEvery:   cfg.Run.SnapshotEvery,
		CheckInvariants: cfg.Run.CheckInvariants,
	}

	var idx *indexdb.SQLiteIndex
	if cfg.Persistence.IndexDB {
		var err error
		idx, err = indexdb.OpenSQLite(indexPath(cfg.Persistence.DataDir))
		if err != nil {
			return engine.Summary{}, fmt.Errorf("open run index: %w", err)
		}
		defer idx.Close()
	}

	var stepLogs multiStepLogger
	if cfg.Persistence.StepLog {
		sl := persistlog.NewStepLogger(runDir)
		defer func() {
			if err := sl.Close(); err != nil {
				logger.Warn("close step log", zap.Error(err))
			}
		}()
		stepLogs = append(stepLogs, sl)
	}
	if idx != nil {
		stepLogs = append(stepLogs, idx)
	}

	snaps := newSnapshotWriter(runDir, idx, logger)
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithBudget(budget),
		engine.WithSnapshotSink(snaps),
		engine.WithReporter(consoleReporter{log: logger}),
	}
	if len(stepLogs) > 0 {
		engineOpts = append(engineOpts, engine.WithStepLogger(stepLogs))
	}

	// The observer reads the engine through closures; e is set before the
	// listener starts.
	var (
		e   *engine.Engine
		obs *observer.Server
	)
	if cfg.Observer.Listen != "" {
		obs = observer.NewServer(runID, observerproto.RunParams{}, func() engine.Metrics { return e.Metrics() }, logger.Named("observer"))
		obs.SetSampler(func(n int) []observerproto.AgentSample { return sampleAgents(e, n) })
		engineOpts = append(engineOpts, engine.WithReporter(obs))
	}

	var err error
	if opts.Resume != "" {
		if !opts.MaxStepsSet {
			ecfg.MaxSteps = 0
		}
		e, err = resumeEngine(runDir, ecfg, budget, engineOpts)
	} else {
		e, err = freshEngine(cfg, ecfg, budget, engineOpts)
	}
	if err != nil {
		snaps.Close()
		return engine.Summary{}, err
	}

	ec, g := e.Config(), e.Grid()
	params := observerproto.RunParams{
		Dims:     g.Dims,
		Size:     g.Sizes(),
		Mode:     ec.Mode,
		Agents:   e.Metrics().Agents,
		Seed:     ec.Seed,
		MaxSteps: ec.MaxSteps,
	}
	if obs != nil {
		obs.SetParams(params)
		stopObserver, err := serveObserver(cfg.Observer.Listen, obs, logger)
		if err != nil {
			snaps.Close()
			return engine.Summary{}, err
		}
		defer stopObserver()
	}

	if idx != nil {
		err := idx.BeginRun(ctx, indexdb.RunRow{
			RunID:     runID,
			StartedAt: time.Now(),
			Mode:      params.Mode,
			Dims:      params.Dims,
			Size:      params.Size,
			Agents:    params.Agents,
			Seed:      params.Seed,
			MaxSteps:  params.MaxSteps,
			Config:    cfg,
		})
		if err != nil {
			logger.Warn("index run start", zap.Error(err))
		}
	}

	sum, runErr := e.Run(ctx)
	lastPath, lastSnap := snaps.Close()

	if runErr == nil && lastPath != "" {
		if archived, err := archive.ArchiveRun(runDir, lastPath, lastSnap, string(sum.Reason)); err != nil {
			logger.Warn("archive run", zap.Error(err))
		} else {
			logger.Debug("run archived", zap.String("path", archived))
		}
	}
	if runErr != nil {
		return sum, runErr
	}
	idx.EndRun(sum)

	printSummary(out, sum, e, runDir)
	return sum, nil
}

func freshEngine(cfg tuning.Tuning, ecfg engine.Config, budget *simerr.Budget, opts []engine.Option) (*engine.Engine, error) {
	g, err := cfg.Grid()
	if err != nil {
		return nil, err
	}
	store, err := placement.Place(g, cfg.Agents.Count, cfg.Run.Seed, cfg.GoalSeeking(), budget)
	if err != nil {
		return nil, err
	}
	return engine.New(ecfg, store, opts...)
}

func resumeEngine(runDir string, ecfg engine.Config, budget *simerr.Budget, opts []engine.Option) (*engine.Engine, error) {
	path, _, err := snapshot.Latest(runDir)
	if err != nil {
		return nil, simerr.Configf("resume: %v", err)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	if err := budget.Reserve("resumed agent arrays", int64(len(snap.Positions)+len(snap.Goals))*int64(snap.Header.Agents), 4); err != nil {
		return nil, err
	}
	return engine.Restore(snap, ecfg, opts...)
}

func sampleAgents(e *engine.Engine, n int) []observerproto.AgentSample {
	pos, goals := e.Sample(n)
	out := make([]observerproto.AgentSample, len(pos))
	for i := range pos {
		out[i] = observerproto.AgentSample{Index: i, Pos: cellInts(pos[i])}
		if goals != nil {
			out[i].Goal = cellInts(goals[i])
		}
	}
	return out
}

func serveObserver(addr string, srv *observer.Server, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("observer listen: %w", err)
	}
	hs := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("observer stopped", zap.Error(err))
		}
	}()
	logger.Info("observer listening", zap.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}, nil
}

func cellInts(c grid.Cell) [3]int {
	return [3]int{int(c[0]), int(c[1]), int(c[2])}
}

func printSummary(w io.Writer, sum engine.Summary, e *engine.Engine, runDir string) {
	fmt.Fprintf(w, "run %s finished: %s\n", sum.RunID, sum.Reason)
	fmt.Fprintf(w, "  steps:   %s\n", humanize.Comma(int64(sum.Steps)))
	fmt.Fprintf(w, "  agents:  %s\n", humanize.Comma(int64(sum.Agents)))
	if e.Config().Mode == policy.NameGreedy {
		pct := 0.0
		if sum.Agents > 0 {
			pct = 100 * float64(sum.Arrived) / float64(sum.Agents)
		}
		fmt.Fprintf(w, "  arrived: %s (%s%%)\n", humanize.Comma(int64(sum.Arrived)), humanize.FormatFloat("#.##", pct))
	}
	fmt.Fprintf(w, "  elapsed: %s\n", sum.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  digest:  %s\n", sum.Digest)
	fmt.Fprintf(w, "  data:    %s\n", runDir)

	pos, goals := e.Sample(5)
	for i := range pos {
		if goals != nil {
			fmt.Fprintf(w, "  agent %d: pos=%s goal=%s\n", i, formatCell(e.Grid(), pos[i]), formatCell(e.Grid(), goals[i]))
			continue
		}
		fmt.Fprintf(w, "  agent %d: pos=%s\n", i, formatCell(e.Grid(), pos[i]))
	}
}

func formatCell(g grid.Grid, c grid.Cell) string {
	parts := make([]string, g.Dims)
	for d := range parts {
		parts[d] = strconv.Itoa(int(c[d]))
	}
	return "(" + strings.Join(parts, ",") + ")"
}
