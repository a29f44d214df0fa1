package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"gridswarm.ai/internal/sim/grid"
	"gridswarm.ai/internal/sim/policy"
	"gridswarm.ai/internal/sim/simerr"
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "gridswarm://config.schema.json"

const (
	PresetRandomWalk2D  = "random_walk_2d"
	PresetGoalSeeking3D = "goal_seeking_3d"
)

type Tuning struct {
	Preset string `yaml:"preset" json:"preset"`

	World       World       `yaml:"world" json:"world"`
	Agents      Agents      `yaml:"agents" json:"agents"`
	Run         Run         `yaml:"run" json:"run"`
	Logging     Logging     `yaml:"logging" json:"logging"`
	Persistence Persistence `yaml:"persistence" json:"persistence"`
	Observer    Observer    `yaml:"observer" json:"observer"`
}

type World struct {
	Dims int    `yaml:"dims" json:"dims"`
	Size []int  `yaml:"size" json:"size"`
	Mode string `yaml:"mode" json:"mode"`
}

type Agents struct {
	Count int `yaml:"count" json:"count"`
}

type Run struct {
	MaxSteps        int   `yaml:"max_steps" json:"max_steps"`
	Seed            int64 `yaml:"seed" json:"seed"`
	Workers         int   `yaml:"workers" json:"workers"`
	ReportEvery     int   `yaml:"report_every" json:"report_every"`
	SnapshotEvery   int   `yaml:"snapshot_every" json:"snapshot_every"`
	CheckInvariants bool  `yaml:"check_invariants" json:"check_invariants"`
	MemoryBudgetMB  int   `yaml:"memory_budget_mb" json:"memory_budget_mb"`
}

type Logging struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "json" or "console"
}

type Persistence struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
	StepLog bool   `yaml:"step_log" json:"step_log"`
	IndexDB bool   `yaml:"index_db" json:"index_db"`
}

type Observer struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Defaults returns the goal-seeking 3D preset.
func Defaults() Tuning {
	t, _ := Preset(PresetGoalSeeking3D)
	return t
}

// Preset returns the named scenario: the 100x100 random walk (1000 agents,
// 100 steps) or the 50^3 goal-seeking run (1000 agents, up to 1000 steps).
func Preset(name string) (Tuning, error) {
	t := Tuning{
		Preset: name,
		Agents: Agents{Count: 1000},
		Run: Run{
			Seed:            42,
			CheckInvariants: true,
			MemoryBudgetMB:  1024,
		},
		Logging:     Logging{Level: "info", Format: "console"},
		Persistence: Persistence{DataDir: "./data", StepLog: true, IndexDB: true},
	}
	switch name {
	case PresetRandomWalk2D:
		t.World = World{Dims: 2, Size: []int{100, 100}, Mode: policy.NameRandomWalk}
		t.Run.MaxSteps = 100
		t.Run.ReportEvery = 10
	case PresetGoalSeeking3D:
		t.World = World{Dims: 3, Size: []int{50, 50, 50}, Mode: policy.NameGreedy}
		t.Run.MaxSteps = 1000
		t.Run.ReportEvery = 100
	default:
		return Tuning{}, simerr.Configf("unknown preset %q", name)
	}
	return t, nil
}

// Load reads a YAML run file. The file is checked against the embedded JSON
// schema, then applied over its preset (goal_seeking_3d when absent), then
// validated semantically.
func Load(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	t, err := Parse(raw)
	if err != nil {
		return t, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func Parse(raw []byte) (Tuning, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Tuning{}, simerr.Configf("yaml: %v", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validateSchema(doc); err != nil {
		return Tuning{}, err
	}

	preset := PresetGoalSeeking3D
	if m, ok := doc.(map[string]any); ok {
		if p, ok := m["preset"].(string); ok && p != "" {
			preset = p
		}
	}
	t, err := Preset(preset)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, simerr.Configf("yaml: %v", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func validateSchema(doc any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON value types.
	b, err := json.Marshal(doc)
	if err != nil {
		return simerr.Configf("config is not JSON-representable: %v", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return simerr.Configf("config: %v", err)
	}
	if err := s.Validate(v); err != nil {
		return simerr.Configf("%s", strings.TrimSpace(err.Error()))
	}
	return nil
}

// Validate rejects configurations the kernel cannot run. Every error wraps
// simerr.ErrConfiguration.
func (t Tuning) Validate() error {
	g, err := t.Grid()
	if err != nil {
		return err
	}
	if _, err := policy.ByName(t.World.Mode); err != nil {
		return simerr.Configf("world.mode: %v", err)
	}
	if t.Agents.Count < 0 {
		return simerr.Configf("agents.count must be >= 0, got %d", t.Agents.Count)
	}
	if int64(t.Agents.Count) > g.Volume() {
		return simerr.Configf("agents.count %d exceeds the %d cells of a %s grid; unique placement is impossible", t.Agents.Count, g.Volume(), g)
	}
	if t.Run.MaxSteps < 0 {
		return simerr.Configf("run.max_steps must be >= 0, got %d", t.Run.MaxSteps)
	}
	if t.Run.Workers < 0 || t.Run.ReportEvery < 0 || t.Run.SnapshotEvery < 0 {
		return simerr.Configf("run.workers, run.report_every and run.snapshot_every must be >= 0")
	}
	if t.Run.MemoryBudgetMB <= 0 {
		return simerr.Configf("run.memory_budget_mb must be >= 1, got %d", t.Run.MemoryBudgetMB)
	}
	switch t.Logging.Format {
	case "", "console", "json":
	default:
		return simerr.Configf("logging.format must be console or json, got %q", t.Logging.Format)
	}
	return nil
}

func (t Tuning) Grid() (grid.Grid, error) {
	return grid.New(t.World.Dims, t.World.Size)
}

func (t Tuning) GoalSeeking() bool { return t.World.Mode == policy.NameGreedy }

func (t Tuning) MemoryBudgetBytes() int64 { return int64(t.Run.MemoryBudgetMB) << 20 }
