package scenario

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/planner"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.Nop())
}

func TestLoadFile(t *testing.T) {
	s, err := newTestLoader().LoadFile(filepath.Join("testdata", "catalog-sync.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "catalog-sync", s.Name)
	require.Len(t, s.Plan.Steps, 3)
	b := s.Plan.Steps[1]
	assert.Equal(t, "fetch", b.Role)
	assert.Equal(t, "primary", b.Action.Params["host"])
	assert.Equal(t, 5*time.Second, s.Plan.Steps[0].Timeout)
	assert.Equal(t, 1, b.MaxRetries)

	assert.True(t, s.Behavior["fetch-primary"].Fail)
	assert.Equal(t, time.Millisecond, s.Behavior["login"].Duration)

	registry, err := s.Registry()
	require.NoError(t, err)
	assert.Equal(t, "fetch-mirror", registry.Alternatives("fetch")[0].Name)
}

func TestLoadFile_Observations(t *testing.T) {
	s, err := newTestLoader().LoadFile(filepath.Join("testdata", "contention.yaml"))
	require.NoError(t, err)

	require.Len(t, s.Observations.Usage, 1)
	assert.InDelta(t, 0.975, s.Observations.Usage[0].Utilization(), 1e-9)

	plan, err := s.BuildPlan()
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, planner.StepStatusRunning, plan.Step("train").Status)
	assert.Equal(t, planner.StepStatusPending, plan.Step("eval").Status)
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing plan", "name: x\n", "plan"},
		{"no steps", "plan:\n  goal: g\n  steps: []\n", "steps"},
		{"step without action", "plan:\n  goal: g\n  steps:\n    - id: a\n", "action"},
		{"bad duration", "plan:\n  goal: g\n  steps:\n    - id: a\n      action: {name: x}\n      timeout: soon\n", "timeout"},
		{"unknown field", "plan:\n  goal: g\n  steps:\n    - id: a\n      action: {name: x}\n      status: succeeded\n", "status"},
		{"negative retries", "plan:\n  goal: g\n  steps:\n    - id: a\n      action: {name: x}\n      max_retries: -1\n", "max_retries"},
		{"zero capacity", "plan:\n  goal: g\n  steps:\n    - id: a\n      action: {name: x}\nobservations:\n  usage:\n    - {resource: gpu, used: 1, capacity: 0}\n", "capacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader().Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "schema validation")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_SemanticErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "plan: [unclosed"},
		{"cycle", "plan:\n  goal: g\n  steps:\n    - {id: a, action: {name: x}, dependencies: [b]}\n    - {id: b, action: {name: y}, dependencies: [a]}\n"},
		{"unknown dependency", "plan:\n  goal: g\n  steps:\n    - {id: a, action: {name: x}, dependencies: [ghost]}\n"},
		{"outcome for unknown step", "plan:\n  goal: g\n  steps:\n    - {id: a, action: {name: x}}\nobservations:\n  outcomes:\n    - {step_id: ghost, status: failed}\n"},
		{"exclusive behavior", "plan:\n  goal: g\n  steps:\n    - {id: a, action: {name: x}}\nbehavior:\n  x: {fail: true, fail_times: 2}\n"},
		{"invalid role", "plan:\n  goal: g\n  steps:\n    - {id: a, action: {name: x}}\nroles:\n  fetch:\n    decomposition:\n      - action: {name: only-one}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader().Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := newTestLoader().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSimulatedRunner(t *testing.T) {
	r := NewSimulatedRunner(map[string]Behavior{
		"flaky": {FailTimes: 2, Error: "503"},
		"down":  {Fail: true},
		"stuck": {Hang: true},
		"slow":  {Duration: time.Hour},
	})
	ctx := context.Background()
	step := &planner.Step{ID: "s"}

	assert.NoError(t, r.Run(ctx, step, planner.Action{Name: "unknown"}))

	assert.EqualError(t, r.Run(ctx, step, planner.Action{Name: "flaky"}), "503")
	assert.EqualError(t, r.Run(ctx, step, planner.Action{Name: "flaky"}), "503")
	assert.NoError(t, r.Run(ctx, step, planner.Action{Name: "flaky"}))
	assert.Equal(t, 3, r.Attempts("flaky"))

	assert.EqualError(t, r.Run(ctx, step, planner.Action{Name: "down"}), DefaultError)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Run(timeout, step, planner.Action{Name: "stuck"}), context.DeadlineExceeded)

	canceled, cancelNow := context.WithCancel(ctx)
	cancelNow()
	assert.ErrorIs(t, r.Run(canceled, step, planner.Action{Name: "slow"}), context.Canceled)
}

func TestScenario_AdaptiveRun(t *testing.T) {
	s, err := newTestLoader().LoadFile(filepath.Join("testdata", "catalog-sync.yaml"))
	require.NoError(t, err)
	registry, err := s.Registry()
	require.NoError(t, err)

	engine, err := adaptation.NewEngine(adaptation.DefaultConfig(),
		adaptation.WithAlternatives(registry),
		adaptation.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	defer engine.Close()

	exec := planner.NewExecutor()
	exec.SetBackoff(time.Millisecond)
	exec.SetLogger(zerolog.Nop())
	runner := adaptation.NewRunner(engine, exec, 0)
	runner.SetLogger(zerolog.Nop())

	plan, err := s.BuildPlan()
	require.NoError(t, err)
	sim := s.Runner()

	final, report, err := runner.Run(context.Background(), plan, sim.Run)
	require.NoError(t, err)
	assert.Equal(t, planner.PlanStatusCompleted, final.Status)
	assert.Equal(t, "fetch-mirror", final.Step("B").Action.Name)
	assert.Equal(t, "mirror", final.Step("B").Action.Params["host"])
	assert.Equal(t, 2, sim.Attempts("fetch-primary"))
	assert.Equal(t, 1, sim.Attempts("fetch-mirror"))
	require.Len(t, report.Records, 1)
	assert.Equal(t, adaptation.StrategySubstitution, report.Records[0].Action.Strategy)
}

func TestScenario_WithoutRolesHasEmptyRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plan:\n  goal: g\n  steps:\n    - {id: a, action: {name: x}}\n"), 0o644))

	s, err := newTestLoader().LoadFile(path)
	require.NoError(t, err)
	registry, err := s.Registry()
	require.NoError(t, err)
	assert.Empty(t, registry.Roles())
}
