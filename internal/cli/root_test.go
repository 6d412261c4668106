package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/replan/internal/config"
	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/planner"
)

const catalogScenario = "../scenario/testdata/catalog-sync.yaml"

// resetFlags puts every flag back to its default so commands can run again
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// run executes the root command with args and returns its output
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)
	t.Cleanup(func() { resetFlags(cmd) })

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

// writeConfig writes a config that keeps everything inside a temp dir
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "replan.yaml")
	content := "data_dir: " + dir + `
runner:
  retry_backoff: 1ms
history:
  driver: sqlite
logging:
  console: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := run(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, output, "replan version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := run(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "dependency-ordered plans")
		for _, name := range []string{"simulate", "adapt", "history", "stats", "archive", "serve", "validate", "config"} {
			assert.Contains(t, output, name)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfgPath := writeConfig(t)
		_, err := run(t, "--config", cfgPath, "--log-level", "loud", "stats")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestSimulateThenInspect(t *testing.T) {
	cfgPath := writeConfig(t)

	output, err := run(t, "--config", cfgPath, "simulate", "--json", catalogScenario)
	require.NoError(t, err)

	var res struct {
		Scenario string               `json:"scenario"`
		Plan     planner.Plan         `json:"plan"`
		Report   adaptation.RunReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &res))
	assert.Equal(t, "catalog-sync", res.Scenario)
	assert.Equal(t, planner.PlanStatusCompleted, res.Plan.Status)
	assert.Equal(t, 2, res.Report.Rounds)
	require.Len(t, res.Report.Records, 1)
	assert.Equal(t, adaptation.StrategySubstitution, res.Report.Records[0].Action.Strategy)
	planID := res.Plan.ID
	require.NotEmpty(t, planID)

	// A fresh process reads the same sqlite history
	output, err = run(t, "--config", cfgPath, "history", "--json", planID)
	require.NoError(t, err)
	var records []adaptation.Record
	require.NoError(t, json.Unmarshal([]byte(output), &records))
	require.Len(t, records, 1)
	assert.Equal(t, res.Report.Records[0].ID, records[0].ID)
	assert.Equal(t, adaptation.OutcomeApplied, records[0].Outcome)

	output, err = run(t, "--config", cfgPath, "stats", "--json", planID)
	require.NoError(t, err)
	var stats adaptation.Statistics
	require.NoError(t, json.Unmarshal([]byte(output), &stats))
	assert.Equal(t, planID, stats.PlanID)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.Applied)

	output, err = run(t, "--config", cfgPath, "history", planID)
	require.NoError(t, err)
	assert.Contains(t, output, "substitution")

	output, err = run(t, "--config", cfgPath, "stats")
	require.NoError(t, err)
	assert.Contains(t, output, "Adaptation statistics")
}

func TestSimulate_TextOutput(t *testing.T) {
	cfgPath := writeConfig(t)

	output, err := run(t, "--config", cfgPath, "simulate", catalogScenario)
	require.NoError(t, err)
	assert.Contains(t, output, "catalog-sync")
	assert.Contains(t, output, "fetch-mirror")
}

func TestSimulate_MetricsFile(t *testing.T) {
	cfgPath := writeConfig(t)
	promPath := filepath.Join(t.TempDir(), "replan.prom")

	_, err := run(t, "--config", cfgPath, "simulate", "--metrics-file", promPath, catalogScenario)
	require.NoError(t, err)

	data, err := os.ReadFile(promPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "replan_run_rounds 2")
	assert.Contains(t, string(data), `replan_run_adaptations_total{outcome="applied",strategy="substitution"} 1`)
}

func TestSimulate_RoundBudgetSpent(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := run(t, "--config", cfgPath, "simulate", "--max-rounds", "1", "--json", catalogScenario)
	require.Error(t, err)
	assert.ErrorIs(t, err, planner.ErrStepsFailed)
}

func TestAdapt(t *testing.T) {
	cfgPath := writeConfig(t)

	output, err := run(t, "--config", cfgPath, "adapt", "--json", "../scenario/testdata/fetch-failed.yaml")
	require.NoError(t, err)

	var res struct {
		Plan    planner.Plan        `json:"plan"`
		Records []adaptation.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &res))
	require.NotEmpty(t, res.Records)
	assert.Equal(t, adaptation.StrategySubstitution, res.Records[0].Action.Strategy)
	assert.Equal(t, 2, res.Plan.Version)
	assert.Equal(t, "fetch-mirror", res.Plan.Step("B").Action.Name)

	output, err = run(t, "--config", cfgPath, "adapt", "../scenario/testdata/fetch-failed.yaml")
	require.NoError(t, err)
	assert.Contains(t, output, "substitution")
}

func TestValidate(t *testing.T) {
	broken := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("plan:\n  goal: g\n  steps: []\n"), 0o644))

	output, err := run(t, "validate", catalogScenario, "../scenario/testdata/contention.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(output, "OK"))

	output, err = run(t, "validate", catalogScenario, broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, output, "FAIL")

	alts := filepath.Join(t.TempDir(), "alternatives.yaml")
	require.NoError(t, os.WriteFile(alts, []byte("roles:\n  fetch:\n    alternatives:\n      - name: fetch-mirror\n"), 0o644))
	output, err = run(t, "validate", "--alternatives", alts)
	require.NoError(t, err)
	assert.Contains(t, output, "OK")
}

func TestConfigInitAndShow(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "nested", "replan.yaml")

	output, err := run(t, "--config", cfgPath, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, output, cfgPath)
	assert.FileExists(t, cfgPath)

	_, err = run(t, "--config", cfgPath, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, "--config", cfgPath, "config", "init", "--force")
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, config.HistorySQLite, cfg.History.Driver)

	output, err = run(t, "--config", cfgPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, output, "min_action_score")
	assert.Contains(t, output, "driver: sqlite")
}
