package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/replan/internal/metrics"
	"github.com/harun/replan/internal/scenario"
	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/planner"
)

var (
	simulateJSON        bool
	simulateMaxRounds   int
	simulateMetricsFile string
	adaptJSON           bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Run a scenario with adaptation between rounds",
	Long: `Execute a scenario plan against its simulated actions. Failed rounds are
handed to the adaptation engine and the adapted plan runs again until it
completes, nothing applies, or the round budget is spent.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

var adaptCmd = &cobra.Command{
	Use:   "adapt <scenario.yaml>",
	Short: "Run one adaptation cycle on a scenario's observations",
	Long: `Build the scenario plan, fold in its recorded outcomes and trigger a single
adaptation cycle with its observations. Nothing is executed.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdapt,
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateJSON, "json", false, "print the run report as JSON")
	simulateCmd.Flags().IntVar(&simulateMaxRounds, "max-rounds", 0, "round budget (default from config)")
	simulateCmd.Flags().StringVar(&simulateMetricsFile, "metrics-file", "", "write run metrics to a prometheus textfile")
	adaptCmd.Flags().BoolVar(&adaptJSON, "json", false, "print the result as JSON")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(adaptCmd)
}

// loadScenario opens the runtime and layers the scenario's roles over the registry
func loadScenario(cmd *cobra.Command, path string) (*runtime, *scenario.Scenario, func(), error) {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return nil, nil, nil, err
	}

	s, err := scenario.NewLoader(logger).LoadFile(path)
	if err != nil {
		closeLog()
		return nil, nil, nil, err
	}

	rt, err := openRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, nil, err
	}
	for role, entry := range s.Roles {
		if err := rt.registry.Set(role, entry); err != nil {
			rt.Close()
			closeLog()
			return nil, nil, nil, err
		}
	}

	return rt, s, func() {
		if err := rt.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close runtime")
		}
		closeLog()
	}, nil
}

type simulateResult struct {
	Scenario string               `json:"scenario"`
	Plan     *planner.Plan        `json:"plan"`
	Report   adaptation.RunReport `json:"report"`
	Error    string               `json:"error,omitempty"`
}

func runSimulate(cmd *cobra.Command, args []string) error {
	rt, s, done, err := loadScenario(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	plan, err := s.BuildPlan()
	if err != nil {
		return err
	}
	sim := s.Runner()
	final, report, runErr := rt.newRunner(simulateMaxRounds).Run(cmd.Context(), plan, sim.Run)
	if runErr != nil && !errors.Is(runErr, planner.ErrStepsFailed) {
		return runErr
	}
	if simulateMetricsFile != "" {
		m := metrics.NewMetrics()
		m.ObserveRun(final, report, time.Now())
		if err := m.WriteTextfile(simulateMetricsFile); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if simulateJSON {
		res := simulateResult{Scenario: s.Name, Plan: final, Report: report}
		if runErr != nil {
			res.Error = runErr.Error()
		}
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s %s: %d round(s), %d attempt(s)\n",
			titleStyle.Render("Scenario"), s.Name, report.Rounds, len(report.Outcomes))
		printPlan(out, final)
		printRecords(out, report.Records)
	}

	if runErr != nil {
		return fmt.Errorf("plan did not complete: %w", runErr)
	}
	return nil
}

type adaptResult struct {
	Plan    *planner.Plan       `json:"plan"`
	Records []adaptation.Record `json:"records"`
}

func runAdapt(cmd *cobra.Command, args []string) error {
	rt, s, done, err := loadScenario(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	plan, err := s.BuildPlan()
	if err != nil {
		return err
	}
	next, records, err := rt.engine.TriggerAdaptation(cmd.Context(), plan, s.Observations)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if adaptJSON {
		return writeJSON(out, adaptResult{Plan: next, Records: records})
	}
	printRecords(out, records)
	printPlan(out, next)
	return nil
}
