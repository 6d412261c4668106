package cli

import (
	"github.com/spf13/cobra"
)

var (
	historyJSON bool
	statsJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history <plan-id>",
	Short: "Show the adaptation records of a plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var statsCmd = &cobra.Command{
	Use:   "stats [plan-id]",
	Short: "Show adaptation statistics",
	Long:  `Show adaptation statistics for one plan, or for every plan in the history store.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print statistics as JSON")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	rt, err := openRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.engine.GetAdaptationHistory(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(cmd.OutOrStdout(), records)
	}
	printRecords(cmd.OutOrStdout(), records)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	rt, err := openRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	planID := ""
	if len(args) == 1 {
		planID = args[0]
	}
	stats := rt.engine.GetAdaptationStatistics(planID)
	if statsJSON {
		return writeJSON(cmd.OutOrStdout(), stats)
	}
	printStatistics(cmd.OutOrStdout(), stats)
	return nil
}
