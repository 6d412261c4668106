package cli

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/replan/internal/scenario"
	"github.com/harun/replan/pkg/alternatives"
)

var validateAlternatives bool

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate scenario or alternatives files",
	Long: `Check scenario files against the scenario schema and plan rules. With
--alternatives the files are checked as alternatives registries instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateAlternatives, "alternatives", false, "validate alternatives registry files")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	loader := scenario.NewLoader(zerolog.Nop())

	var errs []error
	for _, path := range args {
		var err error
		if validateAlternatives {
			_, err = alternatives.LoadFile(path)
		} else {
			_, err = loader.LoadFile(path)
		}
		if err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("FAIL"), path, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "%s %s\n", okStyle.Render("OK"), path)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d file(s) invalid: %w", len(errs), len(args), errors.Join(errs...))
	}
	return nil
}
