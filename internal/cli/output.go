package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/planner"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		String()
}

func outcomeText(o adaptation.Outcome) string {
	switch o {
	case adaptation.OutcomeApplied:
		return okStyle.Render(string(o))
	case adaptation.OutcomeReverted:
		return failStyle.Render(string(o))
	}
	return mutedStyle.Render(string(o))
}

func statusText(s planner.StepStatus) string {
	switch s {
	case planner.StepStatusSucceeded:
		return okStyle.Render(string(s))
	case planner.StepStatusFailed:
		return failStyle.Render(string(s))
	case planner.StepStatusRunning:
		return warnStyle.Render(string(s))
	}
	return mutedStyle.Render(string(s))
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func realizedText(rec adaptation.Record) string {
	if rec.Realized == nil {
		return "-"
	}
	mark := "ok"
	if !rec.Realized.TargetsSucceeded {
		mark = "targets failed"
	}
	return fmt.Sprintf("%s (%s)", rec.Realized.DurationDelta, mark)
}

// printRecords renders adaptation records as a table
func printRecords(w io.Writer, records []adaptation.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no adaptations"))
		return
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.ID,
			string(rec.Action.Strategy),
			strings.Join(rec.Action.Targets, ","),
			outcomeText(rec.Outcome),
			fmt.Sprintf("%d→%d", rec.VersionBefore, rec.VersionAfter),
			formatScore(rec.Action.Estimate.Score),
			realizedText(rec),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"RECORD", "STRATEGY", "TARGETS", "OUTCOME", "VERSION", "SCORE", "REALIZED"}, rows))
}

// printPlan renders the steps of a plan
func printPlan(w io.Writer, plan *planner.Plan) {
	fmt.Fprintf(w, "%s %s (version %d, %s)\n", titleStyle.Render("Plan"), plan.ID, plan.Version, plan.Status)
	rows := make([][]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		fallback := ""
		if s.Fallback != nil {
			fallback = s.Fallback.Name
		}
		rows = append(rows, []string{
			s.ID,
			s.Action.Name,
			strings.Join(s.Dependencies, ","),
			statusText(s.Status),
			fallback,
		})
	}
	fmt.Fprintln(w, renderTable([]string{"STEP", "ACTION", "DEPENDS ON", "STATUS", "FALLBACK"}, rows))
}

// printStatistics renders a statistics snapshot
func printStatistics(w io.Writer, stats adaptation.Statistics) {
	scope := "all plans"
	if stats.PlanID != "" {
		scope = "plan " + stats.PlanID
	}
	fmt.Fprintf(w, "%s for %s\n", titleStyle.Render("Adaptation statistics"), scope)
	fmt.Fprintf(w, "records: %d  applied: %d  reverted: %d  superseded: %d\n",
		stats.Records, stats.Applied, stats.Reverted, stats.Superseded)
	fmt.Fprintf(w, "success rate: %s  conversion rate: %s  realized samples: %d\n",
		formatScore(stats.SuccessRate), formatScore(stats.ConversionRate), stats.RealizedSamples)
	fmt.Fprintf(w, "realized impact: mean %.3fs  median %.3fs\n", stats.MeanRealizedImpact, stats.MedianRealizedImpact)

	var rows [][]string
	for _, kind := range adaptation.Strategies() {
		s, ok := stats.ByStrategy[kind]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			string(kind),
			strconv.Itoa(s.Applied),
			strconv.Itoa(s.Reverted),
			strconv.Itoa(s.Superseded),
			strconv.Itoa(s.Realized),
			formatScore(s.SuccessRate()),
		})
	}
	if len(rows) > 0 {
		fmt.Fprintln(w, renderTable([]string{"STRATEGY", "APPLIED", "REVERTED", "SUPERSEDED", "REALIZED", "SUCCESS"}, rows))
	}
}
