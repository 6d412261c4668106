package planner

import "time"

// ScheduleUnits splits one execution level into units that run one after another.
// Steps sharing a non-empty parallel group form a single unit, placed where the
// group's first member appears; every other step is a unit of its own.
func ScheduleUnits(plan *Plan, level []string) [][]string {
	units := make([][]string, 0, len(level))
	groupIdx := make(map[string]int)
	for _, id := range level {
		step := plan.Step(id)
		if step == nil {
			continue
		}
		if step.ParallelGroup == "" {
			units = append(units, []string{id})
			continue
		}
		if idx, ok := groupIdx[step.ParallelGroup]; ok {
			units[idx] = append(units[idx], id)
			continue
		}
		groupIdx[step.ParallelGroup] = len(units)
		units = append(units, []string{id})
	}
	return units
}

// Makespan returns the expected wall time of the plan under the executor's schedule:
// levels run in order, units within a level run in order, members of a unit overlap.
func Makespan(plan *Plan, weight func(*Step) time.Duration) (time.Duration, error) {
	levels, err := ExecutionLevels(plan)
	if err != nil {
		return 0, err
	}

	var total time.Duration
	for _, level := range levels {
		for _, unit := range ScheduleUnits(plan, level) {
			var longest time.Duration
			for _, id := range unit {
				if w := weight(plan.Step(id)); w > longest {
					longest = w
				}
			}
			total += longest
		}
	}
	return total, nil
}

// RecordOutcomes folds externally reported outcomes into step status and results,
// in the order given. Outcomes for unknown steps are ignored.
func RecordOutcomes(plan *Plan, outcomes []StepOutcome) {
	for _, out := range outcomes {
		step := plan.Step(out.StepID)
		if step == nil {
			continue
		}

		switch out.Status {
		case StepStatusFailed:
			failures := step.Result.Failures()
			step.Result = &StepResult{
				Duration:   out.Duration,
				Error:      out.Error,
				RetryCount: failures, // one more failure than before
				TimedOut:   out.TimedOut,
				FinishedAt: out.At,
			}
		case StepStatusSucceeded:
			step.Result = &StepResult{
				Duration:   out.Duration,
				RetryCount: step.Result.Failures(),
				FinishedAt: out.At,
			}
		}
		step.Status = out.Status
	}
}
