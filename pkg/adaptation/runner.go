package adaptation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/replan/internal/tracing"
	"github.com/harun/replan/pkg/planner"
)

// DefaultMaxRounds bounds how many execute-then-adapt rounds a Runner performs
const DefaultMaxRounds = 3

// Runner drives a plan through the executor and hands failed rounds to an Adapter.
// After each round it reports the realized impact of the adaptations made before it.
type Runner struct {
	adapter   Adapter
	executor  *planner.Executor
	maxRounds int
	logger    zerolog.Logger
}

// NewRunner creates a runner; maxRounds <= 0 uses DefaultMaxRounds
func NewRunner(adapter Adapter, executor *planner.Executor, maxRounds int) *Runner {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Runner{
		adapter:   adapter,
		executor:  executor,
		maxRounds: maxRounds,
		logger:    log.Logger.With().Str("component", "adaptive-runner").Logger(),
	}
}

// SetLogger replaces the runner's logger
func (r *Runner) SetLogger(logger zerolog.Logger) {
	r.logger = logger.With().Str("component", "adaptive-runner").Logger()
}

// RunReport summarizes an adaptive run
type RunReport struct {
	Rounds   int                   `json:"rounds"`
	Outcomes []planner.StepOutcome `json:"outcomes"`
	Records  []Record              `json:"records"`
}

// Run executes plan until it completes, no adaptation applies, or the round budget is spent.
// The input plan is not modified. The returned error wraps planner.ErrStepsFailed when
// steps are still failing at the end.
func (r *Runner) Run(ctx context.Context, plan *planner.Plan, run planner.StepRunner) (*planner.Plan, RunReport, error) {
	var report RunReport
	if plan == nil {
		return nil, report, fmt.Errorf("%w: plan is nil", ErrInvalidInput)
	}

	ctx = tracing.NewRunContext(ctx, plan.ID)
	current := plan
	var pending []Record
	for round := 1; round <= r.maxRounds; round++ {
		next, done, err := r.round(tracing.WithRound(ctx, round), current, run, &report, &pending)
		if done {
			return next, report, err
		}
		current = next
	}
	return current, report, nil
}

// round executes one round and, when steps failed and budget remains, adapts the plan.
// done reports that the run ends with the returned plan and error.
func (r *Runner) round(ctx context.Context, current *planner.Plan, run planner.StepRunner, report *RunReport, pending *[]Record) (next *planner.Plan, done bool, err error) {
	round := tracing.GetRound(ctx)
	ctx, span := tracing.StartSpan(ctx, "runner.round")
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	work := current.Clone()
	start := time.Now()
	outcomes, execErr := r.executor.Execute(ctx, work, run)
	elapsed := time.Since(start)

	report.Rounds = round
	report.Outcomes = append(report.Outcomes, outcomes...)
	current = work

	r.realize(ctx, work, *pending, elapsed)
	*pending = nil

	if execErr == nil {
		logger.Debug().Dur("elapsed", elapsed).Msg("Plan completed")
		return current, true, nil
	}
	if !errors.Is(execErr, planner.ErrStepsFailed) || round == r.maxRounds {
		return current, true, execErr
	}

	work = current.Clone()
	work.Status = planner.PlanStatusAdapting
	adapted, records, err := r.adapter.TriggerAdaptation(ctx, work, Observations{Outcomes: outcomes})
	report.Records = append(report.Records, records...)
	if err != nil {
		return current, true, err
	}

	for _, rec := range records {
		if rec.Outcome == OutcomeApplied {
			*pending = append(*pending, rec)
		}
	}
	if len(*pending) == 0 {
		logger.Info().Msg("No adaptation applied, giving up")
		return current, true, execErr
	}
	return adapted, false, nil
}

// realize reports realized impact for records applied before the round just run
func (r *Runner) realize(ctx context.Context, plan *planner.Plan, records []Record, elapsed time.Duration) {
	for _, rec := range records {
		impact := RealizedImpact{
			DurationDelta:    elapsed - rec.BaselineDuration,
			TargetsSucceeded: targetsSucceeded(plan, rec.Action.Targets),
			ObservedAt:       time.Now(),
		}
		if _, err := r.adapter.RecordRealizedImpact(ctx, rec.ID, impact); err != nil {
			r.logger.Debug().Err(err).Str("recordId", rec.ID).Msg("Realized impact not recorded")
		}
	}
}

// targetsSucceeded reports whether every target still in the plan succeeded;
// with no remaining targets the plan itself must have completed
func targetsSucceeded(plan *planner.Plan, targets []string) bool {
	found := false
	for _, id := range targets {
		step := plan.Step(id)
		if step == nil {
			continue
		}
		found = true
		if step.Status != planner.StepStatusSucceeded {
			return false
		}
	}
	if !found {
		return plan.Status == planner.PlanStatusCompleted
	}
	return true
}
