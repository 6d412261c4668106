package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrStepsFailed is returned by Execute when at least one step ended in failure
var ErrStepsFailed = errors.New("plan steps failed")

// StepRunner executes one attempt of a step using the given action
type StepRunner func(ctx context.Context, step *Step, action Action) error

// StepOutcome reports a single execution attempt back to the caller
type StepOutcome struct {
	StepID   string        `json:"step_id" yaml:"step_id"`
	Status   StepStatus    `json:"status" yaml:"status"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
	Attempt  int           `json:"attempt" yaml:"attempt"`
	Fallback bool          `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	At       time.Time     `json:"at" yaml:"at"`
}

// Executor executes plans level by level. Within a level, steps sharing a parallel
// group run concurrently and the remaining steps run in sequence order.
// It honors per-step timeouts, retry budgets and fallback actions.
type Executor struct {
	failureStrategy FailureStrategy
	backoff         time.Duration
	logger          zerolog.Logger
}

// NewExecutor creates a new plan executor
func NewExecutor() *Executor {
	return &Executor{
		failureStrategy: FailContinue,
		backoff:         time.Second,
		logger:          log.Logger.With().Str("component", "plan-executor").Logger(),
	}
}

// SetFailureStrategy sets the failure handling strategy
func (e *Executor) SetFailureStrategy(strategy FailureStrategy) {
	e.failureStrategy = strategy
}

// SetBackoff sets the base delay between retry attempts
func (e *Executor) SetBackoff(backoff time.Duration) {
	e.backoff = backoff
}

// SetLogger replaces the executor logger
func (e *Executor) SetLogger(logger zerolog.Logger) {
	e.logger = logger.With().Str("component", "plan-executor").Logger()
}

// Execute runs every runnable step of the plan in place and returns the attempt outcomes.
// Steps that already succeeded or were skipped are not run again; steps whose dependencies
// did not succeed stay pending.
func (e *Executor) Execute(ctx context.Context, plan *Plan, run StepRunner) ([]StepOutcome, error) {
	if plan == nil || run == nil {
		return nil, fmt.Errorf("%w: plan and runner are required", ErrInvalidPlan)
	}

	levels, err := ExecutionLevels(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution order: %w", err)
	}

	plan.Status = PlanStatusRunning

	var (
		mu       sync.Mutex
		outcomes []StepOutcome
		failed   []string
	)
	record := func(out []StepOutcome, stepFailed bool, id string) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, out...)
		if stepFailed {
			failed = append(failed, id)
		}
	}

	for levelIdx, level := range levels {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		// Units run one after another; members of a parallel group run together
		for _, unit := range ScheduleUnits(plan, level) {
			if ctx.Err() != nil {
				break
			}
			var wg sync.WaitGroup
			for _, stepID := range unit {
				step := plan.Step(stepID)
				if step.Status.Terminal() || !e.dependenciesMet(plan, step) {
					continue
				}

				wg.Add(1)
				go func(s *Step) {
					defer wg.Done()
					out := e.executeStep(ctx, s, run)
					record(out, s.Status == StepStatusFailed, s.ID)
				}(step)
			}
			wg.Wait()
		}

		if len(failed) > 0 && e.failureStrategy == FailAbort {
			e.logger.Warn().
				Str("plan_id", plan.ID).
				Int("level", levelIdx).
				Strs("failed", failed).
				Msg("Aborting plan after step failure")
			break
		}
	}

	plan.Status = e.planStatus(plan)
	if len(failed) > 0 {
		return outcomes, fmt.Errorf("%w: %v", ErrStepsFailed, failed)
	}
	return outcomes, nil
}

// dependenciesMet reports whether every dependency of step has succeeded
func (e *Executor) dependenciesMet(plan *Plan, step *Step) bool {
	for _, dep := range step.Dependencies {
		if d := plan.Step(dep); d == nil || d.Status != StepStatusSucceeded {
			return false
		}
	}
	return true
}

// executeStep runs the primary action within its retry budget, then the fallback if any
func (e *Executor) executeStep(ctx context.Context, step *Step, run StepRunner) []StepOutcome {
	step.Status = StepStatusRunning
	priorFailures := step.Result.Failures()

	var outcomes []StepOutcome
	attempts := step.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		out := e.attempt(ctx, step, step.Action, attempt+1, false, run)
		outcomes = append(outcomes, out)
		if out.Status == StepStatusSucceeded {
			e.finish(step, out, priorFailures+attempt)
			return outcomes
		}
		if attempt+1 >= attempts {
			break
		}

		// Linear backoff between attempts
		select {
		case <-time.After(time.Duration(attempt+1) * e.backoff):
		case <-ctx.Done():
			e.finish(step, out, priorFailures+attempt)
			return outcomes
		}
	}

	if step.Fallback != nil && ctx.Err() == nil {
		out := e.attempt(ctx, step, *step.Fallback, attempts+1, true, run)
		outcomes = append(outcomes, out)
		e.logger.Info().
			Str("step_id", step.ID).
			Str("fallback", step.Fallback.Name).
			Str("status", string(out.Status)).
			Msg("Fallback action executed")
		e.finish(step, out, priorFailures+attempts)
		return outcomes
	}

	e.finish(step, outcomes[len(outcomes)-1], priorFailures+attempts-1)
	return outcomes
}

// attempt runs a single action under the step timeout
func (e *Executor) attempt(ctx context.Context, step *Step, action Action, n int, fallback bool, run StepRunner) StepOutcome {
	attemptCtx := ctx
	cancel := func() {}
	if step.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	start := time.Now()
	err := run(attemptCtx, step, action)
	out := StepOutcome{
		StepID:   step.ID,
		Status:   StepStatusSucceeded,
		Duration: time.Since(start),
		Attempt:  n,
		Fallback: fallback,
		At:       time.Now(),
	}
	if err != nil {
		out.Status = StepStatusFailed
		out.Error = err.Error()
		out.TimedOut = errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		e.logger.Debug().
			Str("step_id", step.ID).
			Int("attempt", n).
			Bool("timed_out", out.TimedOut).
			Err(err).
			Msg("Step attempt failed")
	}
	return out
}

// finish stores the final attempt on the step
func (e *Executor) finish(step *Step, last StepOutcome, retryCount int) {
	step.Status = last.Status
	step.Result = &StepResult{
		Duration:   last.Duration,
		Error:      last.Error,
		RetryCount: retryCount,
		TimedOut:   last.TimedOut,
		FinishedAt: last.At,
	}
}

// planStatus derives the plan status from its steps
func (e *Executor) planStatus(plan *Plan) PlanStatus {
	completed := true
	for _, step := range plan.Steps {
		switch step.Status {
		case StepStatusFailed:
			return PlanStatusFailed
		case StepStatusSucceeded, StepStatusSkipped:
		default:
			completed = false
		}
	}
	if completed {
		return PlanStatusCompleted
	}
	return PlanStatusRunning
}
