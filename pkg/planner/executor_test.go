package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner fails the named actions and records every call
type scriptedRunner struct {
	mu    sync.Mutex
	fail  map[string]int // action name -> number of failing calls before success, -1 fails forever
	calls []string
}

func (r *scriptedRunner) run(ctx context.Context, step *Step, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, step.ID+":"+action.Name)

	remaining, ok := r.fail[action.Name]
	if !ok || remaining == 0 {
		return nil
	}
	if remaining > 0 {
		r.fail[action.Name] = remaining - 1
	}
	return errors.New(action.Name + " failed")
}

func newTestExecutor() *Executor {
	e := NewExecutor()
	e.SetBackoff(time.Millisecond)
	return e
}

func TestExecutor_Success(t *testing.T) {
	plan := diamond(t)
	runner := &scriptedRunner{}

	outcomes, err := newTestExecutor().Execute(context.Background(), plan, runner.run)
	require.NoError(t, err)

	assert.Len(t, outcomes, 4)
	assert.Equal(t, PlanStatusCompleted, plan.Status)
	for _, step := range plan.Steps {
		assert.Equal(t, StepStatusSucceeded, step.Status, step.ID)
		require.NotNil(t, step.Result)
		assert.Empty(t, step.Result.Error)
	}
	assert.Equal(t, "a:fetch", runner.calls[0])
	assert.Equal(t, "d:publish", runner.calls[3])
}

func TestExecutor_RetriesWithinBudget(t *testing.T) {
	plan := diamond(t)
	plan.Step("b").MaxRetries = 2
	runner := &scriptedRunner{fail: map[string]int{"parse": 2}}

	outcomes, err := newTestExecutor().Execute(context.Background(), plan, runner.run)
	require.NoError(t, err)

	var attempts int
	for _, out := range outcomes {
		if out.StepID == "b" {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StepStatusSucceeded, plan.Step("b").Status)
	assert.Equal(t, 2, plan.Step("b").Result.RetryCount)
}

func TestExecutor_FailureLeavesDependentsPending(t *testing.T) {
	plan := diamond(t)
	plan.Step("b").MaxRetries = 1
	runner := &scriptedRunner{fail: map[string]int{"parse": -1}}

	_, err := newTestExecutor().Execute(context.Background(), plan, runner.run)
	require.ErrorIs(t, err, ErrStepsFailed)

	b := plan.Step("b")
	assert.Equal(t, StepStatusFailed, b.Status)
	assert.Equal(t, "parse failed", b.Result.Error)
	assert.Equal(t, 2, b.Result.Failures())
	assert.Equal(t, StepStatusSucceeded, plan.Step("c").Status)
	assert.Equal(t, StepStatusPending, plan.Step("d").Status)
	assert.Equal(t, PlanStatusFailed, plan.Status)
}

func TestExecutor_Fallback(t *testing.T) {
	plan := diamond(t)
	plan.Step("b").Fallback = &Action{Name: "parse-lenient"}
	runner := &scriptedRunner{fail: map[string]int{"parse": -1}}

	outcomes, err := newTestExecutor().Execute(context.Background(), plan, runner.run)
	require.NoError(t, err)

	assert.Equal(t, StepStatusSucceeded, plan.Step("b").Status)
	assert.Contains(t, runner.calls, "b:parse-lenient")

	var usedFallback bool
	for _, out := range outcomes {
		if out.StepID == "b" && out.Fallback {
			usedFallback = true
			assert.Equal(t, StepStatusSucceeded, out.Status)
		}
	}
	assert.True(t, usedFallback)
}

func TestExecutor_Timeout(t *testing.T) {
	plan := diamond(t)
	plan.Step("c").Timeout = 10 * time.Millisecond

	run := func(ctx context.Context, step *Step, action Action) error {
		if step.ID != "c" {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}

	outcomes, err := newTestExecutor().Execute(context.Background(), plan, run)
	require.ErrorIs(t, err, ErrStepsFailed)

	c := plan.Step("c")
	assert.Equal(t, StepStatusFailed, c.Status)
	assert.True(t, c.Result.TimedOut)

	var timedOut bool
	for _, out := range outcomes {
		timedOut = timedOut || (out.StepID == "c" && out.TimedOut)
	}
	assert.True(t, timedOut)
}

func TestExecutor_ResumesFromPriorRun(t *testing.T) {
	plan := diamond(t)
	runner := &scriptedRunner{fail: map[string]int{"parse": 1}}
	executor := newTestExecutor()

	_, err := executor.Execute(context.Background(), plan, runner.run)
	require.ErrorIs(t, err, ErrStepsFailed)

	// Requeue the failed step and run again; finished steps are not repeated
	plan.Step("b").Status = StepStatusPending
	runner.calls = nil

	_, err = executor.Execute(context.Background(), plan, runner.run)
	require.NoError(t, err)
	assert.Equal(t, []string{"b:parse", "d:publish"}, runner.calls)
	assert.Equal(t, 1, plan.Step("b").Result.RetryCount, "earlier failures are carried over")
}

func TestExecutor_AbortStrategy(t *testing.T) {
	plan, err := NewPlan("chain", []Step{
		{ID: "a", Action: Action{Name: "ok"}},
		{ID: "b", Action: Action{Name: "bad"}},
		{ID: "c", Action: Action{Name: "ok"}, Dependencies: []string{"a"}},
	})
	require.NoError(t, err)

	executor := newTestExecutor()
	executor.SetFailureStrategy(FailAbort)
	runner := &scriptedRunner{fail: map[string]int{"bad": -1}}

	_, err = executor.Execute(context.Background(), plan, runner.run)
	require.ErrorIs(t, err, ErrStepsFailed)
	assert.Equal(t, StepStatusPending, plan.Step("c").Status, "no level runs after a failure")
}

func TestExecutor_CanceledContext(t *testing.T) {
	plan := diamond(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestExecutor().Execute(ctx, plan, (&scriptedRunner{}).run)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StepStatusPending, plan.Step("a").Status)
}

func TestExecutor_RequiresRunner(t *testing.T) {
	_, err := newTestExecutor().Execute(context.Background(), diamond(t), nil)
	assert.ErrorIs(t, err, ErrInvalidPlan)
}
