package adaptation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harun/replan/pkg/planner"
)

// staticAlternatives is an in-memory AlternativesSource keyed by role
type staticAlternatives struct {
	alternatives  map[string][]planner.Action
	recovery      map[string][]planner.Step
	decomposition map[string][]planner.Step
}

func (s staticAlternatives) Alternatives(role string) []planner.Action { return s.alternatives[role] }
func (s staticAlternatives) Recovery(role string) []planner.Step       { return s.recovery[role] }
func (s staticAlternatives) Decomposition(role string) []planner.Step  { return s.decomposition[role] }

func fetchAlternatives() staticAlternatives {
	return staticAlternatives{
		alternatives: map[string][]planner.Action{
			"fetch": {{Name: "fetch-mirror", Params: map[string]string{"host": "mirror"}}},
		},
	}
}

func failedOutcome(id string, at time.Time) planner.StepOutcome {
	return planner.StepOutcome{StepID: id, Status: planner.StepStatusFailed, Duration: time.Second, Error: "connection reset", Attempt: 1, At: at}
}

// scenarioPlan builds [A, B(dep A), C(dep A)] where A succeeded and B failed twice.
// It returns the plan with the outcomes folded in, plus the outcomes themselves.
func scenarioPlan(t *testing.T) (*planner.Plan, []planner.StepOutcome) {
	t.Helper()
	plan, err := planner.NewPlan("sync catalog", []planner.Step{
		{ID: "A", Action: planner.Action{Name: "login"}},
		{ID: "B", Role: "fetch", Action: planner.Action{Name: "fetch-primary"}, Dependencies: []string{"A"}},
		{ID: "C", Action: planner.Action{Name: "notify"}, Dependencies: []string{"A"}},
	})
	require.NoError(t, err)

	now := time.Now()
	outcomes := []planner.StepOutcome{
		{StepID: "A", Status: planner.StepStatusSucceeded, Duration: time.Second, Attempt: 1, At: now},
		failedOutcome("B", now.Add(time.Second)),
		failedOutcome("B", now.Add(2*time.Second)),
	}
	planner.RecordOutcomes(plan, outcomes)
	return plan, outcomes
}

// singleFailurePlan is scenarioPlan with only the first failure of B recorded
func singleFailurePlan(t *testing.T) (*planner.Plan, []planner.StepOutcome) {
	t.Helper()
	plan, err := planner.NewPlan("sync catalog", []planner.Step{
		{ID: "A", Action: planner.Action{Name: "login"}},
		{ID: "B", Role: "fetch", Action: planner.Action{Name: "fetch-primary"}, Dependencies: []string{"A"}},
		{ID: "C", Action: planner.Action{Name: "notify"}, Dependencies: []string{"A"}},
	})
	require.NoError(t, err)

	now := time.Now()
	outcomes := []planner.StepOutcome{
		{StepID: "A", Status: planner.StepStatusSucceeded, Duration: time.Second, Attempt: 1, At: now},
		failedOutcome("B", now.Add(time.Second)),
	}
	planner.RecordOutcomes(plan, outcomes)
	return plan, outcomes
}

// independentPlan builds two pending steps with no dependency between them
func independentPlan(t *testing.T) *planner.Plan {
	t.Helper()
	plan, err := planner.NewPlan("independent", []planner.Step{
		{ID: "x", Action: planner.Action{Name: "resize"}},
		{ID: "y", Action: planner.Action{Name: "compress"}},
	})
	require.NoError(t, err)
	return plan
}

// seedHistory appends n realized, successful records of a strategy on an unrelated plan
func seedHistory(t *testing.T, store HistoryStore, strategy StrategyKind, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		at := time.Now().Add(-time.Hour)
		rec := Record{
			ID:               fmt.Sprintf("seed-%s-%d", strategy, i),
			PlanID:           "seed-plan",
			Action:           Action{ID: fmt.Sprintf("a%d", i), Strategy: strategy, PlanID: "seed-plan"},
			VersionBefore:    i + 1,
			VersionAfter:     i + 2,
			AppliedAt:        at,
			Outcome:          OutcomeApplied,
			BaselineDuration: time.Minute,
			Realized:         &RealizedImpact{DurationDelta: -time.Second, TargetsSucceeded: true, ObservedAt: at},
			UpdatedAt:        at,
		}
		require.NoError(t, store.Append(context.Background(), rec))
	}
}
