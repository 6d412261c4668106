package adaptation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/replan/pkg/planner"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithAlternatives(fetchAlternatives()), WithLogger(zerolog.Nop())}
	e, err := NewEngine(DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// substitutionFor detects and generates against plan and returns the substitution action
func substitutionFor(t *testing.T, e *Engine, plan *planner.Plan, obs Observations) Action {
	t.Helper()
	ctx := context.Background()
	opps, err := e.DetectOpportunities(ctx, plan, obs)
	require.NoError(t, err)
	require.NotEmpty(t, opps)
	actions, err := e.GenerateActions(ctx, plan, opps[0])
	require.NoError(t, err)
	for _, a := range actions {
		if a.Strategy == StrategySubstitution {
			return a
		}
	}
	t.Fatalf("no substitution among %v", strategiesOf(actions))
	return Action{}
}

type failingStore struct{}

func (failingStore) Append(context.Context, Record) error {
	return fmt.Errorf("%w: disk full", ErrStorage)
}

func (failingStore) Query(context.Context, string) ([]Record, error) {
	return nil, fmt.Errorf("%w: disk full", ErrStorage)
}

func TestNewEngine(t *testing.T) {
	t.Run("zero config uses defaults", func(t *testing.T) {
		e, err := NewEngine(Config{}, WithLogger(zerolog.Nop()))
		require.NoError(t, err)
		defer e.Close()
		assert.Equal(t, DefaultConfig(), e.Config())
	})

	t.Run("out of range config is rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MinActionScore = 2
		_, err := NewEngine(cfg)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestEngine_TriggerSubstitutionScenario(t *testing.T) {
	store := NewMemoryStore()
	seedHistory(t, store, StrategySubstitution, 6)
	e := newTestEngine(t, WithStore(store))
	require.NoError(t, e.Warm(context.Background()))

	plan, outcomes := scenarioPlan(t)
	before := plan.Clone()

	next, records, err := e.TriggerAdaptation(context.Background(), plan, Observations{Outcomes: outcomes})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, StrategySubstitution, rec.Action.Strategy)
	assert.Equal(t, OutcomeApplied, rec.Outcome)
	assert.Equal(t, plan.Version, rec.VersionBefore)
	assert.Equal(t, plan.Version+1, rec.VersionAfter)
	assert.Greater(t, rec.Action.Estimate.Score, 0.5)
	assert.Positive(t, rec.BaselineDuration)

	assert.Equal(t, plan.Version+1, next.Version)
	assert.Equal(t, "fetch-mirror", next.Step("B").Action.Name)
	assert.Equal(t, planner.StepStatusPending, next.Step("B").Status)
	assert.Equal(t, before, plan, "input plan must not change")

	history, err := e.GetAdaptationHistory(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)

	stats := e.GetAdaptationStatistics(plan.ID)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.OpportunitiesDetected)
	assert.InDelta(t, 1.0, stats.ConversionRate, 1e-9)
	assert.Equal(t, 7, e.GetAdaptationStatistics("").ByStrategy[StrategySubstitution].Applied)
	assert.Equal(t, StateIdle, e.State(plan.ID))
}

func TestEngine_TriggerWithoutHistoryStillSubstitutes(t *testing.T) {
	e := newTestEngine(t)
	plan, outcomes := scenarioPlan(t)

	next, records, err := e.TriggerAdaptation(context.Background(), plan, Observations{Outcomes: outcomes})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StrategySubstitution, records[0].Action.Strategy)
	assert.Equal(t, "fetch-mirror", next.Step("B").Action.Name)
}

func TestEngine_TriggerNoOpportunities(t *testing.T) {
	e := newTestEngine(t)
	plan := independentPlan(t)

	next, records, err := e.TriggerAdaptation(context.Background(), plan, Observations{})
	require.NoError(t, err)
	assert.Same(t, plan, next)
	assert.Empty(t, records)
	assert.Equal(t, 1, next.Version)
}

func TestEngine_TriggerBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinActionScore = 0.95
	e, err := NewEngine(cfg, WithAlternatives(fetchAlternatives()), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer e.Close()

	plan, outcomes := scenarioPlan(t)
	next, records, err := e.TriggerAdaptation(context.Background(), plan, Observations{Outcomes: outcomes})
	require.NoError(t, err)
	assert.Same(t, plan, next)
	assert.Empty(t, records)
}

func TestEngine_ApplyRejectsStaleActions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	plan, outcomes := scenarioPlan(t)
	sub := substitutionFor(t, e, plan, Observations{Outcomes: outcomes})

	next, _, err := e.ApplyAdaptation(ctx, plan, sub)
	require.NoError(t, err)

	t.Run("action generated for an older version", func(t *testing.T) {
		got, rec, err := e.ApplyAdaptation(ctx, next, sub)
		assert.ErrorIs(t, err, ErrStalePlanVersion)
		assert.Equal(t, CodeStalePlanVersion, CodeOf(err))
		assert.Same(t, next, got)
		assert.Empty(t, rec.ID)
	})

	t.Run("plan behind the version this engine produced", func(t *testing.T) {
		got, _, err := e.ApplyAdaptation(ctx, plan, sub)
		assert.ErrorIs(t, err, ErrStalePlanVersion)
		assert.Same(t, plan, got)
	})

	history, err := e.GetAdaptationHistory(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "stale attempts leave no record")
}

func TestEngine_WarmRestoresVersionBookkeeping(t *testing.T) {
	store := NewMemoryStore()
	seedHistory(t, store, StrategySubstitution, 6)
	e := newTestEngine(t, WithStore(store))
	require.NoError(t, e.Warm(context.Background()))

	stats := e.GetAdaptationStatistics("")
	assert.Equal(t, 6, stats.ByStrategy[StrategySubstitution].Realized)
	assert.Equal(t, 6, stats.RealizedSamples)
	assert.InDelta(t, -1.0, stats.MeanRealizedImpact, 1e-9)

	// seed-plan reached version 7 in history
	plan, outcomes := scenarioPlan(t)
	plan.ID = "seed-plan"
	plan.Version = 3
	sub := substitutionFor(t, e, plan, Observations{Outcomes: outcomes})

	_, _, err := e.ApplyAdaptation(context.Background(), plan, sub)
	assert.ErrorIs(t, err, ErrStalePlanVersion)
}

func TestEngine_ApplyRollsBack(t *testing.T) {
	mutators := map[string]Mutator{
		"error": func(*planner.Plan, planner.Mutation) (*planner.Plan, error) {
			return nil, errors.New("executor rejected the change")
		},
		"panic": func(*planner.Plan, planner.Mutation) (*planner.Plan, error) {
			panic("boom")
		},
		"version not bumped": func(p *planner.Plan, _ planner.Mutation) (*planner.Plan, error) {
			return p, nil
		},
		"invalid successor": func(p *planner.Plan, _ planner.Mutation) (*planner.Plan, error) {
			p.Version++
			p.Steps[0].Dependencies = []string{"ghost"}
			return p, nil
		},
		"mutates in place then fails": func(p *planner.Plan, _ planner.Mutation) (*planner.Plan, error) {
			p.Steps = p.Steps[:1]
			return nil, errors.New("half done")
		},
	}

	for name, mutate := range mutators {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, WithMutator(mutate))
			plan, outcomes := scenarioPlan(t)
			before := plan.Clone()
			sub := substitutionFor(t, e, plan, Observations{Outcomes: outcomes})

			got, rec, err := e.ApplyAdaptation(context.Background(), plan, sub)
			assert.ErrorIs(t, err, ErrApplication)
			assert.Same(t, plan, got)
			assert.Equal(t, before, plan)
			assert.Equal(t, OutcomeReverted, rec.Outcome)
			assert.NotEmpty(t, rec.Error)
			assert.Equal(t, rec.VersionBefore, rec.VersionAfter)
			assert.Equal(t, StateIdle, e.State(plan.ID))

			stats := e.GetAdaptationStatistics(plan.ID)
			assert.Equal(t, 1, stats.Reverted)
			assert.Zero(t, stats.ActionsApplied)
		})
	}
}

func TestEngine_TriggerExcludesRevertedActions(t *testing.T) {
	calls := 0
	failing := func(*planner.Plan, planner.Mutation) (*planner.Plan, error) {
		calls++
		return nil, errors.New("rejected")
	}
	e := newTestEngine(t, WithMutator(failing))
	plan, outcomes := scenarioPlan(t)

	next, records, err := e.TriggerAdaptation(context.Background(), plan, Observations{Outcomes: outcomes})
	require.NoError(t, err)
	assert.Same(t, plan, next)

	// Substitution is tried once; the fallback scores below the threshold
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeReverted, records[0].Outcome)
	assert.Equal(t, 1, calls)
}

func TestEngine_TriggerTerminates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAdaptationIterations = 3
	// Accepts every mutation without changing anything, so the failure never goes away
	noop := func(p *planner.Plan, _ planner.Mutation) (*planner.Plan, error) {
		p.Version++
		return p, nil
	}
	e, err := NewEngine(cfg, WithAlternatives(fetchAlternatives()), WithMutator(noop), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer e.Close()

	plan, outcomes := scenarioPlan(t)
	next, records, err := e.TriggerAdaptation(context.Background(), plan, Observations{Outcomes: outcomes})
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, plan.Version+3, next.Version)

	stats := e.GetAdaptationStatistics(plan.ID)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 2, stats.Superseded)
	assert.Equal(t, StateIdle, e.State(plan.ID))
}

func TestEngine_TriggerRequirementChange(t *testing.T) {
	e := newTestEngine(t)
	plan := independentPlan(t)
	change := &GoalChange{
		Goal:          "compress and upload",
		ObsoleteSteps: []string{"x"},
		AddedSteps:    []planner.Step{{ID: "upload", Action: planner.Action{Name: "upload"}, Dependencies: []string{"y"}}},
		Replacements:  map[string]planner.Action{"y": {Name: "compress-zstd"}},
	}

	next, records, err := e.TriggerAdaptation(context.Background(), plan, Observations{GoalChange: change})
	require.NoError(t, err)
	assert.Equal(t, []StrategyKind{StrategyInsertion, StrategySubstitution, StrategyElimination}, strategiesOfRecords(records))

	assert.Nil(t, next.Step("x"))
	assert.Equal(t, "compress-zstd", next.Step("y").Action.Name)
	require.NotNil(t, next.Step("upload"))
	assert.Equal(t, []string{"y"}, next.Step("upload").Dependencies)
	assert.Equal(t, plan.Version+3, next.Version)
}

func strategiesOfRecords(records []Record) []StrategyKind {
	out := make([]StrategyKind, len(records))
	for i, r := range records {
		out[i] = r.Action.Strategy
	}
	return out
}

func TestEngine_ConcurrentPlans(t *testing.T) {
	e := newTestEngine(t)
	const n = 8

	var wg sync.WaitGroup
	errs := make([]error, n)
	counts := make([]int, n)
	for i := 0; i < n; i++ {
		plan, outcomes := scenarioPlan(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, records, err := e.TriggerAdaptation(context.Background(), plan, Observations{Outcomes: outcomes})
			errs[i], counts[i] = err, len(records)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, 1, counts[i])
	}
	assert.Equal(t, n, e.GetAdaptationStatistics("").Applied)
}

func TestEngine_SamePlanIsSerialized(t *testing.T) {
	e := newTestEngine(t)
	plan, outcomes := scenarioPlan(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = e.TriggerAdaptation(context.Background(), plan, Observations{Outcomes: outcomes})
		}()
	}
	wg.Wait()

	// The second cycle starts from the version the first one replaced
	stale := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrStalePlanVersion)
			stale++
		}
	}
	assert.Equal(t, 1, stale)
	assert.Equal(t, 1, e.GetAdaptationStatistics(plan.ID).Applied)
}

func TestEngine_TriggerCanceled(t *testing.T) {
	e := newTestEngine(t)
	plan, outcomes := scenarioPlan(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	next, records, err := e.TriggerAdaptation(ctx, plan, Observations{Outcomes: outcomes})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Same(t, plan, next)
	assert.Empty(t, records)
	assert.Equal(t, StateIdle, e.State(plan.ID))
}

// blockingMutator holds the first mutation until release is closed
func blockingMutator() (mutate Mutator, started <-chan struct{}, release chan<- struct{}) {
	startedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	var once sync.Once
	mutate = func(p *planner.Plan, m planner.Mutation) (*planner.Plan, error) {
		once.Do(func() {
			close(startedCh)
			<-releaseCh
		})
		return planner.ApplyMutation(p, m)
	}
	return mutate, startedCh, releaseCh
}

type applyOutcome struct {
	plan   *planner.Plan
	record Record
	err    error
}

func applyAsync(ctx context.Context, e *Engine, plan *planner.Plan, action Action) <-chan applyOutcome {
	out := make(chan applyOutcome, 1)
	go func() {
		next, rec, err := e.ApplyAdaptation(ctx, plan, action)
		out <- applyOutcome{plan: next, record: rec, err: err}
	}()
	return out
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("mutation did not start")
	}
}

func TestEngine_ApplyIgnoresCancellationOnceStarted(t *testing.T) {
	mutate, started, release := blockingMutator()
	e := newTestEngine(t, WithMutator(mutate))
	plan, outcomes := scenarioPlan(t)
	sub := substitutionFor(t, e, plan, Observations{Outcomes: outcomes})

	ctx, cancel := context.WithCancel(context.Background())
	done := applyAsync(ctx, e, plan, sub)
	waitStarted(t, started)

	cancel()
	assert.Equal(t, StateApplying, e.State(plan.ID))
	assert.Equal(t, 1, e.Pending(plan.ID))
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeApplied, res.record.Outcome)
	assert.Equal(t, plan.Version+1, res.plan.Version)
	assert.Equal(t, "fetch-mirror", res.plan.Step("B").Action.Name)
	assert.Equal(t, StateIdle, e.State(plan.ID))

	history, err := e.GetAdaptationHistory(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeApplied, history[0].Outcome)
}

func TestEngine_ApplyCanceledWhileQueued(t *testing.T) {
	mutate, started, release := blockingMutator()
	e := newTestEngine(t, WithMutator(mutate))
	plan, outcomes := scenarioPlan(t)
	sub := substitutionFor(t, e, plan, Observations{Outcomes: outcomes})

	first := applyAsync(context.Background(), e, plan, sub)
	waitStarted(t, started)

	ctx, cancel := context.WithCancel(context.Background())
	second := applyAsync(ctx, e, plan, sub)
	require.Eventually(t, func() bool { return e.Pending(plan.ID) == 2 }, time.Second, time.Millisecond)

	cancel()
	res := <-second
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Same(t, plan, res.plan)
	assert.Empty(t, res.record.ID)

	close(release)
	res = <-first
	require.NoError(t, res.err)
	assert.Equal(t, plan.Version+1, res.plan.Version)

	require.Eventually(t, func() bool { return e.Pending(plan.ID) == 0 }, time.Second, time.Millisecond)
	assert.True(t, e.Drain(time.Second))

	history, err := e.GetAdaptationHistory(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, e.GetAdaptationStatistics(plan.ID).Applied)
}

func TestEngine_StateMachine(t *testing.T) {
	e := newTestEngine(t)

	assert.Equal(t, StateIdle, e.State("unknown"))

	require.NoError(t, e.transition("p", StateDetecting))
	require.NoError(t, e.transition("p", StateGenerating))
	assert.Error(t, e.transition("p", StateApplying))
	assert.Equal(t, StateFailed, e.State("p"))

	// A new cycle leaves failed behind
	require.NoError(t, e.enter("p", StateDetecting))
	assert.Equal(t, StateDetecting, e.State("p"))

	assert.Error(t, e.enter("p", StateApplying), "detecting cannot jump to applying")
}

func TestEngine_RecordRealizedImpact(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	plan, outcomes := scenarioPlan(t)
	sub := substitutionFor(t, e, plan, Observations{Outcomes: outcomes})

	next, first, err := e.ApplyAdaptation(ctx, plan, sub)
	require.NoError(t, err)

	t.Run("unknown record", func(t *testing.T) {
		_, err := e.RecordRealizedImpact(ctx, "missing", RealizedImpact{})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	adjust := Action{
		ID:          "adjust-b",
		Strategy:    StrategyTimeoutRetryAdjustment,
		PlanID:      plan.ID,
		PlanVersion: next.Version,
		Opportunity: OpportunityTimeoutExceeded,
		Targets:     []string{"B"},
		Mutation:    planner.Mutation{Kind: planner.MutationAdjustTimeout, StepID: "B", Timeout: 5 * time.Second},
	}
	_, second, err := e.ApplyAdaptation(ctx, next, adjust)
	require.NoError(t, err)

	t.Run("superseded records are never realized", func(t *testing.T) {
		_, err := e.RecordRealizedImpact(ctx, first.ID, RealizedImpact{TargetsSucceeded: true})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	realized, err := e.RecordRealizedImpact(ctx, second.ID, RealizedImpact{DurationDelta: -time.Second, TargetsSucceeded: true})
	require.NoError(t, err)
	require.NotNil(t, realized.Realized)
	assert.False(t, realized.Realized.ObservedAt.IsZero())

	t.Run("at most once", func(t *testing.T) {
		_, err := e.RecordRealizedImpact(ctx, second.ID, RealizedImpact{TargetsSucceeded: false})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	history, err := e.GetAdaptationHistory(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, OutcomeSuperseded, history[0].Outcome)
	assert.Equal(t, second.ID, history[0].SupersededBy)
	assert.NotNil(t, history[1].Realized)

	stats := e.GetAdaptationStatistics(plan.ID)
	assert.Equal(t, 1, stats.Superseded)
	assert.Equal(t, 1, stats.ByStrategy[StrategyTimeoutRetryAdjustment].Succeeded)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
	assert.InDelta(t, -1.0, stats.MedianRealizedImpact, 1e-9)
}

func TestEngine_StoreFailuresAreNotFatal(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithStore(failingStore{}))
	plan, outcomes := scenarioPlan(t)

	next, records, err := e.TriggerAdaptation(ctx, plan, Observations{Outcomes: outcomes})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, plan.Version+1, next.Version)

	history, err := e.GetAdaptationHistory(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, records[0].ID, history[0].ID)

	err = e.Warm(ctx)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, CodeStorage, CodeOf(err))
}

func TestEngine_InputValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	plan, outcomes := scenarioPlan(t)
	sub := substitutionFor(t, e, plan, Observations{Outcomes: outcomes})

	_, _, err := e.ApplyAdaptation(ctx, nil, sub)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.DetectOpportunities(ctx, &planner.Plan{}, Observations{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	foreign := sub.Clone()
	foreign.PlanID = "other"
	_, _, err = e.ApplyAdaptation(ctx, plan, foreign)
	assert.ErrorIs(t, err, ErrInvalidInput)

	unnamed := sub.Clone()
	unnamed.ID = ""
	_, _, err = e.ApplyAdaptation(ctx, plan, unnamed)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.GetAdaptationHistory(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.GenerateActions(ctx, plan, Opportunity{Kind: OpportunityStepFailure, PlanID: "other"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.GenerateActions(ctx, plan, Opportunity{Kind: OpportunityRedundantSteps, PlanID: plan.ID, StepIDs: []string{"B"}})
	assert.ErrorIs(t, err, ErrNoApplicableStrategy)

	cyclic := plan.Clone()
	cyclic.Step("A").Dependencies = []string{"C"}
	_, _, err = e.TriggerAdaptation(ctx, cyclic, Observations{})
	assert.ErrorIs(t, err, ErrPlanValidation)
	assert.Equal(t, CodePlanValidation, CodeOf(err))
}

func TestEngine_EvaluateUsesHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedHistory(t, store, StrategySubstitution, 6)
	e := newTestEngine(t, WithStore(store))
	plan, outcomes := scenarioPlan(t)
	sub := substitutionFor(t, e, plan, Observations{Outcomes: outcomes})

	cold, err := e.EvaluateAction(ctx, plan, sub)
	require.NoError(t, err)
	require.NoError(t, e.Warm(ctx))
	warm, err := e.EvaluateAction(ctx, plan, sub)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, cold.Confidence, 1e-9)
	assert.Greater(t, warm.Confidence, cold.Confidence)
	assert.Greater(t, warm.Score, cold.Score)
}

func TestConsume(t *testing.T) {
	obs := Observations{
		Outcomes: []planner.StepOutcome{failedOutcome("B", time.Now()), failedOutcome("C", time.Now())},
		Usage:    []ResourceSample{{Resource: "gpu", Used: 1, Capacity: 1}, {Resource: "cpu", Used: 1, Capacity: 1}},
		GoalChange: &GoalChange{
			ObsoleteSteps: []string{"x"},
			Replacements:  map[string]planner.Action{"y": {Name: "compress-zstd"}},
		},
	}

	got := consume(obs, Action{Targets: []string{"B"}, Resource: "gpu"})
	require.Len(t, got.Outcomes, 1)
	assert.Equal(t, "C", got.Outcomes[0].StepID)
	require.Len(t, got.Usage, 1)
	assert.Equal(t, "cpu", got.Usage[0].Resource)
	assert.NotNil(t, got.GoalChange, "unrelated actions keep the goal change")

	got = consume(got, Action{
		Opportunity: OpportunityRequirementChange,
		Targets:     []string{"x"},
		Mutation:    planner.Mutation{Kind: planner.MutationRemoveStep, StepID: "x"},
	})
	require.NotNil(t, got.GoalChange)
	assert.Empty(t, got.GoalChange.ObsoleteSteps)

	got = consume(got, Action{
		Opportunity: OpportunityRequirementChange,
		Targets:     []string{"y"},
		Mutation:    planner.Mutation{Kind: planner.MutationReplaceStep, StepID: "y"},
	})
	assert.Nil(t, got.GoalChange)
	assert.Len(t, obs.GoalChange.ObsoleteSteps, 1, "input observations are not modified")
}
