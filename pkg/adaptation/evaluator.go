package adaptation

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/harun/replan/pkg/planner"
)

// attemptSuccess is the assumed chance that a single attempt of a healthy step succeeds
const attemptSuccess = 0.9

// Evaluator scores actions against the plan they were generated for.
// It is stateless; history enters through the StrategyStats argument.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an evaluator
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg.withDefaults()}
}

// Evaluate estimates the impact of applying action to plan.
//
// Benefit combines the relative reduction in failure probability, the relative
// gain in expected makespan and the action's coverage. Risk grows with the share
// of steps downstream of the targets, the strategy's destructiveness and its
// historical failure rate. Confidence stays at 0.5 until the strategy has
// MinHistorySampleForConfidence samples. Score = Benefit × Confidence / (1 + Risk).
func (e *Evaluator) Evaluate(plan *planner.Plan, action Action, stats StrategyStats) (ImpactEstimate, error) {
	if plan == nil {
		return ImpactEstimate{}, fmt.Errorf("%w: plan is nil", ErrInvalidInput)
	}
	if !action.Strategy.Valid() {
		return ImpactEstimate{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, action.Strategy)
	}
	if action.PlanID != "" && action.PlanID != plan.ID {
		return ImpactEstimate{}, fmt.Errorf("%w: action %s belongs to plan %s", ErrInvalidInput, action.ID, action.PlanID)
	}

	after, err := planner.ApplyMutation(plan, action.Mutation)
	if err != nil {
		return ImpactEstimate{}, fmt.Errorf("%w: %w", ErrPlanValidation, err)
	}

	pBefore := e.successProbability(plan, nil)
	pAfter := e.successProbability(after, plan)
	relief := 0.0
	if pBefore < 1 {
		relief = (pAfter - pBefore) / (1 - pBefore)
	}
	if action.Opportunity == OpportunityRequirementChange {
		// Steps the caller asked for are not held against the action
		relief = max(relief, 0)
	}

	spanBefore, err := planner.Makespan(plan, e.expectedDuration)
	if err != nil {
		return ImpactEstimate{}, fmt.Errorf("%w: %w", ErrPlanValidation, err)
	}
	spanAfter, err := planner.Makespan(after, e.expectedDuration)
	if err != nil {
		return ImpactEstimate{}, fmt.Errorf("%w: %w", ErrPlanValidation, err)
	}
	timeGain := 0.0
	if spanBefore > 0 {
		timeGain = float64(spanBefore-spanAfter) / float64(spanBefore)
	}

	benefit := clamp(relief+timeWeight(action.Opportunity)*timeGain+action.Coverage, 0, 1)
	risk := e.risk(plan, action, stats)
	confidence := e.confidence(stats)

	return ImpactEstimate{
		DurationDelta: spanAfter - spanBefore,
		CostDelta:     declaredCost(after) - declaredCost(plan),
		Risk:          risk,
		Confidence:    confidence,
		Benefit:       benefit,
		Score:         benefit * confidence / (1 + risk),
	}, nil
}

// timeWeight is how much a relative makespan gain counts towards benefit
func timeWeight(kind OpportunityKind) float64 {
	switch kind {
	case OpportunityPerformanceDegradation:
		return 1
	case OpportunityRequirementChange:
		return 0
	}
	return 0.5
}

func (e *Evaluator) risk(plan *planner.Plan, action Action, stats StrategyStats) float64 {
	var targets []string
	for _, id := range action.Targets {
		if plan.Step(id) != nil {
			targets = append(targets, id)
		}
	}
	downstream := 0
	for _, id := range planner.TransitiveDependents(plan, targets...) {
		if !slices.Contains(targets, id) {
			downstream++
		}
	}
	depRatio := float64(downstream) / float64(max(1, len(plan.Steps)-len(targets)))

	prior := action.Strategy.Prior()
	hist := (float64(stats.Succeeded) + 2*prior) / (float64(stats.Samples()) + 2)

	return clamp(0.4*depRatio+0.3*action.Strategy.Destructiveness()+0.3*(1-hist), 0, 1)
}

func (e *Evaluator) confidence(stats StrategyStats) float64 {
	n := stats.Samples()
	minSamples := e.cfg.MinHistorySampleForConfidence
	if n < minSamples {
		return 0.5
	}
	return 0.6 + 0.4*float64(n)/float64(n+minSamples)
}

// successProbability is the product of the success chances of all unfinished steps.
// When before is set, a step whose failure cause was changed relative to before
// is assessed without its failure history.
func (e *Evaluator) successProbability(plan *planner.Plan, before *planner.Plan) float64 {
	p := 1.0
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status.Terminal() {
			continue
		}
		addressed := false
		if before != nil {
			addressed = failureAddressed(before.Step(step.ID), step)
		}
		p *= stepSuccess(step, addressed)
	}
	return p
}

func stepSuccess(step *planner.Step, addressed bool) float64 {
	failures := step.Result.Failures()
	if addressed {
		failures = 0
	}
	attempt := attemptSuccess / float64(1+failures)
	p := 1 - math.Pow(1-attempt, float64(step.MaxRetries+1))
	if step.Fallback != nil {
		p = 1 - (1-p)*(1-attemptSuccess)
	}
	return p
}

// failureAddressed reports whether a step changed in a way that removes the cause of
// its recorded failures: a different action, new preparatory dependencies, or a
// longer timeout after timing out
func failureAddressed(prev, step *planner.Step) bool {
	if prev == nil || prev.Result.Failures() == 0 {
		return false
	}
	if !prev.Action.Equal(step.Action) {
		return true
	}
	for _, dep := range step.Dependencies {
		if !slices.Contains(prev.Dependencies, dep) {
			return true
		}
	}
	return prev.Result.TimedOut && step.Timeout > prev.Timeout
}

// expectedDuration weighs unfinished steps by their estimate, or the last observed
// duration when slower, plus the expected cost of running the fallback
func (e *Evaluator) expectedDuration(step *planner.Step) time.Duration {
	if step.Status.Terminal() {
		return 0
	}
	est := step.EstimatedTime
	if est <= 0 {
		est = e.cfg.DefaultStepEstimate
	}
	if step.Result != nil && step.Result.Duration > est {
		est = step.Result.Duration
	}
	if step.Fallback != nil {
		p := stepSuccess(&planner.Step{MaxRetries: step.MaxRetries, Result: step.Result}, false)
		est += time.Duration((1 - p) * float64(est))
	}
	return est
}

func declaredCost(plan *planner.Plan) float64 {
	var total float64
	for i := range plan.Steps {
		if !plan.Steps[i].Status.Terminal() {
			total += plan.Steps[i].TotalResources()
		}
	}
	return total
}
