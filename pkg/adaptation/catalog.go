package adaptation

import (
	"slices"

	"github.com/harun/replan/pkg/planner"
)

// applicable maps each opportunity kind to the strategies allowed to address it.
// The lists are kept short on purpose; a missed adaptation is cheaper than a wrong one.
var applicable = map[OpportunityKind][]StrategyKind{
	OpportunityStepFailure:            {StrategySubstitution, StrategyFallbackRouting, StrategyInsertion},
	OpportunityRepeatedFailure:        {StrategySubstitution, StrategyFallbackRouting, StrategyDecomposition},
	OpportunityTimeoutExceeded:        {StrategyTimeoutRetryAdjustment, StrategyDecomposition, StrategySubstitution},
	OpportunityResourceContention:     {StrategyResourceReallocation, StrategyReordering},
	OpportunityDependencyDeadlockRisk: {StrategyFallbackRouting, StrategyReordering},
	OpportunityPerformanceDegradation: {StrategyParallelization, StrategyTimeoutRetryAdjustment, StrategyDecomposition},
	OpportunityRedundantSteps:         {StrategyConsolidation, StrategyElimination},
	OpportunityRequirementChange:      {StrategyElimination, StrategyInsertion, StrategySubstitution},
}

// strategyInfo is the static metadata of a strategy kind
type strategyInfo struct {
	mutation        planner.MutationKind
	destructiveness float64 // 0 harmless .. 1 removes work
	tier            int     // tie-break preference, lower wins
	prior           float64 // assumed success rate before any history exists
}

var strategies = map[StrategyKind]strategyInfo{
	StrategyInsertion:              {planner.MutationInsertStep, 0.2, 0, 0.65},
	StrategyFallbackRouting:        {planner.MutationSetFallback, 0.1, 0, 0.7},
	StrategyResourceReallocation:   {planner.MutationAdjustResources, 0.25, 0, 0.65},
	StrategyTimeoutRetryAdjustment: {planner.MutationAdjustTimeout, 0.15, 0, 0.7},
	StrategyReordering:             {planner.MutationReorderSteps, 0.3, 1, 0.7},
	StrategyParallelization:        {planner.MutationGroupParallel, 0.35, 1, 0.7},
	StrategySubstitution:           {planner.MutationReplaceStep, 0.5, 2, 0.8},
	StrategyDecomposition:          {planner.MutationSplitStep, 0.8, 2, 0.55},
	StrategyConsolidation:          {planner.MutationMergeSteps, 0.7, 2, 0.6},
	StrategyElimination:            {planner.MutationRemoveStep, 1.0, 3, 0.5},
}

// ApplicableStrategies returns the strategies allowed for an opportunity kind
func ApplicableStrategies(kind OpportunityKind) []StrategyKind {
	return slices.Clone(applicable[kind])
}

// Strategies returns every strategy kind, least destructive first
func Strategies() []StrategyKind {
	kinds := make([]StrategyKind, 0, len(strategies))
	for kind := range strategies {
		kinds = append(kinds, kind)
	}
	slices.SortFunc(kinds, compareStrategies)
	return kinds
}

// Valid reports whether kind is one of the ten known strategies
func (k StrategyKind) Valid() bool {
	_, ok := strategies[k]
	return ok
}

// MutationKind returns the plan mutation a strategy produces
func (k StrategyKind) MutationKind() planner.MutationKind {
	return strategies[k].mutation
}

// Destructiveness returns how much work a strategy can discard, in [0, 1]
func (k StrategyKind) Destructiveness() float64 {
	return strategies[k].destructiveness
}

// Prior returns the success rate assumed for a strategy without history
func (k StrategyKind) Prior() float64 {
	return strategies[k].prior
}

// compareStrategies orders by preference tier, then destructiveness, then name
func compareStrategies(a, b StrategyKind) int {
	ia, ib := strategies[a], strategies[b]
	switch {
	case ia.tier != ib.tier:
		return ia.tier - ib.tier
	case ia.destructiveness < ib.destructiveness:
		return -1
	case ia.destructiveness > ib.destructiveness:
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
