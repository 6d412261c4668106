package adaptation

import (
	"slices"
	"time"

	"github.com/harun/replan/pkg/planner"
)

// OpportunityKind enumerates the conditions the detector can report
type OpportunityKind string

const (
	OpportunityStepFailure            OpportunityKind = "step_failure"
	OpportunityRepeatedFailure        OpportunityKind = "repeated_failure"
	OpportunityTimeoutExceeded        OpportunityKind = "timeout_exceeded"
	OpportunityResourceContention     OpportunityKind = "resource_contention"
	OpportunityDependencyDeadlockRisk OpportunityKind = "dependency_deadlock_risk"
	OpportunityPerformanceDegradation OpportunityKind = "performance_degradation"
	OpportunityRedundantSteps         OpportunityKind = "redundant_steps"
	OpportunityRequirementChange      OpportunityKind = "requirement_change"
)

// Opportunity is a detected condition suggesting the plan should change.
// Opportunities live for one adaptation cycle and are never persisted.
type Opportunity struct {
	Kind     OpportunityKind   `json:"kind" yaml:"kind"`
	PlanID   string            `json:"plan_id" yaml:"plan_id"`
	StepIDs  []string          `json:"step_ids,omitempty" yaml:"step_ids,omitempty"`
	Severity float64           `json:"severity" yaml:"severity"`
	Resource string            `json:"resource,omitempty" yaml:"resource,omitempty"` // set for resource_contention
	Context  map[string]string `json:"context,omitempty" yaml:"context,omitempty"`

	// Change is the goal change behind a requirement_change opportunity
	Change *GoalChange `json:"change,omitempty" yaml:"change,omitempty"`
}

// StepID returns the first step the opportunity refers to, or ""
func (o Opportunity) StepID() string {
	if len(o.StepIDs) == 0 {
		return ""
	}
	return o.StepIDs[0]
}

// StrategyKind is one of the ten structural modification kinds
type StrategyKind string

const (
	StrategyElimination            StrategyKind = "elimination"
	StrategyInsertion              StrategyKind = "insertion"
	StrategySubstitution           StrategyKind = "substitution"
	StrategyReordering             StrategyKind = "reordering"
	StrategyParallelization        StrategyKind = "parallelization"
	StrategyConsolidation          StrategyKind = "consolidation"
	StrategyDecomposition          StrategyKind = "decomposition"
	StrategyResourceReallocation   StrategyKind = "resource_reallocation"
	StrategyTimeoutRetryAdjustment StrategyKind = "timeout_retry_adjustment"
	StrategyFallbackRouting        StrategyKind = "fallback_routing"
)

// ImpactEstimate is the predicted effect of applying an action
type ImpactEstimate struct {
	DurationDelta time.Duration `json:"duration_delta" yaml:"duration_delta"` // Expected remaining makespan after minus before
	CostDelta     float64       `json:"cost_delta" yaml:"cost_delta"`         // Declared resource units after minus before
	Risk          float64       `json:"risk" yaml:"risk"`
	Confidence    float64       `json:"confidence" yaml:"confidence"`
	Benefit       float64       `json:"benefit" yaml:"benefit"`
	Score         float64       `json:"score" yaml:"score"`
}

// Action is a concrete, plan-specific instantiation of a strategy
type Action struct {
	ID          string           `json:"id" yaml:"id"`
	Strategy    StrategyKind     `json:"strategy" yaml:"strategy"`
	PlanID      string           `json:"plan_id" yaml:"plan_id"`
	PlanVersion int              `json:"plan_version" yaml:"plan_version"` // Version the action was generated against
	Opportunity OpportunityKind  `json:"opportunity" yaml:"opportunity"`
	Targets     []string         `json:"targets,omitempty" yaml:"targets,omitempty"`
	Resource    string           `json:"resource,omitempty" yaml:"resource,omitempty"`
	Coverage    float64          `json:"coverage,omitempty" yaml:"coverage,omitempty"` // Severity-weighted share of the opportunity resolved outright
	Mutation    planner.Mutation `json:"mutation" yaml:"mutation"`
	Description string           `json:"description" yaml:"description"`
	Estimate    ImpactEstimate   `json:"estimate" yaml:"estimate"`
}

// Clone returns a deep copy of the action
func (a Action) Clone() Action {
	c := a
	c.Targets = slices.Clone(a.Targets)
	c.Mutation = a.Mutation.Clone()
	return c
}

// Outcome is the final state of an adaptation record
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeReverted   Outcome = "reverted"
	OutcomeSuperseded Outcome = "superseded"
)

// RealizedImpact is the observed effect of an applied action
type RealizedImpact struct {
	DurationDelta    time.Duration `json:"duration_delta" yaml:"duration_delta"`
	CostDelta        float64       `json:"cost_delta" yaml:"cost_delta"`
	TargetsSucceeded bool          `json:"targets_succeeded" yaml:"targets_succeeded"`
	ObservedAt       time.Time     `json:"observed_at" yaml:"observed_at"`
}

// Record is the historical entry for an applied or attempted action.
// Records are append-only; an update is stored as a newer entry with the same ID.
type Record struct {
	ID               string          `json:"id" yaml:"id"`
	PlanID           string          `json:"plan_id" yaml:"plan_id"`
	Action           Action          `json:"action" yaml:"action"`
	VersionBefore    int             `json:"version_before" yaml:"version_before"`
	VersionAfter     int             `json:"version_after" yaml:"version_after"`
	AppliedAt        time.Time       `json:"applied_at" yaml:"applied_at"`
	Outcome          Outcome         `json:"outcome" yaml:"outcome"`
	Error            string          `json:"error,omitempty" yaml:"error,omitempty"`
	BaselineDuration time.Duration   `json:"baseline_duration" yaml:"baseline_duration"` // Expected remaining makespan before apply
	Realized         *RealizedImpact `json:"realized,omitempty" yaml:"realized,omitempty"`
	SupersededBy     string          `json:"superseded_by,omitempty" yaml:"superseded_by,omitempty"`
	Archived         bool            `json:"archived,omitempty" yaml:"archived,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	c := r
	c.Action = r.Action.Clone()
	if r.Realized != nil {
		ri := *r.Realized
		c.Realized = &ri
	}
	return c
}

// Succeeded reports whether the realized outcome matched or beat the estimate.
// Targets must have succeeded and the realized duration delta may exceed the
// estimate by at most tolerance × baseline.
func (r Record) Succeeded(tolerance float64) bool {
	if r.Realized == nil || !r.Realized.TargetsSucceeded {
		return false
	}
	slack := time.Duration(tolerance * float64(r.BaselineDuration))
	return r.Realized.DurationDelta <= r.Action.Estimate.DurationDelta+slack
}

// ResourceSample is one observation of a resource's utilization
type ResourceSample struct {
	Resource string    `json:"resource" yaml:"resource"`
	Used     float64   `json:"used" yaml:"used"`
	Capacity float64   `json:"capacity" yaml:"capacity"`
	At       time.Time `json:"at" yaml:"at"`
}

// Utilization returns Used / Capacity, or 0 when capacity is unknown
func (s ResourceSample) Utilization() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return s.Used / s.Capacity
}

// GoalChange is an explicit signal from the caller that the plan's goal moved
type GoalChange struct {
	Goal          string                    `json:"goal,omitempty" yaml:"goal,omitempty"`
	ObsoleteSteps []string                  `json:"obsolete_steps,omitempty" yaml:"obsolete_steps,omitempty"`
	AddedSteps    []planner.Step            `json:"added_steps,omitempty" yaml:"added_steps,omitempty"`
	Replacements  map[string]planner.Action `json:"replacements,omitempty" yaml:"replacements,omitempty"` // step id -> new action
	Severity      float64                   `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// Empty reports whether the change carries nothing left to handle
func (g *GoalChange) Empty() bool {
	return g == nil || (len(g.ObsoleteSteps) == 0 && len(g.AddedSteps) == 0 && len(g.Replacements) == 0)
}

// Clone returns a deep copy of the goal change
func (g *GoalChange) Clone() *GoalChange {
	if g == nil {
		return nil
	}
	c := *g
	c.ObsoleteSteps = slices.Clone(g.ObsoleteSteps)
	if g.AddedSteps != nil {
		c.AddedSteps = make([]planner.Step, len(g.AddedSteps))
		for i := range g.AddedSteps {
			c.AddedSteps[i] = g.AddedSteps[i].Clone()
		}
	}
	if g.Replacements != nil {
		c.Replacements = make(map[string]planner.Action, len(g.Replacements))
		for id, a := range g.Replacements {
			c.Replacements[id] = a.Clone()
		}
	}
	return &c
}

// Observations is everything the detector looks at besides the plan itself
type Observations struct {
	Outcomes   []planner.StepOutcome `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	Usage      []ResourceSample      `json:"usage,omitempty" yaml:"usage,omitempty"`
	GoalChange *GoalChange           `json:"goal_change,omitempty" yaml:"goal_change,omitempty"`
}

// Clone returns a deep copy of the observations
func (o Observations) Clone() Observations {
	return Observations{
		Outcomes:   slices.Clone(o.Outcomes),
		Usage:      slices.Clone(o.Usage),
		GoalChange: o.GoalChange.Clone(),
	}
}

// StrategyStats aggregates records of one strategy kind
type StrategyStats struct {
	Applied    int `json:"applied" yaml:"applied"`
	Reverted   int `json:"reverted" yaml:"reverted"`
	Superseded int `json:"superseded" yaml:"superseded"`
	Realized   int `json:"realized" yaml:"realized"`
	Succeeded  int `json:"succeeded" yaml:"succeeded"`
}

// Samples returns the number of records with a known result (realized or reverted)
func (s StrategyStats) Samples() int {
	return s.Realized + s.Reverted
}

// SuccessRate returns Succeeded / Samples, or 0 without samples
func (s StrategyStats) SuccessRate() float64 {
	if s.Samples() == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Samples())
}

// Statistics is a per-plan or global rollup of adaptation history.
// Mean and median realized impact are expressed in seconds of realized duration delta.
type Statistics struct {
	PlanID                string                         `json:"plan_id,omitempty" yaml:"plan_id,omitempty"`
	Records               int                            `json:"records" yaml:"records"`
	Applied               int                            `json:"applied" yaml:"applied"`
	Reverted              int                            `json:"reverted" yaml:"reverted"`
	Superseded            int                            `json:"superseded" yaml:"superseded"`
	ByStrategy            map[StrategyKind]StrategyStats `json:"by_strategy" yaml:"by_strategy"`
	RealizedSamples       int                            `json:"realized_samples" yaml:"realized_samples"`
	MeanRealizedImpact    float64                        `json:"mean_realized_impact" yaml:"mean_realized_impact"`
	MedianRealizedImpact  float64                        `json:"median_realized_impact" yaml:"median_realized_impact"`
	SuccessRate           float64                        `json:"success_rate" yaml:"success_rate"`
	OpportunitiesDetected int                            `json:"opportunities_detected" yaml:"opportunities_detected"`
	ActionsApplied        int                            `json:"actions_applied" yaml:"actions_applied"`
	ConversionRate        float64                        `json:"conversion_rate" yaml:"conversion_rate"`
}

// State is a step of the orchestrator state machine
type State string

const (
	StateIdle       State = "idle"
	StateDetecting  State = "detecting"
	StateGenerating State = "generating"
	StateEvaluating State = "evaluating"
	StateSelecting  State = "selecting"
	StateApplying   State = "applying"
	StateFailed     State = "failed"
)
