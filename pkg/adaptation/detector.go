package adaptation

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/harun/replan/pkg/planner"
)

// Equivalence reports whether two steps produce equivalent outputs
type Equivalence func(a, b planner.Step) bool

// SameAction treats steps running the same action with the same parameters as equivalent
func SameAction(a, b planner.Step) bool {
	return a.Action.Equal(b.Action)
}

// Detector finds adaptation opportunities in a plan and its latest observations.
// Detection is pure: it never mutates the plan or the observations.
type Detector struct {
	cfg         Config
	equivalence Equivalence
}

// NewDetector creates a detector; a nil equivalence disables redundant_steps detection
func NewDetector(cfg Config, equivalence Equivalence) *Detector {
	return &Detector{cfg: cfg.withDefaults(), equivalence: equivalence}
}

// Detect returns opportunities ordered by severity (highest first), then kind, then step id
func (d *Detector) Detect(plan *planner.Plan, obs Observations) []Opportunity {
	if plan == nil {
		return nil
	}

	byStep := make(map[string][]planner.StepOutcome)
	for _, out := range obs.Outcomes {
		byStep[out.StepID] = append(byStep[out.StepID], out)
	}
	dependents := planner.Dependents(plan)

	var opps []Opportunity
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status.Terminal() {
			continue
		}
		outcomes := byStep[step.ID]
		opps = append(opps, d.failures(plan, step, outcomes, len(dependents[step.ID]) > 0)...)
		if opp, ok := d.timeout(plan, step, outcomes); ok {
			opps = append(opps, opp)
		}
		if opp, ok := d.degradation(plan, step, outcomes); ok {
			opps = append(opps, opp)
		}
	}

	opps = append(opps, d.contention(plan, obs.Usage)...)
	opps = append(opps, d.deadlocks(plan)...)
	opps = append(opps, d.redundancy(plan)...)
	if opp, ok := d.requirementChange(plan, obs.GoalChange); ok {
		opps = append(opps, opp)
	}

	slices.SortStableFunc(opps, compareOpportunities)
	return opps
}

func compareOpportunities(a, b Opportunity) int {
	switch {
	case a.Severity > b.Severity:
		return -1
	case a.Severity < b.Severity:
		return 1
	case a.Kind < b.Kind:
		return -1
	case a.Kind > b.Kind:
		return 1
	case a.StepID() < b.StepID():
		return -1
	case a.StepID() > b.StepID():
		return 1
	}
	return 0
}

// failures emits repeated_failure or step_failure; repeated_failure wins when both apply.
// A failed step counts the failures already recorded on the plan as well as the new outcomes.
func (d *Detector) failures(plan *planner.Plan, step *planner.Step, outcomes []planner.StepOutcome, hasDependents bool) []Opportunity {
	failed := 0
	lastErr := ""
	for _, out := range outcomes {
		if out.Status == planner.StepStatusFailed {
			failed++
			lastErr = out.Error
		}
	}
	if step.Status == planner.StepStatusFailed && step.Result != nil {
		failed = max(failed, step.Result.Failures())
		if lastErr == "" {
			lastErr = step.Result.Error
		}
	}

	if failed >= d.cfg.RepeatedFailureThreshold {
		return []Opportunity{{
			Kind:     OpportunityRepeatedFailure,
			PlanID:   plan.ID,
			StepIDs:  []string{step.ID},
			Severity: clamp(0.6+0.1*float64(failed-d.cfg.RepeatedFailureThreshold), 0, 1),
			Context: map[string]string{
				"failures": strconv.Itoa(failed),
				"error":    lastErr,
			},
		}}
	}

	latestFailed := len(outcomes) > 0 && outcomes[len(outcomes)-1].Status == planner.StepStatusFailed
	if len(outcomes) == 0 && step.Status == planner.StepStatusFailed {
		latestFailed = true
		if step.Result != nil {
			lastErr = step.Result.Error
		}
	}
	if !latestFailed {
		return nil
	}

	severity := 0.5
	if hasDependents {
		severity += 0.2
	}
	return []Opportunity{{
		Kind:     OpportunityStepFailure,
		PlanID:   plan.ID,
		StepIDs:  []string{step.ID},
		Severity: severity,
		Context:  map[string]string{"error": lastErr},
	}}
}

func (d *Detector) timeout(plan *planner.Plan, step *planner.Step, outcomes []planner.StepOutcome) (Opportunity, bool) {
	if len(outcomes) == 0 {
		return Opportunity{}, false
	}
	latest := outcomes[len(outcomes)-1]
	exceeded := latest.TimedOut || (step.Timeout > 0 && latest.Duration >= step.Timeout)
	if !exceeded {
		return Opportunity{}, false
	}
	return Opportunity{
		Kind:     OpportunityTimeoutExceeded,
		PlanID:   plan.ID,
		StepIDs:  []string{step.ID},
		Severity: 0.55,
		Context: map[string]string{
			"duration": latest.Duration.String(),
			"timeout":  step.Timeout.String(),
		},
	}, true
}

func (d *Detector) degradation(plan *planner.Plan, step *planner.Step, outcomes []planner.StepOutcome) (Opportunity, bool) {
	if len(outcomes) == 0 || step.EstimatedTime <= 0 {
		return Opportunity{}, false
	}
	latest := outcomes[len(outcomes)-1]
	ratio := float64(latest.Duration) / float64(step.EstimatedTime)
	if ratio <= d.cfg.PerformanceDegradationMultiplier {
		return Opportunity{}, false
	}
	return Opportunity{
		Kind:     OpportunityPerformanceDegradation,
		PlanID:   plan.ID,
		StepIDs:  []string{step.ID},
		Severity: clamp(0.4+0.2*(ratio/d.cfg.PerformanceDegradationMultiplier-1), 0.4, 0.9),
		Context: map[string]string{
			"duration": latest.Duration.String(),
			"expected": step.EstimatedTime.String(),
			"ratio":    strconv.FormatFloat(ratio, 'f', 2, 64),
		},
	}, true
}

// contention flags resources whose mean observed utilization crosses the threshold, or whose
// declared demand within one execution level exceeds the last observed capacity
func (d *Detector) contention(plan *planner.Plan, usage []ResourceSample) []Opportunity {
	if len(usage) == 0 {
		return nil
	}

	type agg struct {
		sum      float64
		n        int
		capacity float64
	}
	byResource := make(map[string]*agg)
	for _, s := range usage {
		a := byResource[s.Resource]
		if a == nil {
			a = &agg{}
			byResource[s.Resource] = a
		}
		a.sum += s.Utilization()
		a.n++
		if s.Capacity > 0 {
			a.capacity = s.Capacity
		}
	}

	levels, err := planner.ExecutionLevels(plan)
	if err != nil {
		return nil
	}

	var opps []Opportunity
	for _, resource := range slices.Sorted(maps.Keys(byResource)) {
		a := byResource[resource]
		mean := a.sum / float64(a.n)

		severity := 0.0
		if mean >= d.cfg.ContentionThreshold {
			severity = clamp(0.5+2*(mean-d.cfg.ContentionThreshold), 0.5, 0.9)
		} else if a.capacity > 0 && overcommitted(plan, levels, resource, a.capacity) {
			severity = 0.6
		}
		if severity == 0 {
			continue
		}

		var consumers []string
		for _, step := range plan.Steps {
			if !step.Status.Terminal() && step.Resources[resource] > 0 {
				consumers = append(consumers, step.ID)
			}
		}
		if len(consumers) == 0 {
			continue
		}

		opps = append(opps, Opportunity{
			Kind:     OpportunityResourceContention,
			PlanID:   plan.ID,
			StepIDs:  consumers,
			Severity: severity,
			Resource: resource,
			Context: map[string]string{
				"utilization": strconv.FormatFloat(mean, 'f', 4, 64),
				"capacity":    strconv.FormatFloat(a.capacity, 'f', -1, 64),
			},
		})
	}
	return opps
}

func overcommitted(plan *planner.Plan, levels [][]string, resource string, capacity float64) bool {
	for _, level := range levels {
		var demand float64
		for _, id := range level {
			if step := plan.Step(id); !step.Status.Terminal() {
				demand += step.Resources[resource]
			}
		}
		if demand > capacity {
			return true
		}
	}
	return false
}

// deadlocks flags dependencies that can no longer complete: skipped steps and failed steps
// that exhausted their retry budget without a fallback
func (d *Detector) deadlocks(plan *planner.Plan) []Opportunity {
	var opps []Opportunity
	for i := range plan.Steps {
		dep := &plan.Steps[i]
		if !dead(dep) {
			continue
		}

		var blocked []string
		for _, id := range planner.TransitiveDependents(plan, dep.ID) {
			if !plan.Step(id).Status.Terminal() {
				blocked = append(blocked, id)
			}
		}
		if len(blocked) == 0 {
			continue
		}

		opps = append(opps, Opportunity{
			Kind:     OpportunityDependencyDeadlockRisk,
			PlanID:   plan.ID,
			StepIDs:  append([]string{dep.ID}, blocked...),
			Severity: clamp(0.5+0.1*float64(len(blocked)), 0.5, 0.9),
			Context: map[string]string{
				"dependency": dep.ID,
				"status":     string(dep.Status),
				"blocked":    strconv.Itoa(len(blocked)),
			},
		})
	}
	return opps
}

func dead(step *planner.Step) bool {
	switch step.Status {
	case planner.StepStatusSkipped:
		return true
	case planner.StepStatusFailed:
		return step.Fallback == nil && step.Result.Failures() > step.MaxRetries
	}
	return false
}

func (d *Detector) redundancy(plan *planner.Plan) []Opportunity {
	if d.equivalence == nil {
		return nil
	}

	var opps []Opportunity
	for i := range plan.Steps {
		a := plan.Steps[i]
		if a.Status.Terminal() {
			continue
		}
		for j := i + 1; j < len(plan.Steps); j++ {
			b := plan.Steps[j]
			if b.Status.Terminal() || !d.equivalence(a, b) {
				continue
			}
			opps = append(opps, Opportunity{
				Kind:     OpportunityRedundantSteps,
				PlanID:   plan.ID,
				StepIDs:  []string{a.ID, b.ID},
				Severity: 0.6,
				Context:  map[string]string{"action": a.Action.Name},
			})
		}
	}
	return opps
}

func (d *Detector) requirementChange(plan *planner.Plan, change *GoalChange) (Opportunity, bool) {
	if change.Empty() {
		return Opportunity{}, false
	}

	var steps []string
	for _, id := range change.ObsoleteSteps {
		if plan.Step(id) != nil {
			steps = append(steps, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(change.Replacements)) {
		if plan.Step(id) != nil && !slices.Contains(steps, id) {
			steps = append(steps, id)
		}
	}

	severity := change.Severity
	if severity <= 0 {
		severity = 1
	}
	return Opportunity{
		Kind:     OpportunityRequirementChange,
		PlanID:   plan.ID,
		StepIDs:  steps,
		Severity: clamp(severity, 0, 1),
		Context: map[string]string{
			"goal":  change.Goal,
			"added": fmt.Sprint(len(change.AddedSteps)),
		},
		Change: change.Clone(),
	}, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
