package adaptation

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/replan/pkg/planner"
)

// AlternativesSource supplies caller-registered replacements for a step's semantic role.
// The generator never invents step semantics beyond what this source returns.
type AlternativesSource interface {
	// Alternatives returns actions that achieve the same sub-goal as the role's primary action
	Alternatives(role string) []planner.Action
	// Recovery returns step templates that can run before a failed step of the role
	Recovery(role string) []planner.Step
	// Decomposition returns the ordered parts a step of the role can be split into
	Decomposition(role string) []planner.Step
}

// RoleOf returns the key used to look a step up in an AlternativesSource
func RoleOf(step *planner.Step) string {
	if step.Role != "" {
		return step.Role
	}
	return step.Action.Name
}

type noAlternatives struct{}

func (noAlternatives) Alternatives(string) []planner.Action { return nil }
func (noAlternatives) Recovery(string) []planner.Step       { return nil }
func (noAlternatives) Decomposition(string) []planner.Step  { return nil }

// candidate is a generator's proposal before it becomes an Action
type candidate struct {
	mutation    planner.Mutation
	targets     []string
	share       float64 // fraction of the opportunity the candidate resolves outright
	description string
}

type generateFunc func(g *Generator, plan *planner.Plan, opp Opportunity) []candidate

// generators is keyed by strategy kind; every kind of the catalog has an entry
var generators = map[StrategyKind]generateFunc{
	StrategyElimination:            (*Generator).eliminate,
	StrategyInsertion:              (*Generator).insert,
	StrategySubstitution:           (*Generator).substitute,
	StrategyReordering:             (*Generator).reorder,
	StrategyParallelization:        (*Generator).parallelize,
	StrategyConsolidation:          (*Generator).consolidate,
	StrategyDecomposition:          (*Generator).decompose,
	StrategyResourceReallocation:   (*Generator).reallocate,
	StrategyTimeoutRetryAdjustment: (*Generator).adjustTimeout,
	StrategyFallbackRouting:        (*Generator).routeFallback,
}

// maxAlternatives bounds how many registered alternatives are turned into actions per step
const maxAlternatives = 3

// Generator turns opportunities into concrete, unscored actions
type Generator struct {
	cfg          Config
	alternatives AlternativesSource
	newID        func() string
}

// NewGenerator creates a generator; a nil source means no alternatives are registered
func NewGenerator(cfg Config, alternatives AlternativesSource) *Generator {
	if alternatives == nil {
		alternatives = noAlternatives{}
	}
	return &Generator{
		cfg:          cfg.withDefaults(),
		alternatives: alternatives,
		newID: func() string {
			id, _ := gonanoid.New()
			return id
		},
	}
}

// Generate returns the actions the catalog's strategies propose for opp, in catalog order.
// Every returned action applies cleanly to plan. It fails with ErrNoApplicableStrategy when
// the kind has no strategies or none of them produced an action.
func (g *Generator) Generate(plan *planner.Plan, opp Opportunity) ([]Action, error) {
	kinds := ApplicableStrategies(opp.Kind)
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: unknown opportunity kind %q", ErrNoApplicableStrategy, opp.Kind)
	}

	var actions []Action
	for _, kind := range kinds {
		for _, c := range generators[kind](g, plan, opp) {
			// Drop proposals the plan model would reject
			if _, err := planner.ApplyMutation(plan, c.mutation); err != nil {
				continue
			}
			targets := c.targets
			if targets == nil {
				targets = c.mutation.Targets()
			}
			actions = append(actions, Action{
				ID:          g.newID(),
				Strategy:    kind,
				PlanID:      plan.ID,
				PlanVersion: plan.Version,
				Opportunity: opp.Kind,
				Targets:     targets,
				Resource:    opp.Resource,
				Coverage:    clamp(opp.Severity*c.share, 0, 1),
				Mutation:    c.mutation,
				Description: c.description,
			})
		}
	}

	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: no actions for %s", ErrNoApplicableStrategy, opp.Kind)
	}
	return actions, nil
}

// liveStep returns the opportunity's step if it exists and has not finished
func liveStep(plan *planner.Plan, id string) *planner.Step {
	step := plan.Step(id)
	if step == nil || step.Status.Terminal() || step.Status == planner.StepStatusRunning {
		return nil
	}
	return step
}

func (g *Generator) substitute(plan *planner.Plan, opp Opportunity) []candidate {
	if opp.Kind == OpportunityRequirementChange {
		if opp.Change == nil {
			return nil
		}
		var out []candidate
		for _, id := range opp.StepIDs {
			replacement, ok := opp.Change.Replacements[id]
			step := liveStep(plan, id)
			if !ok || step == nil || step.Action.Equal(replacement) {
				continue
			}
			r := replacement.Clone()
			out = append(out, candidate{
				mutation:    planner.Mutation{Kind: planner.MutationReplaceStep, StepID: id, Replacement: &r},
				share:       1,
				description: fmt.Sprintf("replace action of %s with %s for the new goal", id, r.Name),
			})
		}
		return out
	}

	step := liveStep(plan, opp.StepID())
	if step == nil {
		return nil
	}
	var out []candidate
	for _, alt := range g.alternativesFor(step) {
		a := alt.Clone()
		out = append(out, candidate{
			mutation:    planner.Mutation{Kind: planner.MutationReplaceStep, StepID: step.ID, Replacement: &a},
			description: fmt.Sprintf("substitute %s action %s with %s", step.ID, step.Action.Name, a.Name),
		})
	}
	return out
}

func (g *Generator) routeFallback(plan *planner.Plan, opp Opportunity) []candidate {
	step := liveStep(plan, opp.StepID())
	if step == nil {
		return nil
	}
	var out []candidate
	for _, alt := range g.alternativesFor(step) {
		if step.Fallback != nil && step.Fallback.Equal(alt) {
			continue
		}
		a := alt.Clone()
		out = append(out, candidate{
			mutation: planner.Mutation{
				Kind:     planner.MutationSetFallback,
				StepID:   step.ID,
				Fallback: &a,
				Requeue:  true,
			},
			description: fmt.Sprintf("route %s to fallback %s when %s fails", step.ID, a.Name, step.Action.Name),
		})
	}
	return out
}

// alternativesFor returns registered alternatives that differ from the step's current action
func (g *Generator) alternativesFor(step *planner.Step) []planner.Action {
	var out []planner.Action
	for _, alt := range g.alternatives.Alternatives(RoleOf(step)) {
		if alt.Name == "" || alt.Equal(step.Action) {
			continue
		}
		out = append(out, alt)
		if len(out) == maxAlternatives {
			break
		}
	}
	return out
}

func (g *Generator) insert(plan *planner.Plan, opp Opportunity) []candidate {
	if opp.Kind == OpportunityRequirementChange {
		if opp.Change == nil {
			return nil
		}
		var out []candidate
		for _, added := range opp.Change.AddedSteps {
			if added.ID == "" || plan.Step(added.ID) != nil {
				continue
			}
			s := added.Clone()
			s.Status = planner.StepStatusPending
			s.Result = nil
			out = append(out, candidate{
				mutation:    planner.Mutation{Kind: planner.MutationInsertStep, Position: planner.InsertAtEnd, NewStep: &s},
				targets:     []string{},
				share:       1,
				description: fmt.Sprintf("add step %s for the new goal", s.ID),
			})
		}
		return out
	}

	step := liveStep(plan, opp.StepID())
	if step == nil {
		return nil
	}
	var out []candidate
	for _, tmpl := range g.alternatives.Recovery(RoleOf(step)) {
		s := tmpl.Clone()
		base := s.ID
		if base == "" {
			base = "recover"
		}
		s.ID = uniqueStepID(plan, base+"-"+step.ID)
		s.Dependencies = nil
		s.Status = planner.StepStatusPending
		s.Result = nil
		out = append(out, candidate{
			mutation: planner.Mutation{
				Kind:     planner.MutationInsertStep,
				StepID:   step.ID,
				Position: planner.InsertBefore,
				NewStep:  &s,
				Requeue:  true,
			},
			targets:     []string{step.ID},
			description: fmt.Sprintf("insert recovery step %s before %s", s.ID, step.ID),
		})
	}
	return out
}

func (g *Generator) decompose(plan *planner.Plan, opp Opportunity) []candidate {
	step := liveStep(plan, opp.StepID())
	if step == nil {
		return nil
	}
	templates := g.alternatives.Decomposition(RoleOf(step))
	if len(templates) < 2 {
		return nil
	}

	parts := make([]planner.Step, len(templates))
	share := step.EstimatedTime / time.Duration(len(templates))
	for i, tmpl := range templates {
		part := tmpl.Clone()
		part.ID = uniqueStepID(plan, step.ID+"."+strconv.Itoa(i+1))
		part.Dependencies = nil
		part.Status = planner.StepStatusPending
		part.Result = nil
		if part.EstimatedTime == 0 {
			part.EstimatedTime = share
		}
		if part.Timeout == 0 && step.Timeout > 0 {
			part.Timeout = step.Timeout / time.Duration(len(templates))
		}
		parts[i] = part
	}
	return []candidate{{
		mutation:    planner.Mutation{Kind: planner.MutationSplitStep, StepID: step.ID, Parts: parts},
		description: fmt.Sprintf("split %s into %d smaller steps", step.ID, len(parts)),
	}}
}

func (g *Generator) adjustTimeout(plan *planner.Plan, opp Opportunity) []candidate {
	step := liveStep(plan, opp.StepID())
	if step == nil {
		return nil
	}
	observed, _ := time.ParseDuration(opp.Context["duration"])

	m := planner.Mutation{Kind: planner.MutationAdjustTimeout, StepID: step.ID, Requeue: true}
	grown := time.Duration(float64(max(step.Timeout, observed)) * g.cfg.TimeoutGrowth)
	if step.Timeout > 0 && grown > step.Timeout {
		m.Timeout = grown
	}
	if opp.Kind == OpportunityTimeoutExceeded && step.MaxRetries < g.cfg.MaxRetryBudget {
		m.MaxRetries = step.MaxRetries + 1
	}
	if m.Timeout == 0 && m.MaxRetries == 0 {
		return nil
	}
	return []candidate{{
		mutation: m,
		description: fmt.Sprintf("raise %s timeout to %s and retries to %d",
			step.ID, max(m.Timeout, step.Timeout), max(m.MaxRetries, step.MaxRetries)),
	}}
}

func (g *Generator) reallocate(plan *planner.Plan, opp Opportunity) []candidate {
	if opp.Resource == "" {
		return nil
	}
	utilization, err := strconv.ParseFloat(opp.Context["utilization"], 64)
	if err != nil || utilization <= 0 {
		return nil
	}
	// Scale demand so utilization falls back under the threshold
	factor := g.cfg.ContentionThreshold / utilization
	if factor >= 1 {
		factor = 0.8
	}

	var total float64
	for _, id := range opp.StepIDs {
		if step := liveStep(plan, id); step != nil {
			total += step.Resources[opp.Resource]
		}
	}

	var out []candidate
	for _, id := range opp.StepIDs {
		step := liveStep(plan, id)
		if step == nil || step.Resources[opp.Resource] <= 0 {
			continue
		}
		q := step.Resources[opp.Resource] * factor
		out = append(out, candidate{
			share: step.Resources[opp.Resource] / total,
			mutation: planner.Mutation{
				Kind:      planner.MutationAdjustResources,
				StepID:    id,
				Resources: map[string]float64{opp.Resource: q},
				Requeue:   true,
			},
			description: fmt.Sprintf("lower %s demand of %s from %g to %g", opp.Resource, id, step.Resources[opp.Resource], q),
		})
	}
	return out
}

// reorder moves the affected steps as late in the sequence as their dependents allow
func (g *Generator) reorder(plan *planner.Plan, opp Opportunity) []candidate {
	deferred := make(map[string]bool)
	for _, id := range opp.StepIDs {
		if opp.Kind == OpportunityDependencyDeadlockRisk && id == opp.StepID() {
			continue // the dead dependency itself stays put
		}
		if liveStep(plan, id) != nil {
			deferred[id] = true
		}
	}
	if len(deferred) == 0 {
		return nil
	}

	order := deferOrder(plan, deferred)
	if slices.Equal(order, plan.StepIDs()) {
		return nil
	}
	return []candidate{{
		mutation:    planner.Mutation{Kind: planner.MutationReorderSteps, Order: order},
		targets:     slices.Sorted(maps.Keys(deferred)),
		share:       0.25,
		description: fmt.Sprintf("defer %d step(s) in the execution sequence", len(deferred)),
	}}
}

// deferOrder returns a topological order that picks non-deferred steps first, each group in
// its current sequence order
func deferOrder(plan *planner.Plan, deferred map[string]bool) []string {
	indegree := make(map[string]int, len(plan.Steps))
	for _, step := range plan.Steps {
		indegree[step.ID] = len(step.Dependencies)
	}
	dependents := planner.Dependents(plan)
	done := make(map[string]bool, len(plan.Steps))

	order := make([]string, 0, len(plan.Steps))
	for len(order) < len(plan.Steps) {
		next := ""
		for _, step := range plan.Steps {
			if done[step.ID] || indegree[step.ID] > 0 {
				continue
			}
			if !deferred[step.ID] {
				next = step.ID
				break
			}
			if next == "" {
				next = step.ID
			}
		}
		if next == "" {
			return plan.StepIDs() // cycle; the mutation will be rejected anyway
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order
}

// parallelize groups the slow step with the other ungrouped pending steps of its level
func (g *Generator) parallelize(plan *planner.Plan, opp Opportunity) []candidate {
	step := liveStep(plan, opp.StepID())
	if step == nil {
		return nil
	}
	levels, err := planner.ExecutionLevels(plan)
	if err != nil {
		return nil
	}

	group := step.ParallelGroup
	if group == "" {
		group = "parallel-" + step.ID
	}
	for _, level := range levels {
		if !slices.Contains(level, step.ID) {
			continue
		}
		members := []string{step.ID}
		for _, id := range level {
			other := liveStep(plan, id)
			if id == step.ID || other == nil || (other.ParallelGroup != "" && other.ParallelGroup != group) {
				continue
			}
			if other.ParallelGroup == group {
				continue // already running alongside
			}
			members = append(members, id)
		}
		if len(members) < 2 {
			return nil
		}
		return []candidate{{
			mutation:    planner.Mutation{Kind: planner.MutationGroupParallel, StepIDs: members, Group: group},
			description: fmt.Sprintf("run %v in parallel group %s", members, group),
		}}
	}
	return nil
}

func (g *Generator) consolidate(plan *planner.Plan, opp Opportunity) []candidate {
	if len(opp.StepIDs) != 2 || liveStep(plan, opp.StepIDs[0]) == nil || liveStep(plan, opp.StepIDs[1]) == nil {
		return nil
	}
	return []candidate{{
		mutation:    planner.Mutation{Kind: planner.MutationMergeSteps, StepIDs: slices.Clone(opp.StepIDs)},
		share:       1,
		description: fmt.Sprintf("merge %s into %s", opp.StepIDs[1], opp.StepIDs[0]),
	}}
}

func (g *Generator) eliminate(plan *planner.Plan, opp Opportunity) []candidate {
	switch opp.Kind {
	case OpportunityRedundantSteps:
		if len(opp.StepIDs) != 2 {
			return nil
		}
		// Only a duplicate nobody consumes can go without rewiring its dependents
		id := opp.StepIDs[1]
		if liveStep(plan, id) == nil || len(planner.Dependents(plan)[id]) > 0 {
			return nil
		}
		return []candidate{{
			mutation:    planner.Mutation{Kind: planner.MutationRemoveStep, StepID: id},
			share:       1,
			description: fmt.Sprintf("remove %s, a duplicate of %s", id, opp.StepIDs[0]),
		}}

	case OpportunityRequirementChange:
		if opp.Change == nil {
			return nil
		}
		var out []candidate
		for _, id := range opp.Change.ObsoleteSteps {
			if liveStep(plan, id) == nil {
				continue
			}
			out = append(out, candidate{
				mutation:    planner.Mutation{Kind: planner.MutationRemoveStep, StepID: id},
				share:       1,
				description: fmt.Sprintf("remove %s, no longer needed for the goal", id),
			})
		}
		return out
	}
	return nil
}

// uniqueStepID returns base, or base with a numeric suffix if a step already uses it
func uniqueStepID(plan *planner.Plan, base string) string {
	id := base
	for n := 2; plan.Step(id) != nil; n++ {
		id = base + "-" + strconv.Itoa(n)
	}
	return id
}
