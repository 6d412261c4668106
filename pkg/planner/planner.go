package planner

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidPlan is returned when a plan violates referential integrity or the DAG invariant
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrStepNotFound is returned when a mutation references an unknown step
	ErrStepNotFound = errors.New("step not found")

	// ErrInvalidMutation is returned when a mutation is malformed
	ErrInvalidMutation = errors.New("invalid mutation")
)

// NewPlan creates a validated plan for the given goal and steps.
// Steps without an ID get a positional one; steps without a status start pending.
func NewPlan(goal string, steps []Step) (*Plan, error) {
	if goal == "" {
		return nil, fmt.Errorf("%w: plan goal cannot be empty", ErrInvalidPlan)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: plan must have at least one step", ErrInvalidPlan)
	}

	now := time.Now()
	plan := &Plan{
		ID:        uuid.New().String(),
		Goal:      goal,
		Steps:     make([]Step, len(steps)),
		Status:    PlanStatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for i := range steps {
		step := steps[i].Clone()
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if step.Status == "" {
			step.Status = StepStatusPending
		}
		plan.Steps[i] = step
	}

	if err := Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate enforces unique step ids, referential integrity and acyclicity
func Validate(plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if plan.ID == "" {
		return fmt.Errorf("%w: plan ID is empty", ErrInvalidPlan)
	}

	stepIDs := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step with empty ID", ErrInvalidPlan)
		}
		if stepIDs[step.ID] {
			return fmt.Errorf("%w: duplicate step ID: %s", ErrInvalidPlan, step.ID)
		}
		stepIDs[step.ID] = true
	}

	for _, step := range plan.Steps {
		for _, depID := range step.Dependencies {
			if depID == step.ID {
				return fmt.Errorf("%w: step %s depends on itself", ErrInvalidPlan, step.ID)
			}
			if !stepIDs[depID] {
				return fmt.Errorf("%w: step %s depends on non-existent step: %s", ErrInvalidPlan, step.ID, depID)
			}
		}
	}

	if id, ok := findCycle(plan.Steps); ok {
		return fmt.Errorf("%w: circular dependency detected involving step: %s", ErrInvalidPlan, id)
	}
	return nil
}

// findCycle runs a DFS with a recursion stack over the dependency graph
func findCycle(steps []Step) (string, bool) {
	graph := make(map[string][]string, len(steps))
	for _, step := range steps {
		graph[step.ID] = step.Dependencies
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(string) bool
	hasCycle = func(stepID string) bool {
		visited[stepID] = true
		recStack[stepID] = true

		for _, dep := range graph[stepID] {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}

		recStack[stepID] = false
		return false
	}

	// Walk in sequence order so the reported step is deterministic
	for _, step := range steps {
		if !visited[step.ID] && hasCycle(step.ID) {
			return step.ID, true
		}
	}
	return "", false
}

// ExecutionLevels returns step ids grouped into levels; all steps of a level can run in parallel.
// Within a level ids keep their sequence order.
func ExecutionLevels(plan *Plan) ([][]string, error) {
	inDegree := make(map[string]int, len(plan.Steps))
	dependents := Dependents(plan)
	for _, step := range plan.Steps {
		inDegree[step.ID] = len(step.Dependencies)
	}

	var levels [][]string
	var queue []string
	for _, step := range plan.Steps {
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		levels = append(levels, queue)
		processed += len(queue)

		next := []string{}
		for _, stepID := range queue {
			for _, dependent := range dependents[stepID] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sortBySequence(plan, next)
		queue = next
	}

	if processed != len(plan.Steps) {
		return nil, fmt.Errorf("%w: cannot determine execution order: circular dependencies", ErrInvalidPlan)
	}
	return levels, nil
}

// TopologicalOrder flattens ExecutionLevels into a single order
func TopologicalOrder(plan *Plan) ([]string, error) {
	levels, err := ExecutionLevels(plan)
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(plan.Steps))
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// IsTopological reports whether every step appears after all of its dependencies
func IsTopological(order []string, plan *Plan) bool {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			if pos[dep] > pos[step.ID] {
				return false
			}
		}
	}
	return true
}

// Dependents returns, for each step id, the ids of steps that directly depend on it
func Dependents(plan *Plan) map[string][]string {
	dependents := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}
	return dependents
}

// TransitiveDependents returns every step that depends on any of ids, directly or not
func TransitiveDependents(plan *Plan, ids ...string) []string {
	dependents := Dependents(plan)
	seen := make(map[string]bool)
	stack := slices.Clone(ids)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range dependents[id] {
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	for _, id := range ids {
		delete(seen, id)
	}

	result := make([]string, 0, len(seen))
	for _, step := range plan.Steps {
		if seen[step.ID] {
			result = append(result, step.ID)
		}
	}
	return result
}

// TransitiveDependencies returns every step that id depends on, directly or not
func TransitiveDependencies(plan *Plan, id string) []string {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		step := plan.Step(cur)
		if step == nil {
			continue
		}
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}

	result := make([]string, 0, len(seen))
	for _, step := range plan.Steps {
		if seen[step.ID] {
			result = append(result, step.ID)
		}
	}
	return result
}

// HasPath reports whether to is reachable from from by following dependents
func HasPath(plan *Plan, from, to string) bool {
	return slices.Contains(TransitiveDependents(plan, from), to)
}

// Independent reports whether no dependency path connects a and b in either direction
func Independent(plan *Plan, a, b string) bool {
	return !HasPath(plan, a, b) && !HasPath(plan, b, a)
}

// CriticalPath returns the length of the longest dependency chain, weighting each step by weight(step).
// A zero weight still propagates ordering to dependents.
func CriticalPath(plan *Plan, weight func(*Step) time.Duration) (time.Duration, error) {
	order, err := TopologicalOrder(plan)
	if err != nil {
		return 0, err
	}

	finish := make(map[string]time.Duration, len(order))
	var longest time.Duration
	for _, id := range order {
		step := plan.Step(id)
		var start time.Duration
		for _, dep := range step.Dependencies {
			if finish[dep] > start {
				start = finish[dep]
			}
		}
		finish[id] = start + weight(step)
		if finish[id] > longest {
			longest = finish[id]
		}
	}
	return longest, nil
}

// sortBySequence sorts ids in place by their position in the plan's step slice
func sortBySequence(plan *Plan, ids []string) {
	pos := make(map[string]int, len(plan.Steps))
	for i := range plan.Steps {
		pos[plan.Steps[i].ID] = i
	}
	slices.SortFunc(ids, func(a, b string) int { return pos[a] - pos[b] })
}
