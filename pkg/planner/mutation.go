package planner

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// MutationKind identifies a structural plan modification
type MutationKind string

const (
	MutationRemoveStep      MutationKind = "remove_step"
	MutationInsertStep      MutationKind = "insert_step"
	MutationReplaceStep     MutationKind = "replace_step"
	MutationReorderSteps    MutationKind = "reorder_steps"
	MutationMergeSteps      MutationKind = "merge_steps"
	MutationSplitStep       MutationKind = "split_step"
	MutationAdjustResources MutationKind = "adjust_resources"
	MutationAdjustTimeout   MutationKind = "adjust_timeout"
	MutationSetFallback     MutationKind = "set_fallback"
	MutationGroupParallel   MutationKind = "group_parallel"
)

// InsertPosition controls where an inserted step is wired relative to its anchor
type InsertPosition string

const (
	InsertBefore       InsertPosition = "before"
	InsertAfter        InsertPosition = "after"
	InsertParallelWith InsertPosition = "parallel_with"
	InsertAtEnd        InsertPosition = "end"
)

// Mutation describes one structural change. Only the fields relevant to Kind are read.
type Mutation struct {
	Kind MutationKind `json:"kind"`

	// StepID is the primary target (remove, replace, split, adjust_*, set_fallback)
	// or the anchor for insert_step.
	StepID string `json:"step_id,omitempty"`

	// StepIDs lists the targets of merge_steps (survivor first) and group_parallel.
	StepIDs []string `json:"step_ids,omitempty"`

	Position InsertPosition `json:"position,omitempty"`
	NewStep  *Step          `json:"new_step,omitempty"`

	// Replacement is the new action for replace_step
	Replacement *Action `json:"replacement,omitempty"`

	// Order is the complete new step sequence for reorder_steps
	Order []string `json:"order,omitempty"`

	// Parts are the steps a split_step expands into, in execution order
	Parts []Step `json:"parts,omitempty"`

	Resources  map[string]float64 `json:"resources,omitempty"`
	Timeout    time.Duration      `json:"timeout,omitempty"`
	MaxRetries int                `json:"max_retries,omitempty"`
	Fallback   *Action            `json:"fallback,omitempty"`
	Group      string             `json:"group,omitempty"`

	// Requeue resets a failed target back to pending so the executor retries it
	Requeue bool `json:"requeue,omitempty"`
}

// Clone returns a deep copy of the mutation
func (m Mutation) Clone() Mutation {
	c := m
	c.StepIDs = slices.Clone(m.StepIDs)
	c.Order = slices.Clone(m.Order)
	c.Resources = maps.Clone(m.Resources)
	if m.NewStep != nil {
		s := m.NewStep.Clone()
		c.NewStep = &s
	}
	if m.Replacement != nil {
		a := m.Replacement.Clone()
		c.Replacement = &a
	}
	if m.Fallback != nil {
		a := m.Fallback.Clone()
		c.Fallback = &a
	}
	if m.Parts != nil {
		c.Parts = make([]Step, len(m.Parts))
		for i := range m.Parts {
			c.Parts[i] = m.Parts[i].Clone()
		}
	}
	return c
}

// Targets returns the ids of existing steps the mutation touches
func (m Mutation) Targets() []string {
	switch m.Kind {
	case MutationMergeSteps, MutationGroupParallel:
		return slices.Clone(m.StepIDs)
	case MutationReorderSteps:
		return nil
	default:
		if m.StepID == "" {
			return nil
		}
		return []string{m.StepID}
	}
}

type mutateFunc func(plan *Plan, m Mutation) error

var mutators = map[MutationKind]mutateFunc{
	MutationRemoveStep:      removeStep,
	MutationInsertStep:      insertStep,
	MutationReplaceStep:     replaceStep,
	MutationReorderSteps:    reorderSteps,
	MutationMergeSteps:      mergeSteps,
	MutationSplitStep:       splitStep,
	MutationAdjustResources: adjustResources,
	MutationAdjustTimeout:   adjustTimeout,
	MutationSetFallback:     setFallback,
	MutationGroupParallel:   groupParallel,
}

// ApplyMutation returns a new plan with the mutation applied and Version incremented.
// The input plan is never modified; on error it is returned as-is together with the error.
func ApplyMutation(plan *Plan, m Mutation) (*Plan, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	mutate, ok := mutators[m.Kind]
	if !ok {
		return plan, fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}

	next := plan.Clone()
	if err := mutate(next, m.Clone()); err != nil {
		return plan, fmt.Errorf("%s: %w", m.Kind, err)
	}
	if err := Validate(next); err != nil {
		return plan, fmt.Errorf("%s: %w", m.Kind, err)
	}

	next.Version = plan.Version + 1
	next.UpdatedAt = time.Now()
	return next, nil
}

func mustStep(plan *Plan, id string) (*Step, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: step id is required", ErrInvalidMutation)
	}
	step := plan.Step(id)
	if step == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	return step, nil
}

func requeue(step *Step, enabled bool) {
	if enabled && step.Status == StepStatusFailed {
		step.Status = StepStatusPending
	}
}

// appendUnique appends ids not already present, preserving order
func appendUnique(dst []string, ids ...string) []string {
	for _, id := range ids {
		if !slices.Contains(dst, id) {
			dst = append(dst, id)
		}
	}
	return dst
}

func removeStep(plan *Plan, m Mutation) error {
	target, err := mustStep(plan, m.StepID)
	if err != nil {
		return err
	}
	if len(plan.Steps) == 1 {
		return fmt.Errorf("%w: cannot remove the only step", ErrInvalidMutation)
	}

	inherited := slices.Clone(target.Dependencies)
	idx := plan.StepIndex(m.StepID)
	plan.Steps = slices.Delete(plan.Steps, idx, idx+1)

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if !step.DependsOn(m.StepID) {
			continue
		}
		step.Dependencies = slices.DeleteFunc(step.Dependencies, func(d string) bool { return d == m.StepID })
		step.Dependencies = appendUnique(step.Dependencies, inherited...)
	}
	return nil
}

func insertStep(plan *Plan, m Mutation) error {
	if m.NewStep == nil || m.NewStep.ID == "" {
		return fmt.Errorf("%w: insert requires a new step with an id", ErrInvalidMutation)
	}
	if plan.Step(m.NewStep.ID) != nil {
		return fmt.Errorf("%w: step %s already exists", ErrInvalidMutation, m.NewStep.ID)
	}

	newStep := *m.NewStep
	if newStep.Status == "" {
		newStep.Status = StepStatusPending
	}

	if m.Position == InsertAtEnd {
		plan.Steps = append(plan.Steps, newStep)
		return nil
	}

	anchor, err := mustStep(plan, m.StepID)
	if err != nil {
		return err
	}
	idx := plan.StepIndex(anchor.ID)

	switch m.Position {
	case InsertBefore:
		newStep.Dependencies = appendUnique(newStep.Dependencies, anchor.Dependencies...)
		anchor.Dependencies = appendUnique(anchor.Dependencies, newStep.ID)
		requeue(anchor, m.Requeue)
		plan.Steps = slices.Insert(plan.Steps, idx, newStep)

	case InsertAfter:
		anchorID := anchor.ID
		newStep.Dependencies = appendUnique(newStep.Dependencies, anchorID)
		for i := range plan.Steps {
			if plan.Steps[i].DependsOn(anchorID) {
				plan.Steps[i].Dependencies = appendUnique(plan.Steps[i].Dependencies, newStep.ID)
			}
		}
		plan.Steps = slices.Insert(plan.Steps, idx+1, newStep)

	case InsertParallelWith:
		newStep.Dependencies = appendUnique(newStep.Dependencies, anchor.Dependencies...)
		if anchor.ParallelGroup == "" {
			anchor.ParallelGroup = "parallel-" + anchor.ID
		}
		newStep.ParallelGroup = anchor.ParallelGroup
		plan.Steps = slices.Insert(plan.Steps, idx+1, newStep)

	default:
		return fmt.Errorf("%w: unknown insert position %q", ErrInvalidMutation, m.Position)
	}
	return nil
}

func replaceStep(plan *Plan, m Mutation) error {
	step, err := mustStep(plan, m.StepID)
	if err != nil {
		return err
	}
	if m.Replacement == nil || m.Replacement.Name == "" {
		return fmt.Errorf("%w: replace requires a replacement action", ErrInvalidMutation)
	}

	step.Action = *m.Replacement
	if step.Status == StepStatusFailed {
		step.Status = StepStatusPending
		step.Result = nil
	}
	return nil
}

func reorderSteps(plan *Plan, m Mutation) error {
	if len(m.Order) != len(plan.Steps) {
		return fmt.Errorf("%w: order has %d ids, plan has %d steps", ErrInvalidMutation, len(m.Order), len(plan.Steps))
	}

	reordered := make([]Step, 0, len(plan.Steps))
	seen := make(map[string]bool, len(m.Order))
	for _, id := range m.Order {
		if seen[id] {
			return fmt.Errorf("%w: duplicate id %s in order", ErrInvalidMutation, id)
		}
		seen[id] = true
		step := plan.Step(id)
		if step == nil {
			return fmt.Errorf("%w: %s", ErrStepNotFound, id)
		}
		reordered = append(reordered, *step)
	}
	if !IsTopological(m.Order, plan) {
		return fmt.Errorf("%w: order places a step before one of its dependencies", ErrInvalidMutation)
	}

	plan.Steps = reordered
	return nil
}

func mergeSteps(plan *Plan, m Mutation) error {
	if len(m.StepIDs) != 2 || m.StepIDs[0] == m.StepIDs[1] {
		return fmt.Errorf("%w: merge requires two distinct steps", ErrInvalidMutation)
	}
	survivorID, absorbedID := m.StepIDs[0], m.StepIDs[1]
	if _, err := mustStep(plan, survivorID); err != nil {
		return err
	}
	absorbed, err := mustStep(plan, absorbedID)
	if err != nil {
		return err
	}
	absorbedCopy := absorbed.Clone()

	idx := plan.StepIndex(absorbedID)
	plan.Steps = slices.Delete(plan.Steps, idx, idx+1)
	survivor := plan.Step(survivorID)

	deps := appendUnique(survivor.Dependencies, absorbedCopy.Dependencies...)
	survivor.Dependencies = slices.DeleteFunc(deps, func(d string) bool {
		return d == survivorID || d == absorbedID
	})
	survivor.EstimatedTime += absorbedCopy.EstimatedTime
	for name, q := range absorbedCopy.Resources {
		if survivor.Resources == nil {
			survivor.Resources = make(map[string]float64)
		}
		if q > survivor.Resources[name] {
			survivor.Resources[name] = q
		}
	}
	if m.Replacement != nil {
		survivor.Action = *m.Replacement
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ID == survivorID || !step.DependsOn(absorbedID) {
			continue
		}
		step.Dependencies = slices.DeleteFunc(step.Dependencies, func(d string) bool { return d == absorbedID })
		step.Dependencies = appendUnique(step.Dependencies, survivorID)
	}
	return nil
}

func splitStep(plan *Plan, m Mutation) error {
	original, err := mustStep(plan, m.StepID)
	if err != nil {
		return err
	}
	if len(m.Parts) < 2 {
		return fmt.Errorf("%w: split requires at least two parts", ErrInvalidMutation)
	}

	originalID := original.ID
	parts := make([]Step, len(m.Parts))
	for i, part := range m.Parts {
		if part.ID == "" || (part.ID != originalID && plan.Step(part.ID) != nil) {
			return fmt.Errorf("%w: part %d needs a unique id", ErrInvalidMutation, i)
		}
		if part.Status == "" {
			part.Status = StepStatusPending
		}
		if i == 0 {
			part.Dependencies = appendUnique(part.Dependencies, original.Dependencies...)
		} else {
			part.Dependencies = appendUnique(part.Dependencies, parts[i-1].ID)
		}
		parts[i] = part
	}
	lastID := parts[len(parts)-1].ID

	idx := plan.StepIndex(originalID)
	plan.Steps = slices.Replace(plan.Steps, idx, idx+1, parts...)

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if !step.DependsOn(originalID) || slices.ContainsFunc(parts, func(p Step) bool { return p.ID == step.ID }) {
			continue
		}
		step.Dependencies = slices.DeleteFunc(step.Dependencies, func(d string) bool { return d == originalID })
		step.Dependencies = appendUnique(step.Dependencies, lastID)
	}
	return nil
}

func adjustResources(plan *Plan, m Mutation) error {
	step, err := mustStep(plan, m.StepID)
	if err != nil {
		return err
	}
	if len(m.Resources) == 0 {
		return fmt.Errorf("%w: no resources given", ErrInvalidMutation)
	}
	for name, q := range m.Resources {
		if q < 0 {
			return fmt.Errorf("%w: negative quantity for %s", ErrInvalidMutation, name)
		}
	}

	if step.Resources == nil {
		step.Resources = make(map[string]float64, len(m.Resources))
	}
	maps.Copy(step.Resources, m.Resources)
	requeue(step, m.Requeue)
	return nil
}

func adjustTimeout(plan *Plan, m Mutation) error {
	step, err := mustStep(plan, m.StepID)
	if err != nil {
		return err
	}
	if m.Timeout < 0 || m.MaxRetries < 0 {
		return fmt.Errorf("%w: timeout and retries must be >= 0", ErrInvalidMutation)
	}
	if m.Timeout == 0 && m.MaxRetries == 0 {
		return fmt.Errorf("%w: nothing to adjust", ErrInvalidMutation)
	}

	if m.Timeout > 0 {
		step.Timeout = m.Timeout
	}
	if m.MaxRetries > 0 {
		step.MaxRetries = m.MaxRetries
	}
	requeue(step, m.Requeue)
	return nil
}

func setFallback(plan *Plan, m Mutation) error {
	step, err := mustStep(plan, m.StepID)
	if err != nil {
		return err
	}
	if m.Fallback == nil || m.Fallback.Name == "" {
		return fmt.Errorf("%w: fallback action is required", ErrInvalidMutation)
	}

	step.Fallback = m.Fallback
	requeue(step, m.Requeue)
	return nil
}

func groupParallel(plan *Plan, m Mutation) error {
	if len(m.StepIDs) < 2 {
		return fmt.Errorf("%w: a parallel group needs at least two steps", ErrInvalidMutation)
	}
	if m.Group == "" {
		return fmt.Errorf("%w: group name is required", ErrInvalidMutation)
	}
	for _, id := range m.StepIDs {
		if _, err := mustStep(plan, id); err != nil {
			return err
		}
	}
	for i, a := range m.StepIDs {
		for _, b := range m.StepIDs[i+1:] {
			if !Independent(plan, a, b) {
				return fmt.Errorf("%w: steps %s and %s are connected by a dependency", ErrInvalidMutation, a, b)
			}
		}
	}

	for _, id := range m.StepIDs {
		plan.Step(id).ParallelGroup = m.Group
	}
	return nil
}
