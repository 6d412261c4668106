package planner

import (
	"maps"
	"slices"
	"time"
)

// Plan represents a goal-directed, dependency-ordered set of steps.
// The order of Steps is the soft execution sequence; Dependencies are the hard edges.
type Plan struct {
	ID        string     `json:"id" yaml:"id"`
	Goal      string     `json:"goal" yaml:"goal"`
	Steps     []Step     `json:"steps" yaml:"steps"`
	Status    PlanStatus `json:"status" yaml:"status"`
	Version   int        `json:"version" yaml:"version"` // Incremented on every structural mutation
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

// PlanStatus represents the lifecycle status of a plan
type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusAdapting  PlanStatus = "adapting"
)

// Step represents a single unit of work within a plan
type Step struct {
	ID            string             `json:"id" yaml:"id"`
	Role          string             `json:"role,omitempty" yaml:"role,omitempty"` // Semantic role, used to look up alternatives
	Description   string             `json:"description,omitempty" yaml:"description,omitempty"`
	Action        Action             `json:"action" yaml:"action"`
	Dependencies  []string           `json:"dependencies,omitempty" yaml:"dependencies,omitempty"` // IDs of steps that must complete first
	Status        StepStatus         `json:"status" yaml:"status"`
	Resources     map[string]float64 `json:"resources,omitempty" yaml:"resources,omitempty"`
	Timeout       time.Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries    int                `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	EstimatedTime time.Duration      `json:"estimated_time,omitempty" yaml:"estimated_time,omitempty"`
	Fallback      *Action            `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	ParallelGroup string             `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	Result        *StepResult        `json:"result,omitempty" yaml:"result,omitempty"`
}

// StepStatus represents the execution status of a step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether no further execution is expected for the status
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusSkipped
}

// Action is the opaque payload interpreted by the external executor
type Action struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Equal reports whether two actions carry the same name and parameters
func (a Action) Equal(other Action) bool {
	return a.Name == other.Name && maps.Equal(a.Params, other.Params)
}

// Clone returns a deep copy of the action
func (a Action) Clone() Action {
	return Action{Name: a.Name, Params: maps.Clone(a.Params)}
}

// StepResult represents the result of the latest execution attempt of a step
type StepResult struct {
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	RetryCount int           `json:"retry_count" yaml:"retry_count"`
	TimedOut   bool          `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
}

// Failures returns the number of failed attempts recorded in the result
func (r *StepResult) Failures() int {
	if r == nil || r.Error == "" {
		return 0
	}
	return r.RetryCount + 1
}

// Clone returns a deep copy of the step
func (s Step) Clone() Step {
	c := s
	c.Action = s.Action.Clone()
	c.Dependencies = slices.Clone(s.Dependencies)
	c.Resources = maps.Clone(s.Resources)
	if s.Fallback != nil {
		fb := s.Fallback.Clone()
		c.Fallback = &fb
	}
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	return c
}

// DependsOn reports whether the step directly depends on id
func (s *Step) DependsOn(id string) bool {
	return slices.Contains(s.Dependencies, id)
}

// TotalResources returns the sum of declared resource quantities
func (s *Step) TotalResources() float64 {
	var total float64
	for _, q := range s.Resources {
		total += q
	}
	return total
}

// Clone returns a deep copy of the plan
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	if p.Steps != nil {
		c.Steps = make([]Step, len(p.Steps))
		for i := range p.Steps {
			c.Steps[i] = p.Steps[i].Clone()
		}
	}
	return &c
}

// Step returns a pointer to the step with the given id, or nil
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the slice index of the step with the given id, or -1
func (p *Plan) StepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// StepIDs returns the step ids in sequence order
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i := range p.Steps {
		ids[i] = p.Steps[i].ID
	}
	return ids
}

// FailureStrategy defines how the executor handles step failures
type FailureStrategy string

const (
	FailAbort    FailureStrategy = "abort"    // Stop scheduling new steps after a failure
	FailContinue FailureStrategy = "continue" // Keep running steps whose dependencies succeeded
)
