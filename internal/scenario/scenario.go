// Package scenario loads simulation scenarios: a plan, the simulated behavior of
// its actions and optional observations to feed the adaptation engine.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/alternatives"
	"github.com/harun/replan/pkg/planner"
)

// DefaultError is reported by failing actions that do not name an error
const DefaultError = "simulated failure"

// Scenario is a plan plus how the simulated executor treats each action
type Scenario struct {
	Name         string                        `yaml:"name"`
	Description  string                        `yaml:"description"`
	Plan         PlanSpec                      `yaml:"plan"`
	Behavior     map[string]Behavior           `yaml:"behavior"`
	Observations adaptation.Observations       `yaml:"observations"`
	Roles        map[string]alternatives.Entry `yaml:"roles"`
}

// PlanSpec is the plan as written in a scenario
type PlanSpec struct {
	Goal  string         `yaml:"goal"`
	Steps []planner.Step `yaml:"steps"`
}

// Behavior describes how the simulated runner handles an action name.
// Actions without a behavior succeed immediately.
type Behavior struct {
	Fail      bool          `yaml:"fail"`       // every attempt fails
	FailTimes int           `yaml:"fail_times"` // the first N attempts fail
	Error     string        `yaml:"error"`
	Duration  time.Duration `yaml:"duration"`
	Hang      bool          `yaml:"hang"` // block until the step times out
}

// Loader loads and validates scenario documents
type Loader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewLoader creates a new scenario loader
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:       logger.With().Str("component", "scenario-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(Schema),
	}
}

// LoadFile reads and validates a scenario file
func (l *Loader) LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse validates data against the schema and decodes it
func (l *Loader) Parse(data []byte) (*Scenario, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	if err := l.validateSchema(doc); err != nil {
		return nil, fmt.Errorf("scenario schema validation failed: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario validation failed: %w", err)
	}

	l.logger.Debug().
		Str("name", s.Name).
		Int("steps", len(s.Plan.Steps)).
		Int("behaviors", len(s.Behavior)).
		Msg("Loaded scenario")
	return &s, nil
}

func (l *Loader) validateSchema(doc interface{}) error {
	result, err := gojsonschema.Validate(l.schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}
	return nil
}

// validate checks what the schema cannot express
func (s *Scenario) validate() error {
	plan, err := planner.NewPlan(s.Plan.Goal, s.Plan.Steps)
	if err != nil {
		return err
	}
	for i, o := range s.Observations.Outcomes {
		if plan.Step(o.StepID) == nil {
			return fmt.Errorf("outcome %d: unknown step %q", i, o.StepID)
		}
	}
	for name, b := range s.Behavior {
		if b.Fail && b.FailTimes > 0 {
			return fmt.Errorf("behavior %q: fail and fail_times are exclusive", name)
		}
	}
	if len(s.Roles) > 0 {
		if _, err := s.Registry(); err != nil {
			return err
		}
	}
	return nil
}

// BuildPlan creates a fresh plan with the scenario's prior outcomes folded in
func (s *Scenario) BuildPlan() (*planner.Plan, error) {
	plan, err := planner.NewPlan(s.Plan.Goal, s.Plan.Steps)
	if err != nil {
		return nil, err
	}
	if len(s.Observations.Outcomes) > 0 {
		planner.RecordOutcomes(plan, s.Observations.Outcomes)
	}
	return plan, nil
}

// Registry returns the scenario's inline roles as an alternatives registry
func (s *Scenario) Registry() (*alternatives.Registry, error) {
	r := alternatives.NewRegistry()
	for role, entry := range s.Roles {
		if err := r.Set(role, entry); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Runner returns a fresh simulated step runner
func (s *Scenario) Runner() *SimulatedRunner {
	return NewSimulatedRunner(s.Behavior)
}

// SimulatedRunner executes actions according to their Behavior
type SimulatedRunner struct {
	behavior map[string]Behavior
	attempts map[string]int
	mu       sync.Mutex
}

// NewSimulatedRunner creates a runner for the given behaviors
func NewSimulatedRunner(behavior map[string]Behavior) *SimulatedRunner {
	return &SimulatedRunner{behavior: behavior, attempts: make(map[string]int)}
}

// Run implements planner.StepRunner
func (r *SimulatedRunner) Run(ctx context.Context, step *planner.Step, action planner.Action) error {
	r.mu.Lock()
	r.attempts[action.Name]++
	n := r.attempts[action.Name]
	b, ok := r.behavior[action.Name]
	r.mu.Unlock()

	if !ok {
		return ctx.Err()
	}
	if b.Hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if b.Duration > 0 {
		timer := time.NewTimer(b.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.Fail || n <= b.FailTimes {
		msg := b.Error
		if msg == "" {
			msg = DefaultError
		}
		return errors.New(msg)
	}
	return nil
}

// Attempts returns how many times an action name was run
func (r *SimulatedRunner) Attempts(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[name]
}
