// Package alternatives holds the role-keyed catalog of substitute actions,
// recovery steps and decompositions the adaptation engine draws from.
package alternatives

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/harun/replan/pkg/planner"
)

// Entry lists what the engine may use for steps of one role
type Entry struct {
	Alternatives  []planner.Action `yaml:"alternatives,omitempty" json:"alternatives,omitempty"`
	Recovery      []planner.Step   `yaml:"recovery,omitempty" json:"recovery,omitempty"`
	Decomposition []planner.Step   `yaml:"decomposition,omitempty" json:"decomposition,omitempty"`
}

func (e Entry) clone() Entry {
	c := Entry{}
	for _, a := range e.Alternatives {
		c.Alternatives = append(c.Alternatives, a.Clone())
	}
	c.Recovery = cloneSteps(e.Recovery)
	c.Decomposition = cloneSteps(e.Decomposition)
	return c
}

func cloneSteps(steps []planner.Step) []planner.Step {
	if steps == nil {
		return nil
	}
	out := make([]planner.Step, len(steps))
	for i := range steps {
		out[i] = steps[i].Clone()
	}
	return out
}

// File is the on-disk layout of an alternatives registry
type File struct {
	Roles map[string]Entry `yaml:"roles"`
}

// Registry is a concurrency-safe, reloadable alternatives catalog.
// It satisfies adaptation.AlternativesSource.
type Registry struct {
	roles map[string]Entry
	path  string
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{roles: make(map[string]Entry)}
}

// LoadFile creates a registry from a YAML file
func LoadFile(path string) (*Registry, error) {
	r := NewRegistry()
	if err := r.Reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Parse decodes and validates registry YAML
func Parse(data []byte) (map[string]Entry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse alternatives: %w", err)
	}
	for role, entry := range f.Roles {
		if err := validate(role, entry); err != nil {
			return nil, err
		}
	}
	if f.Roles == nil {
		f.Roles = make(map[string]Entry)
	}
	return f.Roles, nil
}

func validate(role string, entry Entry) error {
	if role == "" {
		return fmt.Errorf("alternatives: empty role name")
	}
	for i, a := range entry.Alternatives {
		if a.Name == "" {
			return fmt.Errorf("alternatives: role %s: alternative %d has no action name", role, i)
		}
	}
	for i, s := range entry.Recovery {
		if s.Action.Name == "" {
			return fmt.Errorf("alternatives: role %s: recovery step %d has no action name", role, i)
		}
		if len(s.Dependencies) > 0 {
			return fmt.Errorf("alternatives: role %s: recovery step %d must not declare dependencies", role, i)
		}
	}
	if n := len(entry.Decomposition); n == 1 {
		return fmt.Errorf("alternatives: role %s: a decomposition needs at least two parts", role)
	}
	for i, s := range entry.Decomposition {
		if s.Action.Name == "" {
			return fmt.Errorf("alternatives: role %s: decomposition part %d has no action name", role, i)
		}
	}
	return nil
}

// Reload replaces the registry content with the file at path. On error the
// current content is kept.
func (r *Registry) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read alternatives file: %w", err)
	}
	roles, err := Parse(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.roles = roles
	r.path = path
	r.mu.Unlock()
	return nil
}

// Path returns the file the registry was last loaded from
func (r *Registry) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.path
}

// Set registers or replaces the entry of a role
func (r *Registry) Set(role string, entry Entry) error {
	if err := validate(role, entry); err != nil {
		return err
	}
	r.mu.Lock()
	r.roles[role] = entry.clone()
	r.mu.Unlock()
	return nil
}

// Roles returns the registered role names, sorted
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.roles))
	for role := range r.roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Alternatives returns substitute actions for a role
func (r *Registry) Alternatives(role string) []planner.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[role].clone().Alternatives
}

// Recovery returns preparatory step templates for a role
func (r *Registry) Recovery(role string) []planner.Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSteps(r.roles[role].Recovery)
}

// Decomposition returns the ordered parts a step of the role can be split into
func (r *Registry) Decomposition(role string) []planner.Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSteps(r.roles[role].Decomposition)
}

// Has reports whether anything is registered for role
func (r *Registry) Has(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[role]
	return ok
}
