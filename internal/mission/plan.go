// Package mission executes declarative mission plans: DAGs of agent
// invocations with dependencies, optional conditions, bounded level
// parallelism, and per-agent cost attribution. The package owns Mission rows
// and their audit trails.
package mission

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPlan marks plan validation failures: duplicate agents, unknown
// dependencies, cycles. Surfaced synchronously before any step runs and
// before any mission row leaves PENDING.
var ErrInvalidPlan = errors.New("invalid mission plan")

// Step is one node of a mission plan: a single agent invocation, the names
// of steps it waits on, and an optional condition over prior outputs.
type Step struct {
	Agent        string         `json:"agent"`
	Input        map[string]any `json:"input,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Condition    string         `json:"condition,omitempty"`

	// ContinueOnError lets this step's dependents run even if it fails
	// permanently; they observe its output as null.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// Plan is a full mission plan. Steps are keyed by agent name — one
// invocation per agent per mission.
type Plan struct {
	Steps []Step `json:"steps"`

	// Parallelism caps concurrent steps within a level. Zero means the
	// executor default.
	Parallelism int `json:"parallelism,omitempty"`
}

// ParsePlan decodes and validates a JSON plan document.
func ParsePlan(raw []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks structural soundness: at least one step, unique agent
// names, dependencies that reference existing steps, and no cycles.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}

	byAgent := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Agent == "" {
			return fmt.Errorf("%w: step %d has no agent name", ErrInvalidPlan, i)
		}
		if _, dup := byAgent[s.Agent]; dup {
			return fmt.Errorf("%w: duplicate agent %q", ErrInvalidPlan, s.Agent)
		}
		byAgent[s.Agent] = s
	}

	for i := range p.Steps {
		s := &p.Steps[i]
		for _, dep := range s.Dependencies {
			if dep == s.Agent {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalidPlan, s.Agent)
			}
			if _, ok := byAgent[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidPlan, s.Agent, dep)
			}
		}
	}

	if _, err := p.levels(); err != nil {
		return err
	}
	return nil
}

// levels orders steps into dependency levels via Kahn's algorithm:
// level(step) = 0 with no dependencies, else 1 + max(level of deps).
// Steps sharing a level are mutually independent. A remainder after the
// peel-off means a cycle.
func (p *Plan) levels() ([][]*Step, error) {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	byAgent := make(map[string]*Step, len(p.Steps))

	for i := range p.Steps {
		s := &p.Steps[i]
		byAgent[s.Agent] = s
		indegree[s.Agent] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.Agent)
		}
	}

	level := make(map[string]int, len(p.Steps))
	frontier := make([]string, 0, len(p.Steps))
	for agent, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, agent)
			level[agent] = 0
		}
	}

	processed := 0
	for len(frontier) > 0 {
		agent := frontier[0]
		frontier = frontier[1:]
		processed++

		for _, next := range dependents[agent] {
			if level[agent]+1 > level[next] {
				level[next] = level[agent] + 1
			}
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if processed != len(p.Steps) {
		return nil, fmt.Errorf("%w: dependency cycle detected", ErrInvalidPlan)
	}

	maxLevel := 0
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	ordered := make([][]*Step, maxLevel+1)
	// Iterate the original slice so within-level order follows plan order.
	for i := range p.Steps {
		s := &p.Steps[i]
		l := level[s.Agent]
		ordered[l] = append(ordered[l], s)
	}
	return ordered, nil
}
