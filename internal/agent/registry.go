// ABOUTME: Explicit registry of agent definitions and the local tools they may use
// ABOUTME: Validates names, hand-off targets and tool references once at construction

package agent

import (
	"errors"
	"fmt"
	"sort"

	"github.com/beanlab/rubber-duck-sub000/internal/llm"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Definition is an immutable agent description. Handoffs names the agents it
// may transfer control to; the graph may be cyclic.
type Definition struct {
	Name         string
	Instructions string
	Model        string
	Tools        []string
	Handoffs     []string
}

// Registry holds agent definitions by name. It is built once and passed to
// the components that need it; it is read-only afterwards.
type Registry struct {
	agents map[string]*Definition
	tools  map[string]llm.Tool
}

// NewRegistry validates defs against each other and against tools.
func NewRegistry(defs []Definition, tools []llm.Tool) (*Registry, error) {
	r := &Registry{
		agents: make(map[string]*Definition, len(defs)),
		tools:  make(map[string]llm.Tool, len(tools)),
	}

	for _, t := range tools {
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", t.Name)
		}
		r.tools[t.Name] = t
	}

	for i := range defs {
		d := defs[i]
		if d.Name == "" {
			return nil, fmt.Errorf("agent %d has no name", i)
		}
		if _, dup := r.agents[d.Name]; dup {
			return nil, fmt.Errorf("agent %q defined twice", d.Name)
		}
		for _, tool := range d.Tools {
			if _, ok := r.tools[tool]; !ok {
				return nil, fmt.Errorf("agent %q uses unknown tool %q", d.Name, tool)
			}
		}
		r.agents[d.Name] = &d
	}

	for _, d := range r.agents {
		for _, target := range d.Handoffs {
			if _, ok := r.agents[target]; !ok {
				return nil, fmt.Errorf("agent %q hands off to unknown agent %q", d.Name, target)
			}
		}
	}

	return r, nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (*Definition, error) {
	d, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return d, nil
}

// Names returns all agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools resolves the local tools of d.
func (r *Registry) Tools(d *Definition) []llm.Tool {
	out := make([]llm.Tool, 0, len(d.Tools))
	for _, name := range d.Tools {
		out = append(out, r.tools[name])
	}
	return out
}
