package configtree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"edgeagent/internal/graph"
)

// Kind selects how a component is run.
type Kind string

const (
	// KindProcess is an externally managed process.
	KindProcess Kind = "process"
	// KindPlugin runs in-process from a registered factory.
	KindPlugin Kind = "plugin"
)

// BootstrapRequirement is what a component's bootstrap step asks of the host.
type BootstrapRequirement string

const (
	BootstrapNone    BootstrapRequirement = "none"
	BootstrapRestart BootstrapRequirement = "restart"
	BootstrapReboot  BootstrapRequirement = "reboot"
)

// Dependency is one declared edge in a component's configuration.
type Dependency struct {
	Name string               `yaml:"name" json:"name"`
	Type graph.DependencyKind `yaml:"type,omitempty" json:"type,omitempty"`
}

// Bootstrap declares a step that must run across an agent restart before the
// component's new configuration is activated.
type Bootstrap struct {
	Requires BootstrapRequirement `yaml:"requires,omitempty" json:"requires,omitempty"`
}

// Component is one entry of the configuration tree.
type Component struct {
	Version      string         `yaml:"version,omitempty" json:"version,omitempty"`
	Kind         Kind           `yaml:"kind,omitempty" json:"kind,omitempty"`
	AutoStart    *bool          `yaml:"autostart,omitempty" json:"autostart,omitempty"`
	Oneshot      bool           `yaml:"oneshot,omitempty" json:"oneshot,omitempty"`
	Dependencies []Dependency   `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Parameters   map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Bootstrap    *Bootstrap     `yaml:"bootstrap,omitempty" json:"bootstrap,omitempty"`
}

// ShouldAutoStart defaults to true when unset.
func (c Component) ShouldAutoStart() bool {
	return c.AutoStart == nil || *c.AutoStart
}

// RequiresBootstrap reports whether activating this component needs a host restart or reboot.
func (c Component) RequiresBootstrap() bool {
	return c.Bootstrap != nil && c.Bootstrap.Requires != "" && c.Bootstrap.Requires != BootstrapNone
}

// DependencyKinds returns the declared edges keyed by target.
func (c Component) DependencyKinds() map[string]graph.DependencyKind {
	out := make(map[string]graph.DependencyKind, len(c.Dependencies))
	for _, d := range c.Dependencies {
		kind := d.Type
		if kind == 0 {
			kind = graph.DependencyHard
		}
		out[d.Name] = kind
	}
	return out
}

// Normalize fills defaults so equal configurations compare equal.
func (c Component) Normalize() Component {
	if c.Kind == "" {
		c.Kind = KindProcess
	}
	deps := make([]Dependency, len(c.Dependencies))
	for i, d := range c.Dependencies {
		if d.Type == 0 {
			d.Type = graph.DependencyHard
		}
		deps[i] = d
	}
	c.Dependencies = deps
	if len(c.Dependencies) == 0 {
		c.Dependencies = nil
	}
	if len(c.Parameters) == 0 {
		c.Parameters = nil
	} else {
		c.Parameters = maps.Clone(c.Parameters)
	}
	return c
}

// Validate checks one named component.
func (c Component) Validate(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("component name is required")
	}
	switch c.Kind {
	case "", KindProcess, KindPlugin:
	default:
		return fmt.Errorf("component %s: unknown kind %q", name, c.Kind)
	}
	seen := make(map[string]bool, len(c.Dependencies))
	for _, d := range c.Dependencies {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("component %s: dependency name is required", name)
		}
		if seen[d.Name] {
			return fmt.Errorf("component %s: duplicate dependency %s", name, d.Name)
		}
		seen[d.Name] = true
	}
	if c.Bootstrap != nil {
		switch c.Bootstrap.Requires {
		case "", BootstrapNone, BootstrapRestart, BootstrapReboot:
		default:
			return fmt.Errorf("component %s: unknown bootstrap requirement %q", name, c.Bootstrap.Requires)
		}
	}
	return nil
}

// Equal compares canonical encodings after normalization.
func (c Component) Equal(other Component) bool {
	a, errA := json.Marshal(c.Normalize())
	b, errB := json.Marshal(other.Normalize())
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Validate checks every component in a set.
func Validate(components map[string]Component) error {
	for name, c := range components {
		if err := c.Validate(name); err != nil {
			return err
		}
	}
	return nil
}
