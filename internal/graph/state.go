package graph

import (
	"fmt"
	"strings"

	"edgeagent/internal/check"
)

// State is the lifecycle state of a component.
type State uint8

const (
	StateNew State = iota + 1
	StateInstalled
	StateStarting
	StateRunning
	StateStopping
	StateFinished
	StateErrored
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateInstalled:
		return "INSTALLED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateFinished:
		return "FINISHED"
	case StateErrored:
		return "ERRORED"
	case StateBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) IsValid() bool {
	return s >= StateNew && s <= StateBroken
}

// Ready reports whether a HARD depender may start on top of this state.
func (s State) Ready() bool {
	return s == StateRunning || s == StateFinished
}

// Transition validates a lifecycle move. Stopping and breaking are reachable
// from every state; the rest follow the start sequence.
func (s State) Transition(to State) State {
	ok := false
	switch to {
	case StateStopping, StateBroken, StateErrored, StateInstalled, StateNew:
		ok = true
	case StateStarting:
		ok = s != StateStarting && s != StateRunning
	case StateRunning:
		ok = s == StateStarting || s == StateRunning
	case StateFinished:
		ok = s == StateStarting || s == StateRunning || s == StateStopping || s == StateFinished
	}
	check.Assertf(ok, "component state transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

func (s State) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid component state: %d", s)
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(data []byte) error {
	next, ok := ParseState(string(data))
	if !ok {
		return fmt.Errorf("invalid component state: %q", data)
	}
	*s = next
	return nil
}

// ParseState parses the upper-case state name.
func ParseState(raw string) (State, bool) {
	for s := StateNew; s <= StateBroken; s++ {
		if strings.EqualFold(strings.TrimSpace(raw), s.String()) {
			return s, true
		}
	}
	return 0, false
}

// DependencyKind classifies an edge. HARD edges order startup and define
// dependers; SOFT edges are advisory.
type DependencyKind uint8

const (
	DependencyHard DependencyKind = iota + 1
	DependencySoft
)

func (k DependencyKind) String() string {
	switch k {
	case DependencyHard:
		return "HARD"
	case DependencySoft:
		return "SOFT"
	default:
		return "UNKNOWN"
	}
}

func (k DependencyKind) MarshalText() ([]byte, error) {
	if k != DependencyHard && k != DependencySoft {
		return nil, fmt.Errorf("invalid dependency kind: %d", k)
	}
	return []byte(k.String()), nil
}

func (k *DependencyKind) UnmarshalText(data []byte) error {
	next, err := ParseDependencyKind(string(data))
	if err != nil {
		return err
	}
	*k = next
	return nil
}

// ParseDependencyKind accepts HARD or SOFT in any case. Empty means HARD.
func ParseDependencyKind(raw string) (DependencyKind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "HARD":
		return DependencyHard, nil
	case "SOFT":
		return DependencySoft, nil
	default:
		return 0, fmt.Errorf("invalid dependency kind %q", raw)
	}
}
