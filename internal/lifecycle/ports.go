package lifecycle

import (
	"context"
	"time"

	"edgeagent/internal/configtree"
	"edgeagent/internal/graph"
)

// Reporter carries state reported by an instance. Safe to call from any
// goroutine; delivery is funneled through the configuration publish queue.
type Reporter func(state graph.State)

// Instance is one incarnation of a component.
// Production: external process handle or in-process plugin.
// Testing: fake.Launcher instances with scripted state sequences.
type Instance interface {
	// Start begins running the component and returns without waiting for it
	// to reach RUNNING. Progress is reported through report.
	Start(ctx context.Context, report Reporter) error
	Stop(ctx context.Context) error
}

// Factory builds an in-process plugin instance.
type Factory func(name string, cfg configtree.Component) (Instance, error)

// Launcher builds instances for externally managed processes.
// Production: ExternalLauncher
// Testing: fake.Launcher
type Launcher interface {
	Launch(name string, cfg configtree.Component) (Instance, error)
}

// StateListener observes applied state transitions.
type StateListener func(name string, prev, next graph.State, at time.Time)
