package fake

import (
	"context"
	"fmt"
	"sync"

	"edgeagent/internal/adapter/fake/fault"
	"edgeagent/internal/configtree"
	"edgeagent/internal/graph"
	"edgeagent/internal/lifecycle"
)

var _ lifecycle.Launcher = (*Launcher)(nil)

// Fault points evaluated by Launcher and its instances.
const (
	FaultLauncherLaunch = "launcher.launch"
	FaultInstanceStart  = "instance.start"
	FaultInstanceStop   = "instance.stop"
)

// Behavior scripts what a fake instance reports when started.
type Behavior uint8

const (
	// BehaviorRun reports RUNNING.
	BehaviorRun Behavior = iota
	// BehaviorOneshot reports RUNNING then FINISHED.
	BehaviorOneshot
	// BehaviorError reports ERRORED on every start.
	BehaviorError
	// BehaviorHang stays in STARTING until stopped.
	BehaviorHang
)

// Launcher is an in-memory lifecycle.Launcher. Behaviors are chosen by
// component name, optionally refined by configured version.
type Launcher struct {
	CallRecorder
	Faults *fault.Injector

	mu        sync.Mutex
	behaviors map[string]Behavior
	versioned map[string]Behavior
	starts    map[string]int
	running   map[string]bool
	reporters map[string]lifecycle.Reporter
}

// NewLauncher creates a Launcher where every component runs.
func NewLauncher() *Launcher {
	return &Launcher{
		Faults:    fault.NewInjector(),
		behaviors: make(map[string]Behavior),
		versioned: make(map[string]Behavior),
		starts:    make(map[string]int),
		running:   make(map[string]bool),
		reporters: make(map[string]lifecycle.Reporter),
	}
}

// Set scripts name for every version.
func (l *Launcher) Set(name string, b Behavior) {
	l.mu.Lock()
	l.behaviors[name] = b
	l.mu.Unlock()
}

// SetVersion scripts name only when configured at version.
func (l *Launcher) SetVersion(name, version string, b Behavior) {
	l.mu.Lock()
	l.versioned[name+"@"+version] = b
	l.mu.Unlock()
}

// Starts returns how many times name was started.
func (l *Launcher) Starts(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts[name]
}

// Running reports whether the latest instance of name is started and not stopped.
func (l *Launcher) Running(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[name]
}

// Report pushes a state through the latest started instance of name.
func (l *Launcher) Report(name string, state graph.State) error {
	l.mu.Lock()
	report, ok := l.reporters[name]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("component %s not started", name)
	}
	report(state)
	return nil
}

func (l *Launcher) Launch(name string, cfg configtree.Component) (lifecycle.Instance, error) {
	l.record("Launch", name, cfg.Version)
	if err := l.Faults.Eval(FaultLauncherLaunch, name, cfg.Version); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.versioned[name+"@"+cfg.Version]
	if !ok {
		b = l.behaviors[name]
	}
	if b == BehaviorRun && cfg.Oneshot {
		b = BehaviorOneshot
	}
	return &instance{launcher: l, name: name, behavior: b}, nil
}

type instance struct {
	launcher *Launcher
	name     string
	behavior Behavior
}

func (i *instance) Start(_ context.Context, report lifecycle.Reporter) error {
	l := i.launcher
	l.record("Start", i.name)
	if err := l.Faults.Eval(FaultInstanceStart, i.name); err != nil {
		return err
	}
	l.mu.Lock()
	l.starts[i.name]++
	l.running[i.name] = true
	l.reporters[i.name] = report
	l.mu.Unlock()

	switch i.behavior {
	case BehaviorRun:
		report(graph.StateRunning)
	case BehaviorOneshot:
		report(graph.StateRunning)
		report(graph.StateFinished)
	case BehaviorError:
		report(graph.StateErrored)
	case BehaviorHang:
	}
	return nil
}

func (i *instance) Stop(context.Context) error {
	l := i.launcher
	l.record("Stop", i.name)
	if err := l.Faults.Eval(FaultInstanceStop, i.name); err != nil {
		return err
	}
	l.mu.Lock()
	l.running[i.name] = false
	l.mu.Unlock()
	return nil
}
