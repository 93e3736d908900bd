package lifecycle

import (
	"context"
	"errors"
	"sync"

	"edgeagent/internal/configtree"
	"edgeagent/internal/graph"
)

// PluginFunc adapts a blocking run function into a plugin Factory. The
// plugin reports RUNNING when started, FINISHED when run returns nil and
// ERRORED otherwise.
func PluginFunc(run func(ctx context.Context, name string, cfg configtree.Component) error) Factory {
	return func(name string, cfg configtree.Component) (Instance, error) {
		return &funcInstance{name: name, cfg: cfg, run: run}, nil
	}
}

type funcInstance struct {
	name string
	cfg  configtree.Component
	run  func(ctx context.Context, name string, cfg configtree.Component) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (f *funcInstance) Start(ctx context.Context, report Reporter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return errors.New("plugin already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	report(graph.StateRunning)
	go func() {
		defer close(f.done)
		err := f.run(runCtx, f.name, f.cfg)
		switch {
		case runCtx.Err() != nil:
		case err != nil:
			report(graph.StateErrored)
		default:
			report(graph.StateFinished)
		}
	}()
	return nil
}

func (f *funcInstance) Stop(ctx context.Context) error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExternalLauncher tracks processes supervised outside the agent. Launch and
// Stop only move the tracked state: long-running components report RUNNING,
// one-shot components report RUNNING then FINISHED.
type ExternalLauncher struct{}

func (ExternalLauncher) Launch(name string, cfg configtree.Component) (Instance, error) {
	return externalInstance{oneshot: cfg.Oneshot}, nil
}

type externalInstance struct {
	oneshot bool
}

func (e externalInstance) Start(_ context.Context, report Reporter) error {
	report(graph.StateRunning)
	if e.oneshot {
		report(graph.StateFinished)
	}
	return nil
}

func (externalInstance) Stop(context.Context) error { return nil }
