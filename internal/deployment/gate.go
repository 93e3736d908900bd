package deployment

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"edgeagent/internal/clock"
)

// DeferFunc is asked before an update is applied. A positive duration asks
// to be asked again after that long; zero accepts the update.
type DeferFunc func(deploymentID string) time.Duration

// UpdateGate lets components postpone a deployment that would disrupt them.
// The wait is not interruptible by newer submissions.
type UpdateGate struct {
	mu   sync.Mutex
	subs map[string]DeferFunc

	clock  clock.Clock
	logger *slog.Logger
}

// NewUpdateGate creates a gate with no subscribers.
func NewUpdateGate(clk clock.Clock, logger *slog.Logger) *UpdateGate {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateGate{subs: make(map[string]DeferFunc), clock: clk, logger: logger}
}

// Subscribe registers fn for component and returns its removal.
func (g *UpdateGate) Subscribe(component string, fn DeferFunc) func() {
	g.mu.Lock()
	g.subs[component] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.subs, component)
		g.mu.Unlock()
	}
}

// Wait returns once no subscriber defers deploymentID or timeout elapsed.
func (g *UpdateGate) Wait(ctx context.Context, deploymentID string, timeout time.Duration) error {
	start := g.clock.Now()
	for {
		component, delay := g.longestDeferral(deploymentID)
		if delay <= 0 {
			return nil
		}
		remaining := timeout - g.clock.Now().Sub(start)
		if remaining <= 0 {
			g.logger.Info("update deferral timed out, proceeding", "deployment_id", deploymentID, "component", component)
			return nil
		}
		delay = min(delay, remaining)
		g.logger.Info("component deferred update", "deployment_id", deploymentID, "component", component, "delay", delay)

		select {
		case <-g.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *UpdateGate) longestDeferral(deploymentID string) (string, time.Duration) {
	g.mu.Lock()
	subs := maps.Clone(g.subs)
	g.mu.Unlock()

	var who string
	var longest time.Duration
	for _, name := range slices.Sorted(maps.Keys(subs)) {
		if d := subs[name](deploymentID); d > longest {
			who, longest = name, d
		}
	}
	return who, longest
}
