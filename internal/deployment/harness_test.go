package deployment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"edgeagent/internal/adapter/fake"
	"edgeagent/internal/configtree"
	"edgeagent/internal/deployment"
	"edgeagent/internal/graph"
	"edgeagent/internal/lifecycle"
)

type harness struct {
	clock     *fake.Clock
	graph     *graph.Graph
	tree      *configtree.Tree
	launcher  *fake.Launcher
	manager   *lifecycle.Manager
	store     *fake.Store
	status    *deployment.StatusKeeper
	activator *deployment.Activator
	service   *deployment.Service

	mu      sync.Mutex
	updates []deployment.StatusUpdate
	changed chan struct{}

	runErr chan error
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	activator []deployment.ActivatorOption
	noRun     bool
}

func withActivator(opts ...deployment.ActivatorOption) harnessOption {
	return func(c *harnessConfig) { c.activator = append(c.activator, opts...) }
}

// withoutRun leaves starting the executor to the test.
func withoutRun() harnessOption {
	return func(c *harnessConfig) { c.noRun = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		clock:    fake.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		graph:    graph.New(),
		tree:     configtree.New(),
		launcher: fake.NewLauncher(),
		store:    fake.NewStore(),
		changed:  make(chan struct{}, 1),
		runErr:   make(chan error, 1),
	}
	h.clock.Tick(time.Millisecond)
	h.manager = lifecycle.New(h.graph, h.tree,
		lifecycle.WithLauncher(h.launcher),
		lifecycle.WithClock(h.clock),
	)
	h.status = deployment.NewStatusKeeper(
		deployment.WithStatusHistory(h.store),
		deployment.WithStatusClock(h.clock),
		deployment.WithDeliveryBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
		}),
	)
	for _, typ := range deployment.Types {
		h.status.RegisterStatusConsumer(typ, "test", h.record)
	}
	activatorOpts := append([]deployment.ActivatorOption{
		deployment.WithActivatorClock(h.clock),
		deployment.WithDefaultTimeout(5 * time.Second),
	}, cfg.activator...)
	h.activator = deployment.NewActivator(h.graph, h.tree, h.manager, activatorOpts...)
	h.service = deployment.NewService(h.activator, h.status,
		deployment.WithStore(h.store),
		deployment.WithServiceClock(h.clock),
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.tree.Run(ctx) }()
	if !cfg.noRun {
		h.run(ctx)
	}
	return h
}

func (h *harness) run(ctx context.Context) {
	go func() { h.runErr <- h.service.Run(ctx) }()
}

func (h *harness) record(u deployment.StatusUpdate) error {
	h.mu.Lock()
	h.updates = append(h.updates, u)
	h.mu.Unlock()
	select {
	case h.changed <- struct{}{}:
	default:
	}
	return nil
}

func (h *harness) statuses(id string) []deployment.StatusUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []deployment.StatusUpdate
	for _, u := range h.updates {
		if u.DeploymentID == id {
			out = append(out, u)
		}
	}
	return out
}

// waitTerminal waits for the terminal status of id.
func (h *harness) waitTerminal(t *testing.T, id string) deployment.StatusUpdate {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		for _, u := range h.statuses(id) {
			if u.Terminal() {
				return u
			}
		}
		select {
		case <-h.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no terminal status for %s, got %+v", id, h.statuses(id))
		}
	}
}

func (h *harness) submit(t *testing.T, id string, doc deployment.Document) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal document: %v", err)
	}
	return h.service.Submit(deployment.Deployment{ID: id, Type: deployment.TypeLocal, Document: data})
}

// deploy submits doc and waits for its terminal status.
func (h *harness) deploy(t *testing.T, id string, doc deployment.Document) deployment.StatusUpdate {
	t.Helper()
	return h.waitTerminal(t, h.submit(t, id, doc))
}

func (h *harness) state(name string) graph.Component {
	c, _ := h.graph.Component(name)
	return c
}

// effectiveConfig decodes the configuration persisted for the next launch.
func effectiveConfig(t *testing.T, h *harness) map[string]configtree.Component {
	t.Helper()
	data, ok, err := h.store.EffectiveConfig()
	if err != nil || !ok {
		t.Fatalf("EffectiveConfig() = ok %v, error %v", ok, err)
	}
	effective, err := configtree.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return effective
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func hardDep(name string) []configtree.Dependency {
	return []configtree.Dependency{{Name: name, Type: graph.DependencyHard}}
}

func docOf(components map[string]configtree.Component) deployment.Document {
	return deployment.Document{Components: components}
}

func shutdownOf(t *testing.T, err error) *deployment.ShutdownError {
	t.Helper()
	var se *deployment.ShutdownError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *deployment.ShutdownError", err)
	}
	return se
}
