package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"edgeagent/internal/check"
	"edgeagent/internal/clock"
	"edgeagent/internal/configtree"
	"edgeagent/internal/graph"
)

const (
	defaultMaxErrorRestarts = 3
	defaultStopTimeout      = 10 * time.Second
)

// LoadError reports a component whose definition could not be turned into
// an instance.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load component %s: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type component struct {
	name    string
	cfg     configtree.Component
	inst    Instance
	cancel  context.CancelFunc
	gen     uint64
	errors  int
	desired bool
	started bool
}

// Manager runs components described by the configuration tree and records
// their lifecycle in the graph. It subscribes to the tree at construction;
// every reported state is applied on the tree's publish queue.
type Manager struct {
	graph    *graph.Graph
	tree     *configtree.Tree
	registry *Registry
	launcher Launcher
	clock    clock.Clock
	logger   *slog.Logger

	maxErrorRestarts int
	stopTimeout      time.Duration
	listeners        []StateListener

	mu         sync.Mutex
	components map[string]*component
	unloadable map[string]error
}

// Option configures a Manager.
type Option func(*Manager)

func WithRegistry(r *Registry) Option { return func(m *Manager) { m.registry = r } }
func WithLauncher(l Launcher) Option { return func(m *Manager) { m.launcher = l } }
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }
func WithStopTimeout(d time.Duration) Option { return func(m *Manager) { m.stopTimeout = d } }

// WithMaxErrorRestarts sets how many ERRORED reports are answered with a
// restart before the component is marked BROKEN.
func WithMaxErrorRestarts(n int) Option {
	return func(m *Manager) { m.maxErrorRestarts = n }
}

// WithStateListener observes every applied transition.
func WithStateListener(l StateListener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// New creates a Manager and subscribes it to tree.
func New(g *graph.Graph, tree *configtree.Tree, opts ...Option) *Manager {
	check.Assert(g != nil, "lifecycle.New: graph must not be nil")
	check.Assert(tree != nil, "lifecycle.New: tree must not be nil")
	m := &Manager{
		graph:            g,
		tree:             tree,
		registry:         NewRegistry(),
		launcher:         ExternalLauncher{},
		clock:            clock.Real{},
		logger:           slog.Default(),
		maxErrorRestarts: defaultMaxErrorRestarts,
		stopTimeout:      defaultStopTimeout,
		components:       make(map[string]*component),
		unloadable:       make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	tree.Subscribe(m)
	return m
}

// OnConfigChange keeps graph edges in step with configuration and restarts
// loaded components whose configuration changed.
func (m *Manager) OnConfigChange(ev configtree.Event) error {
	switch ev.Kind {
	case configtree.EventAdded, configtree.EventUpdated:
		if err := m.graph.SetDependencies(ev.Name, ev.New.DependencyKinds()); err != nil {
			return err
		}
		m.graph.SetAutoStart(ev.Name, ev.New.ShouldAutoStart())
		if ev.Kind == configtree.EventUpdated {
			return m.applyUpdate(ev.Name, ev.New)
		}
	}
	return nil
}

func (m *Manager) applyUpdate(name string, cfg configtree.Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return nil
	}
	c.cfg = cfg
	c.errors = 0
	wasRunning := c.started
	m.stopInstanceLocked(context.Background(), c)
	if wasRunning {
		m.setStateLocked(name, graph.StateInstalled)
	}
	if !c.desired {
		return nil
	}
	if err := m.locateLocked(name, make(map[string]bool)); err != nil {
		return err
	}
	m.tryStartLocked(c)
	return nil
}

// Locate builds instances for name and its HARD dependencies.
func (m *Manager) Locate(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locateLocked(name, make(map[string]bool))
}

func (m *Manager) locateLocked(name string, seen map[string]bool) error {
	if seen[name] {
		return nil
	}
	seen[name] = true

	c, ok := m.components[name]
	if !ok || c.inst == nil {
		cfg, found := m.tree.Get(name)
		if !found {
			err := errors.New("no configuration")
			m.unloadable[name] = err
			return &LoadError{Name: name, Err: err}
		}
		inst, err := m.build(name, cfg)
		if err != nil {
			m.unloadable[name] = err
			return &LoadError{Name: name, Err: err}
		}
		if !ok {
			c = &component{name: name}
			m.components[name] = c
		}
		c.cfg = cfg
		c.inst = inst
		c.gen++
		c.started = false
		delete(m.unloadable, name)
		m.graph.Ensure(name)
		if view, _ := m.graph.Component(name); view.State == graph.StateNew {
			m.setStateLocked(name, graph.StateInstalled)
		}
	}

	for _, dep := range hardDependencies(c.cfg) {
		if err := m.locateLocked(dep, seen); err != nil {
			return fmt.Errorf("dependency of %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) build(name string, cfg configtree.Component) (Instance, error) {
	if cfg.Kind == configtree.KindPlugin {
		f, ok := m.registry.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("no plugin registered for %s", name)
		}
		return f(name, cfg)
	}
	return m.launcher.Launch(name, cfg)
}

// Start loads name if needed and starts it once its HARD dependencies are
// ready. Auto-startable HARD dependencies that are not yet wanted are
// started as well.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(name, make(map[string]bool))
}

func (m *Manager) startLocked(name string, seen map[string]bool) error {
	if seen[name] {
		return nil
	}
	seen[name] = true
	if err := m.locateLocked(name, make(map[string]bool)); err != nil {
		return err
	}
	c := m.components[name]
	c.desired = true
	for _, dep := range hardDependencies(c.cfg) {
		d := m.components[dep]
		if d != nil && !d.desired && d.cfg.ShouldAutoStart() {
			if err := m.startLocked(dep, seen); err != nil {
				return err
			}
		}
	}
	m.tryStartLocked(c)
	return nil
}

func (m *Manager) tryStartLocked(c *component) {
	if !c.desired || c.started || c.inst == nil {
		return
	}
	for _, dep := range hardDependencies(c.cfg) {
		view, ok := m.graph.Component(dep)
		if !ok || !view.State.Ready() {
			return
		}
	}

	c.started = true
	m.setStateLocked(c.name, graph.StateStarting)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if err := c.inst.Start(ctx, m.reporter(c.name, c.gen)); err != nil {
		m.logger.Warn("component start failed", "component", c.name, "err", err)
		m.erroredLocked(c)
	}
}

func (m *Manager) reporter(name string, gen uint64) Reporter {
	return func(state graph.State) {
		m.tree.Publish(func() { m.handleReport(name, gen, state) })
	}
}

func (m *Manager) handleReport(name string, gen uint64, state graph.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok || c.gen != gen || !c.started {
		return
	}
	if state == graph.StateErrored {
		m.erroredLocked(c)
	} else {
		m.setStateLocked(name, state)
	}
	m.reconcileLocked()
}

func (m *Manager) erroredLocked(c *component) {
	m.setStateLocked(c.name, graph.StateErrored)
	c.errors++
	m.stopInstanceLocked(context.Background(), c)
	if c.errors > m.maxErrorRestarts {
		m.setStateLocked(c.name, graph.StateBroken)
		m.logger.Warn("component broken", "component", c.name, "errors", c.errors)
		return
	}
	m.logger.Info("restarting errored component", "component", c.name, "attempt", c.errors)
	if err := m.locateLocked(c.name, make(map[string]bool)); err != nil {
		m.setStateLocked(c.name, graph.StateBroken)
		m.logger.Warn("component broken", "component", c.name, "err", err)
		return
	}
	m.tryStartLocked(c)
}

func (m *Manager) reconcileLocked() {
	for _, name := range slices.Sorted(maps.Keys(m.components)) {
		m.tryStartLocked(m.components[name])
	}
}

// stopInstanceLocked stops the current incarnation and invalidates its
// pending reports. It does not touch the graph state.
func (m *Manager) stopInstanceLocked(ctx context.Context, c *component) {
	if c.inst != nil && c.started {
		stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
		if err := c.inst.Stop(stopCtx); err != nil {
			m.logger.Warn("component stop failed", "component", c.name, "err", err)
		}
		cancel()
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inst = nil
	c.gen++
	c.started = false
}

func (m *Manager) setStateLocked(name string, state graph.State) {
	at := m.clock.Now()
	prev, err := m.graph.SetState(name, state, at)
	if err != nil {
		m.logger.Debug("ignored component state", "component", name, "state", state.String(), "err", err)
		return
	}
	m.logger.Debug("component state changed", "component", name, "from", prev.String(), "to", state.String())
	for _, l := range m.listeners {
		l(name, prev, state, at)
	}
}

// Stop stops name and leaves it FINISHED.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return nil
	}
	c.desired = false
	if !c.started {
		m.stopInstanceLocked(ctx, c)
		return nil
	}
	m.setStateLocked(name, graph.StateStopping)
	m.stopInstanceLocked(ctx, c)
	m.setStateLocked(name, graph.StateFinished)
	return nil
}

// Reinstall discards the current instance of name and starts a fresh one.
// Used to give BROKEN components another chance.
func (m *Manager) Reinstall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if ok {
		c.errors = 0
		m.stopInstanceLocked(context.Background(), c)
	}
	delete(m.unloadable, name)
	m.setStateLocked(name, graph.StateInstalled)
	if err := m.locateLocked(name, make(map[string]bool)); err != nil {
		return err
	}
	c = m.components[name]
	if c.cfg.ShouldAutoStart() {
		c.desired = true
	}
	m.tryStartLocked(c)
	return nil
}

// ReplaceUnloadable retries loading a component that previously failed to
// load, using its current configuration.
func (m *Manager) ReplaceUnloadable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unloadable, name)
	if c, ok := m.components[name]; ok {
		m.stopInstanceLocked(context.Background(), c)
	}
	if err := m.locateLocked(name, make(map[string]bool)); err != nil {
		return err
	}
	c := m.components[name]
	if c.cfg.ShouldAutoStart() {
		c.desired = true
	}
	m.tryStartLocked(c)
	return nil
}

// Unloadable lists components whose last load failed.
func (m *Manager) Unloadable() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.unloadable))
}

// RemoveObsolete stops the named components, dependents first, and drops
// them from the graph and the configuration tree.
func (m *Manager) RemoveObsolete(ctx context.Context, names []string) error {
	err := m.graph.RemoveObsolete(names, func(name string) error {
		m.forget(ctx, name)
		return nil
	})
	at := m.clock.Now()
	for _, name := range names {
		if _, still := m.graph.Component(name); !still {
			m.tree.Remove(at, name)
		}
	}
	return err
}

func (m *Manager) forget(ctx context.Context, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unloadable, name)
	c, ok := m.components[name]
	if !ok {
		return
	}
	c.desired = false
	if c.started {
		m.setStateLocked(name, graph.StateStopping)
	}
	m.stopInstanceLocked(ctx, c)
	delete(m.components, name)
	m.logger.Info("removed component", "component", name)
}

// Launch starts every auto-startable configured component in dependency
// order. Failures are logged and returned joined; launching continues.
func (m *Manager) Launch(ctx context.Context) error {
	if err := m.tree.Drain(ctx); err != nil {
		m.logger.Warn("configuration listeners failed before launch", "err", err)
	}
	order := m.graph.OrderedDependencies()
	configured := m.tree.Components()
	if len(order) < m.graph.Snapshot().Len() {
		m.logger.Warn("dependency cycle detected, cyclic components are not launched")
	}

	var errs []error
	for _, name := range order {
		cfg, ok := configured[name]
		if !ok || !cfg.ShouldAutoStart() {
			continue
		}
		if err := m.Start(name); err != nil {
			m.logger.Warn("component launch failed", "component", name, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AutoStartable returns every component eligible to auto-start, excluding
// anything that transitively HARD-depends on a component that does not.
func (m *Manager) AutoStartable() map[string]bool {
	snap := m.graph.Snapshot()
	var manual []string
	for _, name := range snap.Names() {
		if c, _ := snap.Component(name); !c.AutoStart {
			manual = append(manual, name)
		}
	}
	excluded := make(map[string]bool)
	for _, name := range manual {
		excluded[name] = true
	}
	for _, name := range snap.FindDependers(manual) {
		excluded[name] = true
	}

	out := make(map[string]bool)
	for _, name := range snap.Names() {
		if !excluded[name] {
			out[name] = true
		}
	}
	return out
}

// Close stops every component, dependents first.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	names := slices.Collect(maps.Keys(m.components))
	m.mu.Unlock()
	var errs []error
	for _, name := range m.graph.Snapshot().RemovalOrder(names) {
		if err := m.Stop(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func hardDependencies(cfg configtree.Component) []string {
	var out []string
	for name, kind := range cfg.DependencyKinds() {
		if kind == graph.DependencyHard {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
