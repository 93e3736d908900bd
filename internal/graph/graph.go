package graph

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Component is a point-in-time view of one graph node.
type Component struct {
	Name           string
	State          State
	StateChangedAt time.Time
	AutoStart      bool
	Dependencies   map[string]DependencyKind
	Dependers      map[string]DependencyKind
}

type node struct {
	name      string
	state     State
	changedAt time.Time
	autoStart bool
	deps      map[string]DependencyKind
	dependers map[string]DependencyKind
}

func newNode(name string) *node {
	return &node{
		name:      name,
		state:     StateNew,
		autoStart: true,
		deps:      make(map[string]DependencyKind),
		dependers: make(map[string]DependencyKind),
	}
}

func (n *node) view() Component {
	return Component{
		Name:           n.name,
		State:          n.state,
		StateChangedAt: n.changedAt,
		AutoStart:      n.autoStart,
		Dependencies:   maps.Clone(n.deps),
		Dependers:      maps.Clone(n.dependers),
	}
}

// Graph holds components and their dependency edges. Writers are serialized
// by the caller (the configuration publish queue or the deployment executor);
// readers get copy-on-read snapshots and never see a partial mutation.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	version uint64
	changed chan struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[string]*node),
		changed: make(chan struct{}),
	}
}

// Changed returns a channel closed on the next mutation. Callers re-read the
// channel after every wake-up.
func (g *Graph) Changed() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.changed
}

// bump must be called with the write lock held.
func (g *Graph) bump() {
	g.version++
	close(g.changed)
	g.changed = make(chan struct{})
}

// Ensure creates the component if it does not exist and reports whether it did.
func (g *Graph) Ensure(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[name]; ok {
		return false
	}
	g.nodes[name] = newNode(name)
	g.bump()
	return true
}

func (g *Graph) ensureLocked(name string) *node {
	n, ok := g.nodes[name]
	if !ok {
		n = newNode(name)
		g.nodes[name] = n
	}
	return n
}

// AddOrUpdateDependency records from -> to. Both ends are created on first
// reference. An existing edge keeps its kind unless replace is set.
func (g *Graph) AddOrUpdateDependency(from, to string, kind DependencyKind, replace bool) error {
	if from == "" || to == "" {
		return errors.New("dependency endpoints must be named")
	}
	if kind != DependencyHard && kind != DependencySoft {
		return fmt.Errorf("add dependency %s -> %s: invalid kind %d", from, to, kind)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	src := g.ensureLocked(from)
	dst := g.ensureLocked(to)
	if existing, ok := src.deps[to]; ok && (existing == kind || !replace) {
		return nil
	}
	src.deps[to] = kind
	dst.dependers[from] = kind
	g.bump()
	return nil
}

// SetDependencies replaces every outgoing edge of from.
func (g *Graph) SetDependencies(from string, deps map[string]DependencyKind) error {
	for to, kind := range deps {
		if to == "" {
			return fmt.Errorf("set dependencies of %s: empty dependency name", from)
		}
		if kind != DependencyHard && kind != DependencySoft {
			return fmt.Errorf("set dependencies of %s: invalid kind for %s", from, to)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	src := g.ensureLocked(from)
	for to := range src.deps {
		if dst, ok := g.nodes[to]; ok {
			delete(dst.dependers, from)
		}
	}
	src.deps = make(map[string]DependencyKind, len(deps))
	for to, kind := range deps {
		dst := g.ensureLocked(to)
		src.deps[to] = kind
		dst.dependers[from] = kind
	}
	g.bump()
	return nil
}

// SetAutoStart marks whether the component is eligible to start on its own.
func (g *Graph) SetAutoStart(name string, autoStart bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.ensureLocked(name)
	if n.autoStart == autoStart {
		return
	}
	n.autoStart = autoStart
	g.bump()
}

// SetState records a lifecycle transition and returns the previous state.
func (g *Graph) SetState(name string, state State, at time.Time) (State, error) {
	if !state.IsValid() {
		return 0, fmt.Errorf("set state of %s: invalid state %d", name, state)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok {
		return 0, fmt.Errorf("set state of %s: unknown component", name)
	}
	prev := n.state
	if next := prev.Transition(state); next != state {
		return prev, fmt.Errorf("set state of %s: invalid transition %s -> %s", name, prev, state)
	}
	n.state = state
	n.changedAt = at
	g.bump()
	return prev, nil
}

// Remove drops the component and all edges touching it.
func (g *Graph) Remove(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok {
		return false
	}
	for to := range n.deps {
		if dst, ok := g.nodes[to]; ok {
			delete(dst.dependers, name)
		}
	}
	for from := range n.dependers {
		if src, ok := g.nodes[from]; ok {
			delete(src.deps, name)
		}
	}
	delete(g.nodes, name)
	g.bump()
	return true
}

// RemoveObsolete stops and removes the named components, dependents before
// their dependencies. stop may be nil. Every component is attempted; the
// joined error reports the ones whose stop failed. Those stay in the graph.
func (g *Graph) RemoveObsolete(names []string, stop func(name string) error) error {
	var errs []error
	for _, name := range g.Snapshot().RemovalOrder(names) {
		if stop != nil {
			if err := stop(name); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
				continue
			}
		}
		g.Remove(name)
	}
	return errors.Join(errs...)
}

// Component returns a view of one component.
func (g *Graph) Component(name string) (Component, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[name]
	if !ok {
		return Component{}, false
	}
	return n.view(), true
}

// OrderedDependencies is Snapshot().OrderedDependencies().
func (g *Graph) OrderedDependencies() []string {
	return g.Snapshot().OrderedDependencies()
}

// FindDependers is Snapshot().FindDependers(names).
func (g *Graph) FindDependers(names []string) []string {
	return g.Snapshot().FindDependers(names)
}

// Snapshot copies the graph under the read lock.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := &Snapshot{
		Version:    g.version,
		components: make(map[string]Component, len(g.nodes)),
	}
	for name, n := range g.nodes {
		s.components[name] = n.view()
	}
	return s
}

// Snapshot is an immutable, versioned copy of the graph.
type Snapshot struct {
	Version    uint64
	components map[string]Component
}

// Names returns every component name sorted.
func (s *Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.components))
}

// Component returns one component from the snapshot.
func (s *Snapshot) Component(name string) (Component, bool) {
	c, ok := s.components[name]
	return c, ok
}

// Len returns the number of components.
func (s *Snapshot) Len() int {
	return len(s.components)
}

// OrderedDependencies returns every component after all of its HARD
// dependencies. Components on a HARD cycle are left out, and so is anything
// that HARD-depends on them, since no valid position exists for either. The
// rest of the graph is still ordered. Callers compare the length against Len
// to detect a cycle.
func (s *Snapshot) OrderedDependencies() []string {
	return kahn(s.components, s.Names())
}

// RemovalOrder orders names so that dependents come before their HARD
// dependencies. Names on a cycle among themselves are appended last.
// Unknown names are dropped.
func (s *Snapshot) RemovalOrder(names []string) []string {
	subset := make(map[string]Component, len(names))
	for _, name := range names {
		if c, ok := s.components[name]; ok {
			subset[name] = c
		}
	}
	keys := slices.Sorted(maps.Keys(subset))
	order := kahn(subset, keys)
	if len(order) < len(keys) {
		placed := make(map[string]bool, len(order))
		for _, name := range order {
			placed[name] = true
		}
		for _, name := range keys {
			if !placed[name] {
				order = append(order, name)
			}
		}
	}
	slices.Reverse(order)
	return order
}

// FindDependers returns the components that transitively HARD-depend on any
// of names, sorted. A member of names is included only if it depends on
// another member.
func (s *Snapshot) FindDependers(names []string) []string {
	found := make(map[string]bool)
	visited := make(map[string]bool, len(names))
	queue := make([]string, 0, len(names))
	for _, name := range names {
		if !visited[name] {
			visited[name] = true
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		c, ok := s.components[cur]
		if !ok {
			continue
		}
		for depender, kind := range c.Dependers {
			if kind != DependencyHard {
				continue
			}
			found[depender] = true
			if !visited[depender] {
				visited[depender] = true
				queue = append(queue, depender)
			}
		}
	}
	return slices.Sorted(maps.Keys(found))
}

// kahn orders components restricted to the given keys over HARD edges whose
// both ends are in the set.
func kahn(components map[string]Component, keys []string) []string {
	pending := make(map[string]int, len(keys))
	for _, name := range keys {
		n := 0
		for dep, kind := range components[name].Dependencies {
			if _, ok := components[dep]; ok && kind == DependencyHard {
				n++
			}
		}
		pending[name] = n
	}

	queue := make([]string, 0, len(keys))
	for _, name := range keys {
		if pending[name] == 0 {
			queue = append(queue, name)
		}
	}

	order := make([]string, 0, len(keys))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		dependers := slices.Sorted(maps.Keys(components[cur].Dependers))
		for _, depender := range dependers {
			if components[cur].Dependers[depender] != DependencyHard {
				continue
			}
			if _, ok := pending[depender]; !ok {
				continue
			}
			pending[depender]--
			if pending[depender] == 0 {
				queue = append(queue, depender)
			}
		}
	}
	return order
}
