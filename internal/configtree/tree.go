package configtree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"edgeagent/internal/check"
)

// EventKind classifies a configuration change.
type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventUpdated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event describes one component entry change.
type Event struct {
	Kind EventKind
	Name string
	Old  Component
	New  Component
	At   time.Time
}

// Observer receives configuration changes on the publish queue, one at a
// time, in merge order. A returned error is surfaced by the next barrier.
type Observer interface {
	OnConfigChange(ev Event) error
}

type entry struct {
	component Component
	modTime   time.Time
}

// Tree is the transactional configuration tree. Writes apply immediately;
// observer notification fans out asynchronously through a single ordered
// publish queue that Run drains.
type Tree struct {
	mu        sync.RWMutex
	entries   map[string]entry
	observers []Observer

	queue *publishQueue
	// failures is only touched from the publish goroutine.
	failures []error

	logger *slog.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the tree logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tree) { t.logger = l }
}

// WithObserver subscribes o at construction.
func WithObserver(o Observer) Option {
	return func(t *Tree) { t.observers = append(t.observers, o) }
}

// New creates an empty tree. Run must be started to deliver notifications.
func New(opts ...Option) *Tree {
	t := &Tree{
		entries: make(map[string]entry),
		queue:   newPublishQueue(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe adds an observer for later changes.
func (t *Tree) Subscribe(o Observer) {
	check.Assert(o != nil, "configtree.Subscribe: observer must not be nil")
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

// Run drains the publish queue until ctx is done.
func (t *Tree) Run(ctx context.Context) error {
	t.queue.run(ctx)
	return nil
}

// Publish enqueues fn behind every pending notification. It never blocks.
func (t *Tree) Publish(fn func()) {
	t.queue.push(fn)
}

// RunOnPublishQueueAndWait runs fn on the publish queue after every change
// already queued has been delivered, and waits for it. The result joins
// observer failures recorded since the previous barrier with fn's error.
func (t *Tree) RunOnPublishQueueAndWait(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	t.queue.push(func() {
		var err error
		if fn != nil {
			err = fn()
		}
		failures := t.failures
		t.failures = nil
		done <- errors.Join(append(failures, err)...)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Drain waits for every queued notification to be delivered.
func (t *Tree) Drain(ctx context.Context) error {
	return t.RunOnPublishQueueAndWait(ctx, nil)
}

// Merge adds or replaces the given components. Entries not named are kept.
// It returns the names whose configuration changed.
func (t *Tree) Merge(at time.Time, components map[string]Component) ([]string, error) {
	if err := Validate(components); err != nil {
		return nil, fmt.Errorf("merge configuration: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(at, components, false), nil
}

// Replace makes the tree hold exactly the given components.
func (t *Tree) Replace(at time.Time, components map[string]Component) ([]string, error) {
	if err := Validate(components); err != nil {
		return nil, fmt.Errorf("replace configuration: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(at, components, true), nil
}

// Remove deletes one component entry.
func (t *Tree) Remove(at time.Time, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.entries[name]
	if !ok {
		return false
	}
	delete(t.entries, name)
	t.notifyLocked(Event{Kind: EventRemoved, Name: name, Old: old.component, At: at})
	return true
}

func (t *Tree) applyLocked(at time.Time, components map[string]Component, prune bool) []string {
	var changed []string
	for _, name := range slices.Sorted(maps.Keys(components)) {
		next := components[name].Normalize()
		old, exists := t.entries[name]
		if exists && old.component.Equal(next) {
			continue
		}
		t.entries[name] = entry{component: next, modTime: at}
		changed = append(changed, name)
		if exists {
			t.notifyLocked(Event{Kind: EventUpdated, Name: name, Old: old.component, New: next, At: at})
		} else {
			t.notifyLocked(Event{Kind: EventAdded, Name: name, New: next, At: at})
		}
	}
	if prune {
		for _, name := range slices.Sorted(maps.Keys(t.entries)) {
			if _, keep := components[name]; keep {
				continue
			}
			old := t.entries[name]
			delete(t.entries, name)
			changed = append(changed, name)
			t.notifyLocked(Event{Kind: EventRemoved, Name: name, Old: old.component, At: at})
		}
	}
	return changed
}

func (t *Tree) notifyLocked(ev Event) {
	observers := slices.Clone(t.observers)
	t.queue.push(func() {
		for _, o := range observers {
			if err := o.OnConfigChange(ev); err != nil {
				t.logger.Warn("configuration listener failed", "component", ev.Name, "change", ev.Kind.String(), "err", err)
				t.failures = append(t.failures, fmt.Errorf("apply %s change to %s: %w", ev.Kind, ev.Name, err))
			}
		}
	})
}

// Get returns one component's configuration.
func (t *Tree) Get(name string) (Component, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	return e.component, ok
}

// ModTime returns when a component's configuration last changed.
func (t *Tree) ModTime(name string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	return e.modTime, ok
}

// Components returns a copy of every entry.
func (t *Tree) Components() map[string]Component {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Component, len(t.entries))
	for name, e := range t.entries {
		out[name] = e.component
	}
	return out
}

// Snapshot serializes the whole tree.
func (t *Tree) Snapshot() ([]byte, error) {
	return Encode(t.Components())
}

// Restore replaces the tree with a serialized snapshot.
func (t *Tree) Restore(at time.Time, data []byte) ([]string, error) {
	components, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("restore configuration: %w", err)
	}
	return t.Replace(at, components)
}

type document struct {
	Components map[string]Component `yaml:"components"`
}

// Encode serializes a component set.
func Encode(components map[string]Component) ([]byte, error) {
	data, err := yaml.Marshal(document{Components: components})
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return data, nil
}

// Decode parses a component set written by Encode.
func Decode(data []byte) (map[string]Component, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if doc.Components == nil {
		doc.Components = make(map[string]Component)
	}
	return doc.Components, nil
}
