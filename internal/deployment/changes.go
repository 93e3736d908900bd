package deployment

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"edgeagent/internal/configtree"
	"edgeagent/internal/graph"
)

// ChangeManager is the difference between the running configuration and a
// target configuration.
type ChangeManager struct {
	Added   []string
	Updated []string
	Removed []string
	target  map[string]configtree.Component
}

// Diff compares current against target. Components missing from target
// are obsolete.
func Diff(current, target map[string]configtree.Component) ChangeManager {
	cm := ChangeManager{target: target}
	for _, name := range slices.Sorted(maps.Keys(target)) {
		prev, ok := current[name]
		switch {
		case !ok:
			cm.Added = append(cm.Added, name)
		case !prev.Equal(target[name].Normalize()):
			cm.Updated = append(cm.Updated, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(current)) {
		if _, ok := target[name]; !ok {
			cm.Removed = append(cm.Removed, name)
		}
	}
	return cm
}

// Empty reports whether applying the target changes nothing.
func (c ChangeManager) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ToTrack returns the added or updated components eligible to auto-start.
func (c ChangeManager) ToTrack(autoStartable map[string]bool) []string {
	var out []string
	for _, name := range slices.Concat(c.Added, c.Updated) {
		if autoStartable[name] {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// StartNew starts added and updated components that auto-start, in
// dependency order.
func (c ChangeManager) StartNew(rt Runtime, g *graph.Graph) error {
	changed := make(map[string]bool, len(c.Added)+len(c.Updated))
	for _, name := range slices.Concat(c.Added, c.Updated) {
		changed[name] = true
	}
	order := g.OrderedDependencies()
	for name := range changed {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}

	var errs []error
	for _, name := range order {
		cfg, ok := c.target[name]
		if !changed[name] || !ok || !cfg.ShouldAutoStart() {
			continue
		}
		if err := rt.Start(name); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ReplaceUnloadable retries every component that failed to load under its
// previous definition and is still part of the target.
func (c ChangeManager) ReplaceUnloadable(rt Runtime) error {
	var errs []error
	for _, name := range rt.Unloadable() {
		if _, ok := c.target[name]; !ok {
			continue
		}
		if err := rt.ReplaceUnloadable(name); err != nil {
			errs = append(errs, fmt.Errorf("replace unloadable %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ReinstallBroken gives every BROKEN component of the target another start.
func (c ChangeManager) ReinstallBroken(rt Runtime, g *graph.Graph) error {
	var errs []error
	for _, name := range Broken(g) {
		if _, ok := c.target[name]; !ok {
			continue
		}
		if err := rt.Reinstall(name); err != nil {
			errs = append(errs, fmt.Errorf("reinstall %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Remediate runs the three passes applied under the merge barrier.
func (c ChangeManager) Remediate(rt Runtime, g *graph.Graph) error {
	return errors.Join(
		c.StartNew(rt, g),
		c.ReplaceUnloadable(rt),
		c.ReinstallBroken(rt, g),
	)
}

// RemoveObsolete stops and drops components the target no longer names.
func (c ChangeManager) RemoveObsolete(ctx context.Context, rt Runtime) error {
	if len(c.Removed) == 0 {
		return nil
	}
	return rt.RemoveObsolete(ctx, c.Removed)
}

// Broken lists components currently BROKEN.
func Broken(g *graph.Graph) []string {
	snap := g.Snapshot()
	var out []string
	for _, name := range snap.Names() {
		if c, _ := snap.Component(name); c.State == graph.StateBroken {
			out = append(out, name)
		}
	}
	return out
}
