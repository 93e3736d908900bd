package fault

import (
	"fmt"
	"sync"

	"edgeagent/internal/check"
)

// Hook decides from the call arguments whether a point fails.
type Hook func(args ...any) error

type rule struct {
	queued []error
	always error
	hook   Hook
}

// Injector scripts failures for named points of fake adapters. A point is
// an operation name such as "store.save_stage".
type Injector struct {
	mu    sync.Mutex
	rules map[string]*rule
}

func NewInjector() *Injector {
	return &Injector{rules: make(map[string]*rule)}
}

func (i *Injector) ruleLocked(point string) *rule {
	r, ok := i.rules[point]
	if !ok {
		r = &rule{}
		i.rules[point] = r
	}
	return r
}

// FailOnce queues err for the next evaluation of point. Queued errors are
// consumed in order.
func (i *Injector) FailOnce(point string, err error) {
	check.Assert(point != "" && err != nil, "fault.FailOnce: point and err are required")
	i.mu.Lock()
	r := i.ruleLocked(point)
	r.queued = append(r.queued, err)
	i.mu.Unlock()
}

// FailAlways makes every evaluation of point fail with err.
func (i *Injector) FailAlways(point string, err error) {
	check.Assert(point != "" && err != nil, "fault.FailAlways: point and err are required")
	i.mu.Lock()
	i.ruleLocked(point).always = err
	i.mu.Unlock()
}

// SetHook installs an argument-aware hook on point.
func (i *Injector) SetHook(point string, hook Hook) {
	check.Assert(point != "" && hook != nil, "fault.SetHook: point and hook are required")
	i.mu.Lock()
	i.ruleLocked(point).hook = hook
	i.mu.Unlock()
}

// Clear drops every rule of point.
func (i *Injector) Clear(point string) {
	i.mu.Lock()
	delete(i.rules, point)
	i.mu.Unlock()
}

// Reset drops every rule.
func (i *Injector) Reset() {
	i.mu.Lock()
	i.rules = make(map[string]*rule)
	i.mu.Unlock()
}

// Eval reports the scripted failure for one call of point. The hook runs
// first, then queued errors, then the permanent error.
func (i *Injector) Eval(point string, args ...any) error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	r, ok := i.rules[point]
	if !ok {
		i.mu.Unlock()
		return nil
	}
	hook, always := r.hook, r.always
	var queued error
	if len(r.queued) > 0 {
		queued, r.queued = r.queued[0], r.queued[1:]
	}
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("injected %s: %w", point, err)
		}
	}
	if queued != nil {
		return fmt.Errorf("injected %s: %w", point, queued)
	}
	if always != nil {
		return fmt.Errorf("injected %s: %w", point, always)
	}
	return nil
}
