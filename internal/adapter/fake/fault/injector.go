// Package fault injects errors into fake adapters at named points.
package fault

import (
	"fmt"
	"strings"
	"sync"

	"caro/internal/check"
)

// Hook inspects the arguments of a call and may fail it.
type Hook func(args ...any) error

type point struct {
	queued []error
	always error
	hook   Hook
	hits   int
}

// Injector holds faults by point. Points are evaluated in this order: hook,
// queued one-shot errors, then the persistent error.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce fails the next evaluation of name with err.
func (i *Injector) FailOnce(name string, err error) {
	i.FailTimes(name, 1, err)
}

// FailTimes fails the next n evaluations of name with err.
func (i *Injector) FailTimes(name string, n int, err error) {
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	if err == nil || n <= 0 || !valid(name) {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	p := i.point(name)
	for range n {
		p.queued = append(p.queued, err)
	}
}

// FailAlways fails every evaluation of name with err until cleared.
func (i *Injector) FailAlways(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	if err == nil || !valid(name) {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.point(name).always = err
}

// SetHook installs an argument-aware hook for name.
func (i *Injector) SetHook(name string, hook Hook) {
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	if hook == nil || !valid(name) {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.point(name).hook = hook
}

// Clear removes every fault configured for name. The hit count is kept.
func (i *Injector) Clear(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.points[name]; ok {
		p.queued, p.always, p.hook = nil, nil, nil
	}
}

// Reset removes all faults and hit counts.
func (i *Injector) Reset() {
	i.mu.Lock()
	i.points = make(map[string]*point)
	i.mu.Unlock()
}

// Hits returns how many times name has been evaluated.
func (i *Injector) Hits(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p, ok := i.points[name]; ok {
		return p.hits
	}
	return 0
}

// Eval reports the fault, if any, for this evaluation of name.
func (i *Injector) Eval(name string, args ...any) error {
	check.Assert(valid(name), "fault.Injector.Eval: point must not be empty")
	if !valid(name) {
		return nil
	}

	i.mu.Lock()
	p := i.point(name)
	p.hits++
	hook := p.hook
	var queued error
	if len(p.queued) > 0 {
		queued, p.queued = p.queued[0], p.queued[1:]
	}
	always := p.always
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s (hook): %w", name, err)
		}
	}
	if queued != nil {
		return fmt.Errorf("fault %s (once): %w", name, queued)
	}
	if always != nil {
		return fmt.Errorf("fault %s (always): %w", name, always)
	}
	return nil
}

func (i *Injector) point(name string) *point {
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	return p
}

func valid(name string) bool {
	return strings.TrimSpace(name) != ""
}
