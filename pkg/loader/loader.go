// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package loader installs the hooks declared in configuration into a hook
// registry, and replaces them when the configuration is reloaded.
package loader

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/vmihook/pkg/config"
	"github.com/mbeema/vmihook/pkg/hook"
)

// Registry is the subset of the hook registry the loader drives.
// *hook.Registry and *hook.Locked both satisfy it.
type Registry interface {
	AddProcessHook(cr3, addr uint64, label string, fn hook.Func) (hook.Descriptor, error)
	AddUniversalHook(addr uint64, label string, fn hook.Func) (hook.Descriptor, error)
	Disable(d hook.Descriptor) error
	Delete(d hook.Descriptor) error
	Lookup(d hook.Descriptor) (hook.Record, error)
}

// Counter receives "count" action events.
type Counter interface {
	HookFired(label string)
}

// Event is what a "log" action expects as its argument. Other values are
// logged as-is.
type Event struct {
	CR3  uint64
	Addr uint64
}

// Loader owns the hooks it installed. Hooks added to the registry by other
// code are never touched, even when they reuse a descriptor the loader once
// held.
type Loader struct {
	reg     Registry
	counter Counter
	logger  *zap.Logger

	mu        sync.Mutex
	installed []hook.Record
}

// New creates a loader. counter may be nil, in which case "count" actions
// are no-ops.
func New(reg Registry, counter Counter, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{reg: reg, counter: counter, logger: logger}
}

// Apply removes every hook from the previous Apply and installs defs. A bad
// definition is reported in the returned error but does not stop the rest.
// It returns the number of hooks installed.
func (l *Loader) Apply(defs []config.HookDef) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs error
	for _, rec := range l.installed {
		if !l.owns(rec) {
			l.logger.Debug("hook no longer owned, leaving it",
				zap.Int32("descriptor", int32(rec.Descriptor)),
				zap.String("label", rec.Label),
			)
			continue
		}
		if err := l.reg.Delete(rec.Descriptor); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove hook %d: %w", rec.Descriptor, err))
		}
	}
	l.installed = l.installed[:0]

	for i, def := range defs {
		rec, err := l.install(def)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("hooks[%d] %q: %w", i, def.Label, err))
			continue
		}
		l.installed = append(l.installed, rec)
	}

	l.logger.Info("hooks applied",
		zap.Int("installed", len(l.installed)),
		zap.Int("failed", len(defs)-len(l.installed)),
	)
	return len(l.installed), errs
}

// owns reports whether the descriptor in rec still names the hook the loader
// installed. Another caller may have deleted it and been handed the same
// descriptor for a hook of its own.
func (l *Loader) owns(rec hook.Record) bool {
	cur, err := l.reg.Lookup(rec.Descriptor)
	if err != nil {
		return false
	}
	return cur.CR3 == rec.CR3 && cur.Addr == rec.Addr &&
		cur.Label == rec.Label && cur.Universal == rec.Universal
}

func (l *Loader) install(def config.HookDef) (hook.Record, error) {
	fn, err := l.Action(def)
	if err != nil {
		return hook.Record{}, err
	}

	var d hook.Descriptor
	if def.Universal {
		d, err = l.reg.AddUniversalHook(uint64(def.Addr), def.Label, fn)
	} else {
		d, err = l.reg.AddProcessHook(uint64(def.CR3), uint64(def.Addr), def.Label, fn)
	}
	if err != nil {
		return hook.Record{}, err
	}

	if !def.IsEnabled() {
		if err := l.reg.Disable(d); err != nil {
			if derr := l.reg.Delete(d); derr != nil {
				err = multierr.Append(err, fmt.Errorf("roll back hook %d: %w", d, derr))
			}
			return hook.Record{}, err
		}
	}
	return l.reg.Lookup(d)
}

// Action builds the callback for def.
func (l *Loader) Action(def config.HookDef) (hook.Func, error) {
	switch def.Action {
	case "", "log":
		label, cr3, addr := def.Label, uint64(def.CR3), uint64(def.Addr)
		return func(arg any) any {
			fields := []zap.Field{
				zap.String("label", label),
				zap.Uint64("cr3", cr3),
				zap.Uint64("addr", addr),
			}
			if ev, ok := arg.(Event); ok {
				fields = append(fields, zap.Uint64("current_cr3", ev.CR3))
			} else if arg != nil {
				fields = append(fields, zap.Any("arg", arg))
			}
			l.logger.Info("hook fired", fields...)
			return nil
		}, nil
	case "count":
		label := def.Label
		return func(any) any {
			if l.counter != nil {
				l.counter.HookFired(label)
			}
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", def.Action)
	}
}

// Installed returns the descriptors from the last Apply.
func (l *Loader) Installed() []hook.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hook.Descriptor, len(l.installed))
	for i, rec := range l.installed {
		out[i] = rec.Descriptor
	}
	return out
}
