// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// AddProcessHook registers fn at addr inside the process whose page-table
// base is cr3. Any address is accepted. Callbacks at the same site fire in
// registration order. On success the pending flag is raised.
func (r *Registry) AddProcessHook(cr3, addr uint64, label string, fn Func) (Descriptor, error) {
	return r.checked(r.add(cr3, addr, label, fn))
}

// AddUniversalHook registers fn at a kernel address for every process.
func (r *Registry) AddUniversalHook(addr uint64, label string, fn Func) (Descriptor, error) {
	return r.checked(r.add(UniversalCR3, addr, label, fn))
}

func (r *Registry) checked(d Descriptor, err error) (Descriptor, error) {
	if err != nil {
		r.logger.Debug("hook rejected", zap.Error(err))
		if r.observer.OnReject != nil {
			r.observer.OnReject(err)
		}
	}
	return d, err
}

func (r *Registry) add(cr3, addr uint64, label string, fn Func) (Descriptor, error) {
	// The slot is only claimed by bind, so the early returns below hold nothing.
	d, err := r.table.allocate()
	if err != nil {
		return -1, fmt.Errorf("add hook %q at %#x: %w", label, addr, err)
	}

	if cr3 == UniversalCR3 && !IsKernelAddr(addr) {
		return -1, fmt.Errorf("add universal hook %q at %#x: %w", label, addr, ErrInvalidAddress)
	}
	if len(label) >= r.maxLabel {
		return -1, fmt.Errorf("add hook at %#x: %d byte label, limit %d: %w", addr, len(label), r.maxLabel-1, ErrInvalidLabel)
	}
	if fn == nil {
		return -1, fmt.Errorf("add hook %q at %#x: %w", label, addr, ErrInvalidCallback)
	}

	sc, scopeCreated, err := r.findOrCreateScope(cr3)
	if err != nil {
		return -1, fmt.Errorf("add hook %q: scope %#x: %w", label, cr3, err)
	}
	s, err := r.findOrCreateSite(sc, addr)
	if err != nil {
		if scopeCreated {
			r.removeScopeIfEmpty(sc)
		}
		return -1, fmt.Errorf("add hook %q: site %#x/%#x: %w", label, cr3, addr, err)
	}

	cb := &callback{
		site:      s.key,
		desc:      d,
		enabled:   true,
		universal: s.key.cr3 == UniversalCR3,
		label:     label,
		fn:        fn,
	}
	s.callbacks = append(s.callbacks, cb)
	r.table.bind(d, cb)
	r.pending = true

	r.logger.Debug("hook added",
		zap.Int32("descriptor", int32(d)),
		zap.Uint64("cr3", cr3),
		zap.Uint64("addr", addr),
		zap.String("label", label),
	)
	if r.observer.OnAdd != nil {
		r.observer.OnAdd(cb.record())
	}
	return d, nil
}

// Enable resumes delivery to the callback behind d.
func (r *Registry) Enable(d Descriptor) error {
	return r.toggle(d, true)
}

// Disable stops delivery to the callback behind d. The site stays
// instrumented, so the pending flag is left alone.
func (r *Registry) Disable(d Descriptor) error {
	return r.toggle(d, false)
}

func (r *Registry) toggle(d Descriptor, enabled bool) error {
	cb, err := r.table.resolve(d)
	if err != nil {
		return err
	}
	cb.enabled = enabled
	r.logger.Debug("hook toggled", zap.Int32("descriptor", int32(d)), zap.Bool("enabled", enabled))
	return nil
}

// Delete removes the callback behind d. The site is dropped when it has no
// callbacks left. d may be handed out again by a later Add.
func (r *Registry) Delete(d Descriptor) error {
	cb, err := r.table.resolve(d)
	if err != nil {
		return err
	}

	if s := r.lookupSite(cb.site); s != nil {
		if i := slices.Index(s.callbacks, cb); i >= 0 {
			s.callbacks = slices.Delete(s.callbacks, i, i+1)
		}
		r.removeSiteIfEmpty(s)
	}
	r.table.release(d)

	r.logger.Debug("hook deleted",
		zap.Int32("descriptor", int32(d)),
		zap.Uint64("cr3", cb.site.cr3),
		zap.Uint64("addr", cb.site.addr),
	)
	if r.observer.OnDelete != nil {
		r.observer.OnDelete(cb.record())
	}
	return nil
}
