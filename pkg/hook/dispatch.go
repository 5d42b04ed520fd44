// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "fmt"

// Invalidator is the code-translation cache. Invalidate must drop (or mark
// for re-translation) every cached block so new hooks get instrumented.
type Invalidator interface {
	Invalidate() error
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func() error

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate() error { return f() }

// Hooked reports whether execution at addr in the process cr3 reaches any
// site, universal or process-specific. Disabled callbacks still count: the
// site stays instrumented.
func (r *Registry) Hooked(cr3, addr uint64) bool {
	if r.universalSite(addr) != nil {
		return true
	}
	return cr3 != UniversalCR3 && r.lookupSite(siteKey{cr3: cr3, addr: addr}) != nil
}

// Callbacks returns the records relevant to (cr3, addr): universal ones first,
// then the process's own, each in registration order.
func (r *Registry) Callbacks(cr3, addr uint64) []Record {
	var records []Record
	r.relevant(cr3, addr, func(cb *callback) {
		records = append(records, cb.record())
	})
	return records
}

// Dispatch invokes every enabled callback relevant to (cr3, addr) with arg
// and returns how many ran.
func (r *Registry) Dispatch(cr3, addr uint64, arg any) int {
	return r.fire(r.collectAt(cr3, addr), arg, true)
}

func (r *Registry) collectAt(cr3, addr uint64) []*callback {
	var cbs []*callback
	r.relevant(cr3, addr, func(cb *callback) {
		cbs = append(cbs, cb)
	})
	return cbs
}

func (r *Registry) relevant(cr3, addr uint64, visit func(*callback)) {
	if s := r.universalSite(addr); s != nil {
		for _, cb := range s.callbacks {
			visit(cb)
		}
	}
	if cr3 == UniversalCR3 {
		return
	}
	if s := r.lookupSite(siteKey{cr3: cr3, addr: addr}); s != nil {
		for _, cb := range s.callbacks {
			visit(cb)
		}
	}
}

func (r *Registry) universalSite(addr uint64) *site {
	if !IsKernelAddr(addr) {
		return nil
	}
	return r.lookupSite(siteKey{cr3: UniversalCR3, addr: addr})
}

// Pending reports whether hooks were added since the flag was last cleared.
func (r *Registry) Pending() bool {
	return r.pending
}

// ClearPending resets the pending flag. Only the translation cache should
// call it, after re-translating.
func (r *Registry) ClearPending() {
	r.pending = false
}

// FlushPending invalidates the translation cache if hooks are pending and
// clears the flag once inv succeeds. It reports whether a flush happened.
func (r *Registry) FlushPending(inv Invalidator) (bool, error) {
	if !r.pending {
		return false, nil
	}
	if err := inv.Invalidate(); err != nil {
		return false, fmt.Errorf("invalidate translations: %w", err)
	}
	r.pending = false
	return true, nil
}
