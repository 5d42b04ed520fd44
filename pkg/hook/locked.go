// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "sync"

// Locked serializes every operation on a Registry behind one mutex.
//
// FireAll, List and Dispatch are the exception: they hold the mutex only
// while collecting callbacks and while re-checking each one, and invoke the
// callbacks themselves with the mutex released. A callback may therefore
// call back into the Locked registry, and other goroutines may add, disable
// or delete hooks between two callbacks of the same call. A callback deleted
// (or, except for List, disabled) before its turn is skipped.
type Locked struct {
	mu  sync.Mutex
	reg *Registry
}

// NewLocked wraps reg.
func NewLocked(reg *Registry) *Locked {
	return &Locked{reg: reg}
}

func (l *Locked) AddProcessHook(cr3, addr uint64, label string, fn Func) (Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.AddProcessHook(cr3, addr, label, fn)
}

func (l *Locked) AddUniversalHook(addr uint64, label string, fn Func) (Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.AddUniversalHook(addr, label, fn)
}

func (l *Locked) Enable(d Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Enable(d)
}

func (l *Locked) Disable(d Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Disable(d)
}

func (l *Locked) Delete(d Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Delete(d)
}

func (l *Locked) Lookup(d Descriptor) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Lookup(d)
}

func (l *Locked) Enumerate() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Enumerate()
}

func (l *Locked) FireAll(arg any) int {
	l.mu.Lock()
	cbs := l.reg.collectAll()
	l.mu.Unlock()
	return l.fire(cbs, arg, true)
}

// List returns the records and callback set of one snapshot, then invokes
// every callback in it with nil.
func (l *Locked) List() []Record {
	l.mu.Lock()
	records := l.reg.Enumerate()
	cbs := l.reg.collectAll()
	l.mu.Unlock()
	l.fire(cbs, nil, false)
	return records
}

func (l *Locked) fire(cbs []*callback, arg any, gated bool) int {
	n := 0
	for _, cb := range cbs {
		l.mu.Lock()
		ok := l.reg.deliverable(cb, gated)
		l.mu.Unlock()
		if !ok {
			continue
		}
		cb.fn(arg)
		n++
	}
	return n
}

func (l *Locked) Hooked(cr3, addr uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Hooked(cr3, addr)
}

func (l *Locked) Callbacks(cr3, addr uint64) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Callbacks(cr3, addr)
}

func (l *Locked) Dispatch(cr3, addr uint64, arg any) int {
	l.mu.Lock()
	cbs := l.reg.collectAt(cr3, addr)
	l.mu.Unlock()
	return l.fire(cbs, arg, true)
}

func (l *Locked) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Pending()
}

func (l *Locked) ClearPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reg.ClearPending()
}

// FlushPending holds the mutex while inv runs, so no Add can slip in between
// the invalidation and clearing the flag. inv must not call back into l.
func (l *Locked) FlushPending(inv Invalidator) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.FlushPending(inv)
}

func (l *Locked) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Len()
}

func (l *Locked) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Capacity()
}

func (l *Locked) Sites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Sites()
}

func (l *Locked) Scopes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Scopes()
}
