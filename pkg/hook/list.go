// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"slices"
)

// Record describes one registered callback.
type Record struct {
	CR3        uint64     `json:"cr3"`
	Addr       uint64     `json:"addr"`
	Descriptor Descriptor `json:"descriptor"`
	Label      string     `json:"label"`
	Enabled    bool       `json:"enabled"`
	Universal  bool       `json:"universal"`
}

func (cb *callback) record() Record {
	return Record{
		CR3:        cb.site.cr3,
		Addr:       cb.site.addr,
		Descriptor: cb.desc,
		Label:      cb.label,
		Enabled:    cb.enabled,
		Universal:  cb.universal,
	}
}

// Lookup returns the record for d.
func (r *Registry) Lookup(d Descriptor) (Record, error) {
	cb, err := r.table.resolve(d)
	if err != nil {
		return Record{}, err
	}
	return cb.record(), nil
}

// Enumerate returns every registered callback without invoking any of them.
// Scopes are ordered by CR3 and sites by address; callbacks within a site
// keep registration order.
func (r *Registry) Enumerate() []Record {
	records := make([]Record, 0, r.Len())
	r.walk(func(cb *callback) {
		records = append(records, cb.record())
	})
	return records
}

// FireAll invokes every enabled callback with arg, in Enumerate order, and
// returns how many ran.
func (r *Registry) FireAll(arg any) int {
	return r.fire(r.collectAll(), arg, true)
}

// List enumerates every callback and then invokes each one encountered with
// a nil argument, enabled or not. Use Enumerate for a listing without side
// effects.
func (r *Registry) List() []Record {
	records := r.Enumerate()
	r.fire(r.collectAll(), nil, false)
	return records
}

func (r *Registry) collectAll() []*callback {
	cbs := make([]*callback, 0, r.Len())
	r.walk(func(cb *callback) {
		cbs = append(cbs, cb)
	})
	return cbs
}

// fire runs cbs outside any registry traversal, so a callback may add or
// delete hooks. Each callback is checked again right before it runs: one
// deleted by an earlier callback is skipped, and so is one disabled earlier
// when gated is set.
func (r *Registry) fire(cbs []*callback, arg any, gated bool) int {
	n := 0
	for _, cb := range cbs {
		if !r.deliverable(cb, gated) {
			continue
		}
		cb.fn(arg)
		n++
	}
	return n
}

// deliverable reports whether cb is still bound to its descriptor and, when
// gated, still enabled.
func (r *Registry) deliverable(cb *callback, gated bool) bool {
	if !r.table.holds(cb.desc, cb) {
		return false
	}
	return !gated || cb.enabled
}

func (r *Registry) walk(visit func(*callback)) {
	for _, cr3 := range sortedKeys(r.scopes) {
		sc := r.scopes[cr3]
		for _, addr := range sortedKeys(sc.sites) {
			for _, cb := range sc.sites[addr].callbacks {
				visit(cb)
			}
		}
	}
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
