// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "fmt"

// Descriptor is the stable handle returned for a registered callback.
type Descriptor int32

// descriptorTable maps descriptors to live callbacks. It is the only place
// that decides whether a descriptor is valid.
type descriptorTable struct {
	slots []*callback
	used  int
}

func newDescriptorTable(capacity int) *descriptorTable {
	return &descriptorTable{slots: make([]*callback, capacity)}
}

// allocate returns the lowest free slot. The scan is linear; capacity is
// small and allocation is rare compared to lookups.
func (t *descriptorTable) allocate() (Descriptor, error) {
	for i, cb := range t.slots {
		if cb == nil {
			return Descriptor(i), nil
		}
	}
	return -1, fmt.Errorf("%d of %d descriptors in use: %w", t.used, len(t.slots), ErrFullRegistry)
}

func (t *descriptorTable) bind(d Descriptor, cb *callback) {
	t.slots[d] = cb
	t.used++
}

func (t *descriptorTable) release(d Descriptor) {
	if t.slots[d] != nil {
		t.slots[d] = nil
		t.used--
	}
}

func (t *descriptorTable) resolve(d Descriptor) (*callback, error) {
	if d < 0 || int(d) >= len(t.slots) || t.slots[d] == nil {
		return nil, fmt.Errorf("descriptor %d: %w", d, ErrInvalidDescriptor)
	}
	return t.slots[d], nil
}

// holds reports whether d is still bound to cb.
func (t *descriptorTable) holds(d Descriptor, cb *callback) bool {
	return d >= 0 && int(d) < len(t.slots) && t.slots[d] == cb
}

func (t *descriptorTable) capacity() int {
	return len(t.slots)
}
