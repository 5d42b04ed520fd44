// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package guest reads guest memory from raw dumps and decodes the
// instructions found at hook sites.
package guest

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnmapped is returned for addresses outside the image.
var ErrUnmapped = errors.New("address not in guest image")

// Memory reads guest virtual memory.
type Memory interface {
	ReadAt(p []byte, addr uint64) (int, error)
}

// Image is a contiguous dump of guest virtual memory starting at Base.
type Image struct {
	base  uint64
	data  []byte
	unmap func([]byte) error
}

// NewImage wraps an in-memory dump.
func NewImage(base uint64, data []byte) *Image {
	return &Image{base: base, data: data}
}

// Base returns the guest address of the first byte.
func (m *Image) Base() uint64 { return m.base }

// Size returns the image length in bytes.
func (m *Image) Size() int { return len(m.data) }

// ReadAt copies guest memory at addr into p. A read running off the end of
// the image returns the bytes available and io.EOF.
func (m *Image) ReadAt(p []byte, addr uint64) (int, error) {
	if addr < m.base || addr-m.base >= uint64(len(m.data)) {
		return 0, fmt.Errorf("read %#x: %w", addr, ErrUnmapped)
	}
	n := copy(p, m.data[addr-m.base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the mapping, if any.
func (m *Image) Close() error {
	if m.unmap == nil || m.data == nil {
		return nil
	}
	err := m.unmap(m.data)
	m.data = nil
	return err
}
