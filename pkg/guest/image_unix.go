// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build unix

package guest

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Open maps the dump at path read-only. base is the guest address of its
// first byte.
func Open(path string, base uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open guest image: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat guest image: %w", err)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("guest image %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap guest image: %w", err)
	}
	return &Image{base: base, data: data, unmap: unix.Munmap}, nil
}
