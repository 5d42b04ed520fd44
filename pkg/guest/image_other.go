// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !unix

package guest

import (
	"fmt"
	"os"
)

// Open reads the dump at path into memory. base is the guest address of its
// first byte.
func Open(path string, base uint64) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("guest image %s is empty", path)
	}
	return NewImage(base, data), nil
}
