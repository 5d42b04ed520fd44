// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "errors"

var (
	// ErrFullRegistry means every descriptor slot is in use.
	ErrFullRegistry = errors.New("hook registry full")
	// ErrInvalidAddress means a universal hook targets a non-kernel address.
	ErrInvalidAddress = errors.New("address not in kernel space")
	// ErrInvalidLabel means the label does not fit the label capacity.
	ErrInvalidLabel = errors.New("label too long")
	// ErrInvalidCallback means the callback is nil.
	ErrInvalidCallback = errors.New("nil callback")
	// ErrInvalidDescriptor means the descriptor is out of range or unbound.
	ErrInvalidDescriptor = errors.New("invalid hook descriptor")
	// ErrResourceExhausted means an internal node could not be created.
	ErrResourceExhausted = errors.New("hook node limit reached")
)
