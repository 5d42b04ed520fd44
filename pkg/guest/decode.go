// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package guest

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest legal x86 instruction.
const maxInstLen = 15

// Instruction is the decoded instruction at a hook site.
type Instruction struct {
	Addr  uint64
	Len   int
	Bytes []byte
	Op    x86asm.Op
	Text  string
}

// Decode decodes the 64-bit instruction at addr.
func Decode(mem Memory, addr uint64) (Instruction, error) {
	buf := make([]byte, maxInstLen)
	n, err := mem.ReadAt(buf, addr)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return Instruction{}, err
	}

	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("decode %#x: %w", addr, err)
	}
	return Instruction{
		Addr:  addr,
		Len:   inst.Len,
		Bytes: buf[:inst.Len],
		Op:    inst.Op,
		Text:  x86asm.IntelSyntax(inst, addr, nil),
	}, nil
}

// Describe returns a one-line description of the instruction at addr, or
// the reason it could not be decoded.
func Describe(mem Memory, addr uint64) string {
	inst, err := Decode(mem, addr)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return fmt.Sprintf("% x  %s", inst.Bytes, inst.Text)
}
