// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package guest

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

const base = 0xfffff80000001000

// push rbp; mov rbp, rsp; ret
var prologue = []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}

func TestImageReadAt(t *testing.T) {
	img := NewImage(base, prologue)

	buf := make([]byte, 2)
	n, err := img.ReadAt(buf, base+1)
	if err != nil || n != 2 {
		t.Fatalf("ReadAt = %d, %v; want 2, nil", n, err)
	}
	if buf[0] != 0x48 || buf[1] != 0x89 {
		t.Errorf("buf = % x, want 48 89", buf)
	}

	n, err = img.ReadAt(make([]byte, 4), base+3)
	if n != 2 || !errors.Is(err, io.EOF) {
		t.Errorf("short read = %d, %v; want 2, EOF", n, err)
	}

	if _, err := img.ReadAt(buf, base-1); !errors.Is(err, ErrUnmapped) {
		t.Errorf("below base err = %v, want ErrUnmapped", err)
	}
	if _, err := img.ReadAt(buf, base+uint64(len(prologue))); !errors.Is(err, ErrUnmapped) {
		t.Errorf("past end err = %v, want ErrUnmapped", err)
	}
}

func TestDecode(t *testing.T) {
	img := NewImage(base, prologue)

	tests := []struct {
		addr uint64
		len  int
		op   x86asm.Op
	}{
		{base, 1, x86asm.PUSH},
		{base + 1, 3, x86asm.MOV},
		{base + 4, 1, x86asm.RET},
	}
	for _, tt := range tests {
		inst, err := Decode(img, tt.addr)
		if err != nil {
			t.Fatalf("Decode(%#x): %v", tt.addr, err)
		}
		if inst.Len != tt.len || inst.Op != tt.op {
			t.Errorf("Decode(%#x) = %v len %d, want %v len %d", tt.addr, inst.Op, inst.Len, tt.op, tt.len)
		}
	}
}

func TestDescribeUnmapped(t *testing.T) {
	img := NewImage(base, prologue)
	if got := Describe(img, 0x1000); !strings.Contains(got, "not in guest image") {
		t.Errorf("Describe = %q", got)
	}
	if got := Describe(img, base+4); !strings.Contains(got, "c3") {
		t.Errorf("Describe = %q, want bytes c3", got)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.bin")
	if err := os.WriteFile(path, prologue, 0644); err != nil {
		t.Fatal(err)
	}
	img, err := Open(path, base)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if img.Size() != len(prologue) || img.Base() != base {
		t.Errorf("image = %#x+%d, want %#x+%d", img.Base(), img.Size(), uint64(base), len(prologue))
	}
	inst, err := Decode(img, base+4)
	if err != nil || inst.Op != x86asm.RET {
		t.Errorf("Decode = %v, %v; want RET", inst.Op, err)
	}
}

func TestOpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	os.WriteFile(path, nil, 0644)
	if _, err := Open(path, base); err == nil {
		t.Error("expected error for empty image")
	}
}
