// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package loader

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mbeema/vmihook/pkg/config"
	"github.com/mbeema/vmihook/pkg/hook"
)

type countingStats struct {
	fired map[string]int
}

func (c *countingStats) HookFired(label string) {
	if c.fired == nil {
		c.fired = make(map[string]int)
	}
	c.fired[label]++
}

func boolPtr(b bool) *bool { return &b }

func TestApplyInstallsHooks(t *testing.T) {
	reg := hook.New()
	stats := &countingStats{}
	l := New(reg, stats, zap.NewNop())

	n, err := l.Apply([]config.HookDef{
		{Label: "NtCreateFile", Addr: 0xfffff80000001000, Universal: true, Action: "count"},
		{Label: "CreateFileW", CR3: 0x1aa000, Addr: 0x7ff612340000, Action: "count", Enabled: boolPtr(false)},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 2 {
		t.Fatalf("installed = %d, want 2", n)
	}

	records := reg.Enumerate()
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if !records[0].Universal || !records[0].Enabled {
		t.Errorf("records[0] = %+v, want enabled universal", records[0])
	}
	if records[1].Enabled {
		t.Errorf("records[1] = %+v, want disabled", records[1])
	}

	reg.Dispatch(0x1aa000, 0xfffff80000001000, nil)
	reg.Dispatch(0x1aa000, 0x7ff612340000, nil)
	if stats.fired["NtCreateFile"] != 1 {
		t.Errorf("NtCreateFile fired %d times, want 1", stats.fired["NtCreateFile"])
	}
	if stats.fired["CreateFileW"] != 0 {
		t.Errorf("disabled CreateFileW fired %d times, want 0", stats.fired["CreateFileW"])
	}
}

func TestApplyReplacesPrevious(t *testing.T) {
	reg := hook.New()
	l := New(reg, nil, nil)

	l.Apply([]config.HookDef{
		{Label: "a", CR3: 0x1000, Addr: 0x10},
		{Label: "b", CR3: 0x1000, Addr: 0x20},
	})
	// A hook the loader does not own.
	foreign, _ := reg.AddProcessHook(0x2000, 0x30, "foreign", func(any) any { return nil })

	if _, err := l.Apply([]config.HookDef{{Label: "c", CR3: 0x1000, Addr: 0x40}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var labels []string
	for _, rec := range reg.Enumerate() {
		labels = append(labels, rec.Label)
	}
	if len(labels) != 2 || labels[0] != "c" || labels[1] != "foreign" {
		t.Errorf("labels = %v, want [c foreign]", labels)
	}
	if _, err := reg.Lookup(foreign); err != nil {
		t.Errorf("foreign hook removed: %v", err)
	}
	if len(l.Installed()) != 1 {
		t.Errorf("Installed = %v, want one descriptor", l.Installed())
	}
}

func TestApplyLeavesReusedDescriptor(t *testing.T) {
	reg := hook.New()
	l := New(reg, nil, zap.NewNop())

	l.Apply([]config.HookDef{{Label: "mine", CR3: 0x1000, Addr: 0x10}})
	mine := l.Installed()[0]

	// Someone else deletes the loader's hook and is handed its descriptor.
	if err := reg.Delete(mine); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	foreign, err := reg.AddProcessHook(0x2000, 0x30, "foreign", func(any) any { return nil })
	if err != nil {
		t.Fatalf("AddProcessHook: %v", err)
	}
	if foreign != mine {
		t.Fatalf("descriptor %d not reused (got %d)", mine, foreign)
	}

	if _, err := l.Apply(nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	rec, err := reg.Lookup(foreign)
	if err != nil {
		t.Fatalf("foreign hook removed: %v", err)
	}
	if rec.Label != "foreign" {
		t.Errorf("label = %q, want foreign", rec.Label)
	}
}

// failingRegistry accepts adds and fails every Disable and Delete.
type failingRegistry struct {
	*hook.Registry
}

var (
	errDisable = errors.New("disable failed")
	errDelete  = errors.New("delete failed")
)

func (failingRegistry) Disable(hook.Descriptor) error { return errDisable }
func (failingRegistry) Delete(hook.Descriptor) error  { return errDelete }

func TestInstallReportsRollbackError(t *testing.T) {
	l := New(failingRegistry{hook.New()}, nil, zap.NewNop())

	n, err := l.Apply([]config.HookDef{{Label: "off", CR3: 0x1000, Addr: 0x10, Enabled: boolPtr(false)}})
	if n != 0 {
		t.Errorf("installed = %d, want 0", n)
	}
	if !errors.Is(err, errDisable) {
		t.Errorf("err = %v, want the Disable error", err)
	}
	if !errors.Is(err, errDelete) {
		t.Errorf("err = %v, want the rollback Delete error", err)
	}
}

func TestApplyCollectsErrors(t *testing.T) {
	reg := hook.New(hook.WithCapacity(2))
	l := New(reg, nil, zap.NewNop())

	n, err := l.Apply([]config.HookDef{
		{Label: "user", Addr: 0x1000, Universal: true},
		{Label: "ok", CR3: 0x1000, Addr: 0x10},
		{Label: "bad", CR3: 0x1000, Addr: 0x20, Action: "explode"},
		{Label: "ok2", CR3: 0x1000, Addr: 0x30},
		{Label: "full", CR3: 0x1000, Addr: 0x40},
	})
	if n != 2 {
		t.Errorf("installed = %d, want 2", n)
	}
	if !errors.Is(err, hook.ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress in chain", err)
	}
	if !errors.Is(err, hook.ErrFullRegistry) {
		t.Errorf("err = %v, want ErrFullRegistry in chain", err)
	}
}

func TestLogAction(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := hook.New()
	l := New(reg, nil, zap.New(core))

	l.Apply([]config.HookDef{{Label: "log-me", CR3: 0x1000, Addr: 0x10, Action: "log"}})
	reg.Dispatch(0x1000, 0x10, Event{CR3: 0x1000, Addr: 0x10})

	fired := logs.FilterMessage("hook fired").All()
	if len(fired) != 1 {
		t.Fatalf("got %d hook fired entries, want 1", len(fired))
	}
	if got := fired[0].ContextMap()["label"]; got != "log-me" {
		t.Errorf("label = %v, want log-me", got)
	}
}
