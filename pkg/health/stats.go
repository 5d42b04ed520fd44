// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mbeema/vmihook/pkg/hook"
)

// RegistryView is the read side of the hook registry the stats report on.
type RegistryView interface {
	Len() int
	Capacity() int
	Sites() int
	Scopes() int
	Pending() bool
}

// Stats tracks self-monitoring counters for the host.
type Stats struct {
	startTime time.Time
	registry  RegistryView

	HooksAdded    atomic.Int64
	HooksDeleted  atomic.Int64
	HooksRejected atomic.Int64
	Flushes       atomic.Int64
	FlushFailures atomic.Int64
	Reloads       atomic.Int64

	mu    sync.Mutex
	fired map[string]int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
		fired:     make(map[string]int64),
	}
}

// Attach sets the registry whose gauges are reported. Call it before the
// stats are shared with other goroutines.
func (s *Stats) Attach(registry RegistryView) {
	s.registry = registry
}

// Uptime returns host uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Observer returns registry callbacks that feed the lifecycle counters.
func (s *Stats) Observer() hook.Observer {
	return hook.Observer{
		OnAdd:    func(hook.Record) { s.HooksAdded.Add(1) },
		OnDelete: func(hook.Record) { s.HooksDeleted.Add(1) },
		OnReject: func(error) { s.HooksRejected.Add(1) },
	}
}

// HookFired counts one invocation of a "count" hook.
func (s *Stats) HookFired(label string) {
	s.mu.Lock()
	s.fired[label]++
	s.mu.Unlock()
}

// Fired returns the invocation count for label.
func (s *Stats) Fired(label string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired[label]
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	MemoryRSSBytes uint64
	Threads        int32

	LiveHooks    int
	Capacity     int
	Sites        int
	Scopes       int
	Pending      bool
	HooksAdded   int64
	HooksDeleted int64
	Rejected     int64
	Flushes      int64
	FlushFails   int64
	Reloads      int64
	Fired        map[string]int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HooksAdded:    s.HooksAdded.Load(),
		HooksDeleted:  s.HooksDeleted.Load(),
		Rejected:      s.HooksRejected.Load(),
		Flushes:       s.Flushes.Load(),
		FlushFails:    s.FlushFailures.Load(),
		Reloads:       s.Reloads.Load(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = mem.RSS
		}
		if n, err := proc.NumThreads(); err == nil {
			snap.Threads = n
		}
	}
	if snap.MemoryRSSBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		snap.MemoryRSSBytes = ms.Sys
	}

	if s.registry != nil {
		snap.LiveHooks = s.registry.Len()
		snap.Capacity = s.registry.Capacity()
		snap.Sites = s.registry.Sites()
		snap.Scopes = s.registry.Scopes()
		snap.Pending = s.registry.Pending()
	}

	s.mu.Lock()
	snap.Fired = make(map[string]int64, len(s.fired))
	for k, v := range s.fired {
		snap.Fired[k] = v
	}
	s.mu.Unlock()
	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return string(prometheusFormat(s.Snapshot()))
}

func prometheusFormat(snap Snapshot) []byte {
	pending := 0.0
	if snap.Pending {
		pending = 1
	}

	var b []byte
	b = appendMetric(b, "vmihook_uptime_seconds", "gauge", "Host uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "vmihook_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "vmihook_memory_rss_bytes", "gauge", "Resident memory in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "vmihook_threads", "gauge", "OS threads", float64(snap.Threads))
	b = appendMetric(b, "vmihook_hooks_live", "gauge", "Registered callbacks", float64(snap.LiveHooks))
	b = appendMetric(b, "vmihook_hooks_capacity", "gauge", "Descriptor slots", float64(snap.Capacity))
	b = appendMetric(b, "vmihook_sites", "gauge", "Hooked (cr3, address) sites", float64(snap.Sites))
	b = appendMetric(b, "vmihook_scopes", "gauge", "CR3 scopes", float64(snap.Scopes))
	b = appendMetric(b, "vmihook_pending", "gauge", "1 if hooks await re-translation", pending)
	b = appendMetric(b, "vmihook_hooks_added_total", "counter", "Hooks added", float64(snap.HooksAdded))
	b = appendMetric(b, "vmihook_hooks_deleted_total", "counter", "Hooks deleted", float64(snap.HooksDeleted))
	b = appendMetric(b, "vmihook_hooks_rejected_total", "counter", "Hook additions rejected", float64(snap.Rejected))
	b = appendMetric(b, "vmihook_flushes_total", "counter", "Translation cache invalidations", float64(snap.Flushes))
	b = appendMetric(b, "vmihook_flush_failures_total", "counter", "Failed translation cache invalidations", float64(snap.FlushFails))
	b = appendMetric(b, "vmihook_reloads_total", "counter", "Hook definition reloads", float64(snap.Reloads))

	if len(snap.Fired) > 0 {
		labels := make([]string, 0, len(snap.Fired))
		for l := range snap.Fired {
			labels = append(labels, l)
		}
		sort.Strings(labels)

		b = appendHeader(b, "vmihook_hook_fired_total", "counter", "Invocations of count hooks")
		for _, l := range labels {
			b = append(b, `vmihook_hook_fired_total{label=`...)
			b = strconv.AppendQuote(b, l)
			b = append(b, "} "...)
			b = strconv.AppendInt(b, snap.Fired[l], 10)
			b = append(b, '\n')
		}
	}
	return b
}

func appendHeader(b []byte, name, typ, help string) []byte {
	b = append(b, "# HELP "+name+" "+help+"\n"...)
	b = append(b, "# TYPE "+name+" "+typ+"\n"...)
	return b
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = appendHeader(b, name, typ, help)
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	b = append(b, '\n')
	return b
}
