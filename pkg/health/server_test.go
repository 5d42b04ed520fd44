// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mbeema/vmihook/pkg/hook"
)

func TestHealthEndpoint(t *testing.T) {
	stats := NewStats()
	srv := NewServer(":0", "1.0.0-test", stats, nil, zap.NewNop())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected status=healthy, got %q", hr.Status)
	}
	if hr.Version != "1.0.0-test" {
		t.Errorf("expected version=1.0.0-test, got %q", hr.Version)
	}
}

func TestReadyEndpoint(t *testing.T) {
	srv := NewServer(":0", "test", NewStats(), nil, zap.NewNop())

	w := httptest.NewRecorder()
	srv.handleReady(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	srv.SetReady(true)
	w = httptest.NewRecorder()
	srv.handleReady(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	stats := NewStats()
	reg := hook.New(hook.WithObserver(stats.Observer()))
	stats.Attach(reg)

	reg.AddUniversalHook(0xfffff80000001000, "a", func(any) any { return nil })
	reg.AddUniversalHook(0x1000, "rejected", func(any) any { return nil })
	stats.HookFired("a")
	stats.HookFired("a")

	srv := NewServer(":0", "test", stats, reg, zap.NewNop())
	w := httptest.NewRecorder()
	srv.handleMetrics(w, httptest.NewRequest("GET", "/metrics", nil))

	body := w.Body.String()
	for _, want := range []string{
		"vmihook_hooks_live 1",
		"vmihook_hooks_capacity 1024",
		"vmihook_sites 1",
		"vmihook_pending 1",
		"vmihook_hooks_added_total 1",
		"vmihook_hooks_rejected_total 1",
		`vmihook_hook_fired_total{label="a"} 2`,
		"vmihook_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestHooksEndpoint(t *testing.T) {
	fired := 0
	reg := hook.New()
	reg.AddProcessHook(0x1aa000, 0x7ff612340000, "CreateFileW", func(any) any {
		fired++
		return nil
	})

	srv := NewServer(":0", "test", NewStats(), reg, zap.NewNop())
	w := httptest.NewRecorder()
	srv.handleHooks(w, httptest.NewRequest("GET", "/hooks", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []hookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].CR3 != "0x00000000001aa000" || got[0].Addr != "0x00007ff612340000" {
		t.Errorf("site = %s/%s", got[0].CR3, got[0].Addr)
	}
	if got[0].Label != "CreateFileW" || !got[0].Enabled {
		t.Errorf("record = %+v", got[0])
	}
	if fired != 0 {
		t.Errorf("listing fired %d callbacks, want 0", fired)
	}

	w = httptest.NewRecorder()
	srv.handleHooks(w, httptest.NewRequest("POST", "/hooks", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected 405, got %d", w.Code)
	}
}

func TestHooksEndpointNoRegistry(t *testing.T) {
	srv := NewServer(":0", "test", NewStats(), nil, zap.NewNop())
	w := httptest.NewRecorder()
	srv.handleHooks(w, httptest.NewRequest("GET", "/hooks", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "test", NewStats(), nil, zap.NewNop())

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}
