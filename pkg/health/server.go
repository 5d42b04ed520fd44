// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/vmihook/pkg/hook"
)

// Enumerator lists registered hooks without invoking them.
type Enumerator interface {
	Enumerate() []hook.Record
}

// Server provides health, readiness, metrics and hook listing endpoints.
type Server struct {
	logger  *zap.Logger
	stats   *Stats
	hooks   Enumerator
	version string
	addr    string
	ready   atomic.Bool
	server  *http.Server
}

// NewServer creates a health server. hooks may be nil, which disables /hooks.
func NewServer(addr, version string, stats *Stats, hooks Enumerator, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		hooks:   hooks,
		logger:  logger,
	}
}

// SetReady marks the host as ready.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/hooks", s.handleHooks)
	return mux
}

// Start begins serving. It returns once the listener is bound.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

type hookResponse struct {
	CR3        string `json:"cr3"`
	Addr       string `json:"addr"`
	Descriptor int32  `json:"descriptor"`
	Label      string `json:"label"`
	Enabled    bool   `json:"enabled"`
	Universal  bool   `json:"universal"`
}

// handleHooks lists hooks. It never fires them.
func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.hooks == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no registry attached"})
		return
	}

	records := s.hooks.Enumerate()
	resp := make([]hookResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, hookResponse{
			CR3:        hexAddr(rec.CR3),
			Addr:       hexAddr(rec.Addr),
			Descriptor: int32(rec.Descriptor),
			Label:      rec.Label,
			Enabled:    rec.Enabled,
			Universal:  rec.Universal,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("0x%016x", v)
}
