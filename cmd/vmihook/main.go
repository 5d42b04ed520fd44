// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/vmihook/pkg/config"
	"github.com/mbeema/vmihook/pkg/guest"
	"github.com/mbeema/vmihook/pkg/health"
	"github.com/mbeema/vmihook/pkg/hook"
	"github.com/mbeema/vmihook/pkg/loader"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		listOnly    bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&listOnly, "list", false, "install configured hooks, list them (firing enabled callbacks) and exit")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("vmihook %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if configDir != "" {
		cfg, err = config.LoadDir(configDir)
	} else {
		cfg, err = loadConfig(configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting vmihook",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	stats := health.NewStats()
	reg := hook.NewLocked(newRegistry(cfg.Registry, stats, logger))
	stats.Attach(reg)
	ld := loader.New(reg, stats, logger)

	if _, err := ld.Apply(cfg.Hooks); err != nil {
		logger.Warn("some hooks were not installed", zap.Error(err))
	}

	if listOnly {
		if err := printList(os.Stdout, reg, cfg.Guest); err != nil {
			logger.Fatal("list failed", zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv *health.Server
	if cfg.Health.Enabled {
		srv = health.NewServer(cfg.Health.Addr, version, stats, reg, logger)
		if err := srv.Start(ctx); err != nil {
			logger.Fatal("failed to start health server", zap.Error(err))
		}
	}

	// No translation engine is attached to the standalone host, so pending
	// hooks are acknowledged by logging them. inv runs under the registry
	// mutex and must not call back into reg.
	inv := hook.InvalidatorFunc(func() error {
		logger.Info("translation cache invalidation requested")
		return nil
	})
	go flushLoop(ctx, reg, inv, cfg.Registry.FlushInterval, stats, logger)

	running := cfg.Registry
	apply := func(newCfg *config.Config, source string) {
		stats.Reloads.Add(1)
		if changed := registryChanges(running, newCfg.Registry); len(changed) > 0 {
			logger.Warn("registry settings changed on reload; restart to apply",
				zap.String("source", source), zap.Strings("fields", changed))
		}
		n, err := ld.Apply(newCfg.Hooks)
		if err != nil {
			logger.Error("failed to apply reloaded hooks", zap.String("source", source), zap.Error(err))
		}
		logger.Info("hooks reloaded", zap.String("source", source), zap.Int("installed", n))
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, apply, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	if srv != nil {
		srv.SetReady(true)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP reloads hook definitions (single-file mode)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}
			cancel()
			if srv != nil {
				if err := srv.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
			}
			logger.Info("vmihook stopped")
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading hooks")
			var newCfg *config.Config
			var err error
			if configDir != "" {
				newCfg, err = config.LoadDir(configDir)
			} else {
				newCfg, err = loadConfig(configPath)
			}
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			apply(newCfg, "SIGHUP")
		}
	}
}

func newRegistry(rc config.RegistryConfig, stats *health.Stats, logger *zap.Logger) *hook.Registry {
	return hook.New(
		hook.WithCapacity(rc.MaxHooks),
		hook.WithMaxLabelLength(rc.MaxLabelLength),
		hook.WithNodeLimit(rc.NodeLimit),
		hook.WithScopePruning(rc.PruneScopesEnabled()),
		hook.WithObserver(stats.Observer()),
		hook.WithLogger(logger.Named("registry")),
	)
}

// registryChanges lists the registry settings that differ between the
// running registry and a reloaded config. They are fixed at startup.
func registryChanges(running, next config.RegistryConfig) []string {
	var changed []string
	if running.MaxHooks != next.MaxHooks {
		changed = append(changed, "max_hooks")
	}
	if running.MaxLabelLength != next.MaxLabelLength {
		changed = append(changed, "max_label_length")
	}
	if running.NodeLimit != next.NodeLimit {
		changed = append(changed, "node_limit")
	}
	if running.PruneScopesEnabled() != next.PruneScopesEnabled() {
		changed = append(changed, "prune_scopes")
	}
	if running.FlushInterval != next.FlushInterval {
		changed = append(changed, "flush_interval")
	}
	return changed
}

func flushLoop(ctx context.Context, reg *hook.Locked, inv hook.Invalidator, every time.Duration, stats *health.Stats, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushed, err := reg.FlushPending(inv)
			if err != nil {
				stats.FlushFailures.Add(1)
				logger.Warn("translation flush failed", zap.Error(err))
				continue
			}
			if flushed {
				stats.Flushes.Add(1)
			}
		}
	}
}

// printList writes one line per hook and fires the enabled callbacks, the
// same as the registry's List. When a guest image is configured the
// instruction at each site is decoded.
func printList(w io.Writer, reg *hook.Locked, gc config.GuestConfig) error {
	var mem guest.Memory
	if gc.ImagePath != "" {
		img, err := guest.Open(gc.ImagePath, uint64(gc.ImageBase))
		if err != nil {
			return err
		}
		defer img.Close()
		mem = img
	}

	lastCR3 := ^uint64(0)
	for _, rec := range reg.List() {
		if rec.CR3 != lastCR3 {
			fmt.Fprintf(w, "CR3: %016x\n", rec.CR3)
			lastCR3 = rec.CR3
		}
		fmt.Fprintf(w, "\t%016x (%d, %s, %t)", rec.Addr, rec.Descriptor, rec.Label, rec.Enabled)
		if mem != nil {
			fmt.Fprintf(w, "  %s", guest.Describe(mem, rec.Addr))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"configs/vmihook.yaml",
		"/etc/vmihook/vmihook.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	return config.DefaultConfig(), nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
