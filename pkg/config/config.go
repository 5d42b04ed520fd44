// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbeema/vmihook/pkg/hook"
)

// Config is the top-level configuration for the vmihook host.
type Config struct {
	LogLevel string         `yaml:"log_level" env:"VMIHOOK_LOG_LEVEL"`
	Registry RegistryConfig `yaml:"registry"`
	Hooks    []HookDef      `yaml:"hooks"`
	Guest    GuestConfig    `yaml:"guest"`
	Health   HealthConfig   `yaml:"health"`
}

// RegistryConfig sizes the hook registry.
type RegistryConfig struct {
	MaxHooks       int           `yaml:"max_hooks"`
	MaxLabelLength int           `yaml:"max_label_length"`
	NodeLimit      int           `yaml:"node_limit"` // 0 = unlimited
	PruneScopes    *bool         `yaml:"prune_scopes"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// PruneScopesEnabled returns whether empty CR3 scopes are dropped.
// Defaults to true when not explicitly set.
func (r *RegistryConfig) PruneScopesEnabled() bool {
	if r.PruneScopes == nil {
		return true
	}
	return *r.PruneScopes
}

// HookDef declares one hook to install at startup.
type HookDef struct {
	Label     string `yaml:"label"`
	CR3       Addr   `yaml:"cr3"`
	Addr      Addr   `yaml:"addr"`
	Universal bool   `yaml:"universal"`
	Enabled   *bool  `yaml:"enabled"` // default: true
	Action    string `yaml:"action"`  // "log" or "count"
}

// IsEnabled returns whether the hook starts enabled.
func (h *HookDef) IsEnabled() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// GuestConfig points at a raw dump of guest virtual memory, used to decode
// instructions at hook sites.
type GuestConfig struct {
	ImagePath string `yaml:"image_path"`
	ImageBase Addr   `yaml:"image_base"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" env:"VMIHOOK_HEALTH_ADDR"` // e.g. ":8687"
}

// Addr is a guest address or CR3 value. YAML accepts integers or strings in
// any base strconv understands ("0xfffff80000001000", "4096").
type Addr uint64

// UnmarshalYAML parses hex strings as well as plain integers.
func (a *Addr) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(strings.ReplaceAll(strings.TrimSpace(node.Value), "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", node.Line, node.Value)
	}
	*a = Addr(v)
	return nil
}

// MarshalYAML writes the address in hex.
func (a Addr) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(a)), nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Registry: RegistryConfig{
			MaxHooks:       hook.MaxHooks,
			MaxLabelLength: hook.MaxLabelLength,
			FlushInterval:  100 * time.Millisecond,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8687",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml  → log_level, registry, guest, health
//   - hooks.yaml → hooks
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "hooks.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads VMIHOOK_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"VMIHOOK_LOG_LEVEL":   func(v string) { c.LogLevel = v },
		"VMIHOOK_HEALTH_ADDR": func(v string) { c.Health.Addr = v },
		"VMIHOOK_GUEST_IMAGE": func(v string) { c.Guest.ImagePath = v },
	}

	boolOverrides := map[string]*bool{
		"VMIHOOK_HEALTH_ENABLED": &c.Health.Enabled,
	}

	intOverrides := map[string]*int{
		"VMIHOOK_MAX_HOOKS":  &c.Registry.MaxHooks,
		"VMIHOOK_NODE_LIMIT": &c.Registry.NodeLimit,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors. Per-hook address and label
// rules are left to the registry so that one bad hook does not block startup.
func (c *Config) Validate() error {
	if c.Registry.MaxHooks <= 0 {
		return fmt.Errorf("registry.max_hooks must be positive")
	}
	if c.Registry.MaxHooks > 1<<31-1 {
		return fmt.Errorf("registry.max_hooks must fit a 32-bit descriptor")
	}
	if c.Registry.MaxLabelLength <= 0 {
		return fmt.Errorf("registry.max_label_length must be positive")
	}
	if c.Registry.NodeLimit < 0 {
		return fmt.Errorf("registry.node_limit must not be negative")
	}
	if c.Registry.FlushInterval < time.Millisecond {
		return fmt.Errorf("registry.flush_interval must be at least 1ms")
	}

	for i, h := range c.Hooks {
		switch h.Action {
		case "", "log", "count":
		default:
			return fmt.Errorf("hooks[%d]: unknown action %q", i, h.Action)
		}
		if h.Universal && h.CR3 != 0 {
			return fmt.Errorf("hooks[%d]: universal hook must not set cr3", i)
		}
		if !h.Universal && h.CR3 == 0 {
			return fmt.Errorf("hooks[%d]: cr3 is required for process hooks", i)
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}

	return nil
}
