// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the vhook agent.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"VHOOK_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"VHOOK_LOG_LEVEL"`
	Memory      MemoryConfig    `yaml:"memory"`
	Host        HostConfig      `yaml:"host"`
	Plan        PlanConfig      `yaml:"plan"`
	Health      HealthConfig    `yaml:"health"`
	Exporters   ExportersConfig `yaml:"exporters"`
}

// MemoryConfig sizes the simulated address space.
type MemoryConfig struct {
	HeapSize   int `yaml:"heap_size"`
	RodataSize int `yaml:"rodata_size"`
}

// HostConfig controls the versions the host environment reports to hook
// managers during the handshake.
type HostConfig struct {
	IfaceVersion int `yaml:"iface_version"`
	ImplVersion  int `yaml:"impl_version"`
}

// PlanConfig describes the sample entities and the hooks applied to them.
type PlanConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"` // How often the host "game loop" ticks
	Entities []EntitySpec  `yaml:"entities"`
	Hooks    []HookSpec    `yaml:"hooks"`
}

// EntitySpec is one object of the sample Entity class.
type EntitySpec struct {
	Name   string `yaml:"name"`
	Health int    `yaml:"health"`
}

// HookSpec is one declarative hook.
type HookSpec struct {
	Name   string `yaml:"name"`
	Entity string `yaml:"entity"` // Empty = first entity
	Method string `yaml:"method"` // get_health, take_damage, set_name, think
	Post   bool   `yaml:"post"`
	Mode   string `yaml:"mode"`   // normal, vp
	Action string `yaml:"action"` // ignore, handled, override, supersede, recall
	Value  string `yaml:"value"`  // Return value for override/supersede, parsed per method
	Arg    string `yaml:"arg"`    // Replacement argument for recall
	Paused bool   `yaml:"paused"`
}

// Valid plan vocabularies.
var (
	PlanMethods = []string{"get_health", "take_damage", "set_name", "think"}
	PlanActions = []string{"ignore", "handled", "override", "supersede", "recall"}
	PlanModes   = []string{"", "normal", "vp"}
)

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"VHOOK_HEALTH_PORT"` // e.g. ":8687"
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

// StdoutConfig prints the pushed metrics, for local debugging.
type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Interval    time.Duration     `yaml:"interval"`
	Headers     map[string]string `yaml:"headers"`
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
		ServiceName: "vhook",
		LogLevel:    "info",
		Memory: MemoryConfig{
			HeapSize:   1 << 20,
			RodataSize: 64 << 10,
		},
		Host: HostConfig{
			IfaceVersion: 5,
			ImplVersion:  5,
		},
		Plan: PlanConfig{
			Enabled:  true,
			Interval: time.Second,
			Entities: []EntitySpec{{Name: "player", Health: 100}},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
				Interval:    15 * time.Second,
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml    → service_name, log_level, memory, host, health
//   - plan.yaml    → plan
//   - export.yaml  → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "plan.yaml", "export.yaml"} {
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

// ApplyEnvOverrides reads VHOOK_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"VHOOK_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"VHOOK_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"VHOOK_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"VHOOK_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
	}

	boolOverrides := map[string]*bool{
		"VHOOK_PLAN_ENABLED":             &c.Plan.Enabled,
		"VHOOK_HEALTH_ENABLED":           &c.Health.Enabled,
		"VHOOK_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"VHOOK_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
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
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Memory.HeapSize <= 0 || c.Memory.RodataSize <= 0 {
		return fmt.Errorf("memory.heap_size and memory.rodata_size must be positive")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Interval < time.Second {
			return fmt.Errorf("exporters.otlp.interval must be at least 1s")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}

	switch c.Exporters.Stdout.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Plan.Enabled {
		if err := c.Plan.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (p *PlanConfig) validate() error {
	if p.Interval < 10*time.Millisecond {
		return fmt.Errorf("plan.interval must be at least 10ms")
	}
	if len(p.Entities) == 0 {
		return fmt.Errorf("plan.entities must not be empty")
	}

	names := make(map[string]bool, len(p.Entities))
	for i, e := range p.Entities {
		if e.Name == "" {
			return fmt.Errorf("plan.entities[%d].name is required", i)
		}
		if names[e.Name] {
			return fmt.Errorf("plan.entities: duplicate name %q", e.Name)
		}
		names[e.Name] = true
	}

	for i, h := range p.Hooks {
		if h.Entity != "" && !names[h.Entity] {
			return fmt.Errorf("plan.hooks[%d]: unknown entity %q", i, h.Entity)
		}
		if !contains(PlanMethods, h.Method) {
			return fmt.Errorf("plan.hooks[%d]: method must be one of %s", i, strings.Join(PlanMethods, ", "))
		}
		if !contains(PlanActions, h.Action) {
			return fmt.Errorf("plan.hooks[%d]: action must be one of %s", i, strings.Join(PlanActions, ", "))
		}
		if !contains(PlanModes, h.Mode) {
			return fmt.Errorf("plan.hooks[%d]: mode must be 'normal' or 'vp'", i)
		}
		if h.Action == "recall" && h.Post {
			return fmt.Errorf("plan.hooks[%d]: recall is only allowed in pre hooks", i)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
