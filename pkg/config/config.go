// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the intercept agent.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"INTERCEPT_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"INTERCEPT_LOG_LEVEL"`
	Engine      EngineConfig    `yaml:"engine"`
	Hooks       []HookSpec      `yaml:"hooks"`
	Tracing     TracingConfig   `yaml:"tracing"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Exporters   ExportersConfig `yaml:"exporters"`
	Discovery   DiscoveryConfig `yaml:"discovery"`
	Health      HealthConfig    `yaml:"health"`
	Redaction   RedactionConfig `yaml:"redaction"`
}

// EngineConfig tunes how safe patch lengths are found.
type EngineConfig struct {
	PrologueWindow int      `yaml:"prologue_window"`
	Prologues      []string `yaml:"prologues"` // extra "name=PATTERN:count" entries, tried first
	Decoder        *bool    `yaml:"decoder"`   // instruction-length fallback (default: true)
}

// DecoderEnabled returns whether the instruction decoder fallback is on.
// Defaults to true when not explicitly set.
func (e *EngineConfig) DecoderEnabled() bool {
	if e.Decoder == nil {
		return true
	}
	return *e.Decoder
}

// HookSpec declares one function to intercept.
type HookSpec struct {
	Module      string    `yaml:"module"`
	Function    string    `yaml:"function"`
	Address     string    `yaml:"address"` // "0x401000", or "+0x1a20" relative to module
	Convention  string    `yaml:"convention"`
	ArgsSize    *int      `yaml:"args_size"` // stack bytes; nil = unknown
	Args        []ArgSpec `yaml:"args"`
	Action      string    `yaml:"action"` // "log" (default) or "skip"
	ReturnValue uint32    `yaml:"return_value"`
	LastError   *uint32   `yaml:"last_error"`
	Disabled    bool      `yaml:"disabled"`
}

// ArgSpec declares one argument of a hooked function.
type ArgSpec struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Direction  string         `yaml:"direction"` // "in", "out", "inout"
	Length     int            `yaml:"length"`
	LengthFrom string         `yaml:"length_from"`
	Max        int            `yaml:"max"`
	Pointee    string         `yaml:"pointee"`
	Values     map[int]string `yaml:"values"`
}

// Key identifies the hook target: "module!function" or "module+address".
func (h *HookSpec) Key() string {
	target := h.Function
	if target == "" {
		target = h.Address
	}
	if h.Module == "" {
		return target
	}
	if strings.HasPrefix(target, "+") {
		return h.Module + target
	}
	return h.Module + "!" + target
}

// Skip reports whether the hook replaces the original function.
func (h *HookSpec) Skip() bool {
	return strings.EqualFold(h.Action, "skip")
}

// ParseAddress returns the numeric address and whether it is relative to
// the module base.
func (h *HookSpec) ParseAddress() (addr uint64, relative bool, err error) {
	s := strings.TrimSpace(h.Address)
	if strings.HasPrefix(s, "+") {
		relative = true
		s = s[1:]
	}
	addr, err = strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, false, fmt.Errorf("hook %s: bad address %q: %w", h.Key(), h.Address, err)
	}
	return addr, relative, nil
}

type TracingConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Sampling SamplingConfig `yaml:"sampling"`
}

type MetricsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Process  MetricsToggle  `yaml:"process"`
	Calls    CallMetricsCfg `yaml:"calls"`
	Interval time.Duration  `yaml:"interval"`
}

type MetricsToggle struct {
	Enabled bool `yaml:"enabled"`
}

// CallMetricsCfg configures per-function call counters and durations.
type CallMetricsCfg struct {
	Enabled bool      `yaml:"enabled"`
	Buckets []float64 `yaml:"buckets"` // Duration histogram buckets in seconds
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

type DiscoveryConfig struct {
	Enabled bool     `yaml:"enabled"`
	EnvVars []string `yaml:"env_vars"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"INTERCEPT_HEALTH_PORT"` // e.g. ":8687"
}

// RedactionConfig configures redaction of formatted argument values.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// SamplingConfig configures trace sampling.
type SamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0-1.0, default 1.0 (keep all)
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
		ServiceName: "auto",
		LogLevel:    "info",
		Engine: EngineConfig{
			PrologueWindow: 32,
		},
		Tracing: TracingConfig{
			Enabled:  true,
			Sampling: SamplingConfig{Rate: 1.0},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Process: MetricsToggle{Enabled: true},
			Calls: CallMetricsCfg{
				Enabled: true,
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			Interval: 15 * time.Second,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Insecure: true,
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			EnvVars: []string{
				"OTEL_SERVICE_NAME",
				"SERVICE_NAME",
				"DD_SERVICE",
				"APP_NAME",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml    → service_name, log_level, engine, exporters, discovery, health
//   - traces.yaml  → tracing, redaction
//   - metrics.yaml → metrics
//   - hooks.yaml   → hooks
//   - hooks.d/*.yaml → more hooks, appended in file name order
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "traces.yaml", "metrics.yaml", "hooks.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	extra, err := filepath.Glob(filepath.Join(dir, "hooks.d", "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list hooks.d: %w", err)
	}
	sort.Strings(extra)
	for _, path := range extra {
		var doc struct {
			Hooks []HookSpec `yaml:"hooks"`
		}
		if err := loadFileInto(path, &doc); err != nil {
			return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
		}
		cfg.Hooks = append(cfg.Hooks, doc.Hooks...)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into v, overwriting
// only the fields present in the file.
func loadFileInto(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// ApplyEnvOverrides reads INTERCEPT_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"INTERCEPT_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"INTERCEPT_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"INTERCEPT_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"INTERCEPT_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"INTERCEPT_EXPORTERS_STDOUT_FORMAT": func(v string) { c.Exporters.Stdout.Format = v },
	}

	boolOverrides := map[string]*bool{
		"INTERCEPT_TRACING_ENABLED":          &c.Tracing.Enabled,
		"INTERCEPT_METRICS_ENABLED":          &c.Metrics.Enabled,
		"INTERCEPT_HEALTH_ENABLED":           &c.Health.Enabled,
		"INTERCEPT_REDACTION_ENABLED":        &c.Redaction.Enabled,
		"INTERCEPT_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"INTERCEPT_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
	}

	floatOverrides := map[string]*float64{
		"INTERCEPT_TRACING_SAMPLING_RATE": &c.Tracing.Sampling.Rate,
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

	for envKey, target := range floatOverrides {
		if val := os.Getenv(envKey); val != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				*target = f
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

var (
	knownConventions = map[string]bool{
		"": true, "unknown": true, "stdcall": true, "__stdcall": true, "winapi": true,
		"thiscall": true, "__thiscall": true, "cdecl": true, "__cdecl": true,
	}
	knownDirections = map[string]bool{"": true, "in": true, "out": true, "inout": true}
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}
	if f := c.Exporters.Stdout.Format; c.Exporters.Stdout.Enabled && f != "text" && f != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}
	if r := c.Tracing.Sampling.Rate; r < 0 || r > 1 {
		return fmt.Errorf("tracing.sampling.rate must be between 0 and 1")
	}
	if c.Engine.PrologueWindow < 0 {
		return fmt.Errorf("engine.prologue_window must not be negative")
	}

	seen := make(map[string]bool)
	for i := range c.Hooks {
		h := &c.Hooks[i]
		if err := h.validate(); err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		if seen[h.Key()] {
			return fmt.Errorf("hooks[%d]: duplicate hook %s", i, h.Key())
		}
		seen[h.Key()] = true
	}
	return nil
}

func (h *HookSpec) validate() error {
	if h.Function == "" && h.Address == "" {
		return fmt.Errorf("function or address is required")
	}
	if h.Function != "" && h.Module == "" {
		return fmt.Errorf("%s: module is required to resolve a function by name", h.Function)
	}
	if h.Address != "" {
		if _, relative, err := h.ParseAddress(); err != nil {
			return err
		} else if relative && h.Module == "" {
			return fmt.Errorf("%s: relative address needs a module", h.Address)
		}
	}
	if !knownConventions[strings.ToLower(h.Convention)] {
		return fmt.Errorf("%s: unknown convention %q", h.Key(), h.Convention)
	}
	if h.ArgsSize != nil && (*h.ArgsSize < 0 || *h.ArgsSize > 0xffff || *h.ArgsSize%4 != 0) {
		return fmt.Errorf("%s: args_size must be a multiple of 4 below 65536", h.Key())
	}
	switch strings.ToLower(h.Action) {
	case "", "log", "skip":
	default:
		return fmt.Errorf("%s: action must be 'log' or 'skip'", h.Key())
	}
	if h.Skip() && h.ArgsSize == nil && len(h.Args) == 0 && !strings.Contains(strings.ToLower(h.Convention), "cdecl") {
		return fmt.Errorf("%s: skip needs args_size or args unless the convention is cdecl", h.Key())
	}

	names := make(map[string]bool)
	for j, a := range h.Args {
		if a.Type == "" {
			return fmt.Errorf("%s: args[%d]: type is required", h.Key(), j)
		}
		if !knownDirections[strings.ToLower(a.Direction)] {
			return fmt.Errorf("%s: args[%d]: unknown direction %q", h.Key(), j, a.Direction)
		}
		if a.Name != "" {
			key := strings.ToLower(a.Name)
			if names[key] {
				return fmt.Errorf("%s: duplicate argument %q", h.Key(), a.Name)
			}
			names[key] = true
		}
	}
	for _, a := range h.Args {
		if a.LengthFrom != "" && !names[strings.ToLower(a.LengthFrom)] && !isBuiltinProperty(a.LengthFrom) {
			return fmt.Errorf("%s: %s: length_from %q names no argument", h.Key(), a.Name, a.LengthFrom)
		}
	}
	return nil
}

func isBuiltinProperty(name string) bool {
	switch strings.ToLower(name) {
	case "eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp", "retval", "returnvalue", "lasterror":
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), "arg")
}
