// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mbeema/intercept/pkg/hook"
)

// Stats tracks self-monitoring counters for the agent.
type Stats struct {
	startTime time.Time
	engine    atomic.Pointer[func() hook.Stats]

	HooksFailed     atomic.Int64
	SpansExported   atomic.Int64
	SpansDropped    atomic.Int64
	LogsExported    atomic.Int64
	MetricsExported atomic.Int64
	ExportDropped   atomic.Int64
	ConfigReloads   atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// SetEngineStats installs the source of hook counters.
func (s *Stats) SetEngineStats(fn func() hook.Stats) {
	s.engine.Store(&fn)
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds   float64
	Goroutines      int
	MemorySysBytes  uint64
	Hook            hook.Stats
	HooksFailed     int64
	SpansExported   int64
	SpansDropped    int64
	LogsExported    int64
	MetricsExported int64
	ExportDropped   int64
	ConfigReloads   int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := Snapshot{
		UptimeSeconds:   s.Uptime().Seconds(),
		Goroutines:      runtime.NumGoroutine(),
		MemorySysBytes:  memStats.Sys,
		HooksFailed:     s.HooksFailed.Load(),
		SpansExported:   s.SpansExported.Load(),
		SpansDropped:    s.SpansDropped.Load(),
		LogsExported:    s.LogsExported.Load(),
		MetricsExported: s.MetricsExported.Load(),
		ExportDropped:   s.ExportDropped.Load(),
		ConfigReloads:   s.ConfigReloads.Load(),
	}
	if fn := s.engine.Load(); fn != nil {
		snap.Hook = (*fn)()
	}
	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "intercept_agent_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "intercept_agent_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "intercept_agent_memory_sys_bytes", "gauge", "Memory obtained from the OS in bytes", float64(snap.MemorySysBytes))
	b = appendMetric(b, "intercept_hooks_active", "gauge", "Functions currently hooked", float64(snap.Hook.Hooked))
	b = appendMetric(b, "intercept_hooks_failed_total", "counter", "Hooks that could not be installed", float64(snap.HooksFailed))
	b = appendMetric(b, "intercept_calls_entered_total", "counter", "Intercepted calls entered", float64(snap.Hook.Enters))
	b = appendMetric(b, "intercept_calls_left_total", "counter", "Intercepted calls completed", float64(snap.Hook.Leaves))
	b = appendMetric(b, "intercept_calls_skipped_total", "counter", "Calls completed without running the original", float64(snap.Hook.Skips))
	b = appendMetric(b, "intercept_calls_forced_carry_on_total", "counter", "Skip requests ignored for unknown stack cleanup", float64(snap.Hook.ForcedCarryOn))
	b = appendMetric(b, "intercept_handler_panics_total", "counter", "Handler panics recovered", float64(snap.Hook.HandlerPanics))
	b = appendMetric(b, "intercept_memory_faults_total", "counter", "Failed reads or writes of intercepted state", float64(snap.Hook.Faults))
	b = appendMetric(b, "intercept_calls_unwound_total", "counter", "Calls whose frame was unwound without returning", float64(snap.Hook.Unwound))
	b = appendMetric(b, "intercept_calls_reentered_total", "counter", "Hooked calls made by handlers, run untraced", float64(snap.Hook.Reentered))
	b = appendMetric(b, "intercept_spans_exported_total", "counter", "Total spans exported", float64(snap.SpansExported))
	b = appendMetric(b, "intercept_spans_dropped_total", "counter", "Spans dropped by sampling", float64(snap.SpansDropped))
	b = appendMetric(b, "intercept_logs_exported_total", "counter", "Total call logs exported", float64(snap.LogsExported))
	b = appendMetric(b, "intercept_metrics_exported_total", "counter", "Total metrics exported", float64(snap.MetricsExported))
	b = appendMetric(b, "intercept_export_dropped_total", "counter", "Telemetry dropped by the exporter", float64(snap.ExportDropped))
	b = appendMetric(b, "intercept_config_reloads_total", "counter", "Configuration reloads applied", float64(snap.ConfigReloads))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	b = append(b, '\n')
	return b
}
