// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/export"
)

// ProcessCollector gathers resource metrics for the host process.
type ProcessCollector struct {
	logger    *zap.Logger
	startTime time.Time

	mu   sync.Mutex
	pid  int32
	proc *process.Process
}

// NewProcessCollector creates a collector for pid.
func NewProcessCollector(pid int32, logger *zap.Logger) *ProcessCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessCollector{
		logger:    logger,
		startTime: time.Now(),
		pid:       pid,
	}
}

// The handle is kept so CPUPercent measures between collections.
func (pc *ProcessCollector) handle() (*process.Process, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.proc != nil {
		return pc.proc, nil
	}
	proc, err := process.NewProcess(pc.pid)
	if err != nil {
		return nil, err
	}
	pc.proc = proc
	return proc, nil
}

// Collect returns the current process metrics.
func (pc *ProcessCollector) Collect(now time.Time) []*export.Metric {
	proc, err := pc.handle()
	if err != nil {
		pc.logger.Debug("process not found", zap.Int32("pid", pc.pid), zap.Error(err))
		return nil
	}

	name, _ := proc.Name()
	labels := map[string]string{
		"pid":          strconv.Itoa(int(pc.pid)),
		"process_name": name,
	}

	var out []*export.Metric
	gauge := func(metric, unit string, v float64) {
		out = append(out, &export.Metric{
			Name: metric, Unit: unit, Type: export.MetricGauge,
			Value: v, Timestamp: now, Labels: labels,
		})
	}
	counter := func(metric, unit string, v float64, extra map[string]string) {
		out = append(out, &export.Metric{
			Name: metric, Unit: unit, Type: export.MetricCounter,
			Value: v, Timestamp: now, StartTime: pc.startTime,
			Labels: mergeMaps(labels, extra),
		})
	}

	if cpuPct, err := proc.CPUPercent(); err == nil {
		gauge("process.cpu.utilization", "1", cpuPct/100)
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		gauge("process.memory.usage", "By", float64(memInfo.RSS))
		gauge("process.memory.virtual", "By", float64(memInfo.VMS))
	}
	if memPct, err := proc.MemoryPercent(); err == nil {
		gauge("process.memory.utilization", "1", float64(memPct)/100)
	}
	if threads, err := proc.NumThreads(); err == nil {
		gauge("process.thread.count", "{threads}", float64(threads))
	}
	if fds, err := proc.NumFDs(); err == nil {
		gauge("process.unix.file_descriptor.count", "{descriptors}", float64(fds))
	}
	if io, err := proc.IOCounters(); err == nil {
		counter("process.disk.io", "By", float64(io.ReadBytes), map[string]string{"disk.io.direction": "read"})
		counter("process.disk.io", "By", float64(io.WriteBytes), map[string]string{"disk.io.direction": "write"})
	}
	if cs, err := proc.NumCtxSwitches(); err == nil {
		counter("process.context_switches", "{switches}", float64(cs.Voluntary), map[string]string{"process.context_switch.type": "voluntary"})
		counter("process.context_switches", "{switches}", float64(cs.Involuntary), map[string]string{"process.context_switch.type": "involuntary"})
	}
	return out
}

func mergeMaps(a, b map[string]string) map[string]string {
	m := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		m[k] = v
	}
	for k, v := range b {
		m[k] = v
	}
	return m
}
