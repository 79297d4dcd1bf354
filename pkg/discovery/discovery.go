// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package discovery names the service the intercepted process belongs to.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Auto asks for the name to be discovered.
const Auto = "auto"

// ServiceInfo holds information about the discovered service.
type ServiceInfo struct {
	Name         string
	PID          uint32
	Executable   string
	Cmdline      string
	Source       string // "config", "environment", "executable", "pid"
	DiscoveredAt time.Time
}

// processSource reads facts about a process.
type processSource interface {
	Environ(pid int32) ([]string, error)
	Name(pid int32) (string, error)
	Exe(pid int32) (string, error)
	Cmdline(pid int32) (string, error)
}

type gopsutilSource struct{}

func (gopsutilSource) proc(pid int32) (*process.Process, error) { return process.NewProcess(pid) }

func (s gopsutilSource) Environ(pid int32) ([]string, error) {
	p, err := s.proc(pid)
	if err != nil {
		return nil, err
	}
	return p.Environ()
}

func (s gopsutilSource) Name(pid int32) (string, error) {
	p, err := s.proc(pid)
	if err != nil {
		return "", err
	}
	return p.Name()
}

func (s gopsutilSource) Exe(pid int32) (string, error) {
	p, err := s.proc(pid)
	if err != nil {
		return "", err
	}
	return p.Exe()
}

func (s gopsutilSource) Cmdline(pid int32) (string, error) {
	p, err := s.proc(pid)
	if err != nil {
		return "", err
	}
	return p.Cmdline()
}

// Discoverer resolves the service name of the current process once and
// caches it.
type Discoverer struct {
	logger  *zap.Logger
	envVars []string
	src     processSource
	pid     int32

	mu   sync.Mutex
	info *ServiceInfo
}

// NewDiscoverer creates a discoverer for the current process.
func NewDiscoverer(envVars []string, logger *zap.Logger) *Discoverer {
	if len(envVars) == 0 {
		envVars = []string{"OTEL_SERVICE_NAME", "SERVICE_NAME", "DD_SERVICE", "APP_NAME"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		logger:  logger,
		envVars: envVars,
		src:     gopsutilSource{},
		pid:     int32(os.Getpid()),
	}
}

// ServiceName returns configured unless it is empty or "auto", in which
// case the name is discovered.
func (d *Discoverer) ServiceName(configured string) string {
	if configured != "" && !strings.EqualFold(configured, Auto) {
		return configured
	}
	return d.Discover().Name
}

// Discover returns the cached service info, discovering it on first use.
func (d *Discoverer) Discover() *ServiceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.info == nil {
		d.info = d.discover()
		d.logger.Info("service discovered",
			zap.String("name", d.info.Name),
			zap.String("source", d.info.Source),
			zap.String("executable", d.info.Executable),
		)
	}
	return d.info
}

// Refresh drops the cached result.
func (d *Discoverer) Refresh() {
	d.mu.Lock()
	d.info = nil
	d.mu.Unlock()
}

func (d *Discoverer) discover() *ServiceInfo {
	info := &ServiceInfo{
		PID:          uint32(d.pid),
		DiscoveredAt: time.Now(),
	}
	info.Executable, _ = d.src.Exe(d.pid)
	info.Cmdline, _ = d.src.Cmdline(d.pid)

	// 1. Environment variables, in configured priority order
	if envs, err := d.src.Environ(d.pid); err == nil {
		for _, varName := range d.envVars {
			for _, env := range envs {
				if v, ok := strings.CutPrefix(env, varName+"="); ok && v != "" {
					info.Name = v
					info.Source = "environment"
					return info
				}
			}
		}
	}

	// 2. Executable name
	name, err := d.src.Name(d.pid)
	if err != nil || name == "" {
		name = filepath.Base(info.Executable)
	}
	if clean := cleanExeName(name); clean != "" {
		info.Name = clean
		info.Source = "executable"
		return info
	}

	info.Name = fmt.Sprintf("pid-%d", d.pid)
	info.Source = "pid"
	return info
}

func cleanExeName(name string) string {
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	lower := strings.ToLower(name)
	for _, suffix := range []string{".exe", ".bin"} {
		if strings.HasSuffix(lower, suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	return name
}
