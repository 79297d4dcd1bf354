// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/config"
	"github.com/mbeema/intercept/pkg/export"
)

// Source produces a batch of metrics at collection time.
type Source interface {
	Collect(now time.Time) []*export.Metric
}

// Collector polls its sources on an interval and emits the results.
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	sources  []Source

	mu        sync.RWMutex
	callbacks []func(*export.Metric)

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector. Sources are added with AddSource.
func NewCollector(cfg *config.MetricsConfig, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// AddSource registers a metric source. Call before Start.
func (c *Collector) AddSource(s Source) {
	c.sources = append(c.sources, s)
}

// OnMetric registers a callback for emitted metrics.
func (c *Collector) OnMetric(fn func(*export.Metric)) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *Collector) emit(m *export.Metric) {
	c.mu.RLock()
	cbs := c.callbacks
	c.mu.RUnlock()

	for _, cb := range cbs {
		cb(m)
	}
}

// Start begins periodic metric collection.
func (c *Collector) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	c.logger.Info("metrics collector started", zap.Duration("interval", c.interval))
	return nil
}

// Stop halts collection and emits one final batch.
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.Collect()
	})
	return nil
}

// Collect polls every source once.
func (c *Collector) Collect() {
	now := time.Now()
	for _, s := range c.sources {
		for _, m := range s.Collect(now) {
			c.emit(m)
		}
	}
}
