// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/intercept/pkg/export"
)

// CallMetrics tracks call counts and durations per hooked function.
type CallMetrics struct {
	mu        sync.RWMutex
	functions map[string]*functionMetrics
	buckets   []float64
	startTime time.Time // OTLP StartTimeUnixNano for cumulative metrics
}

type functionMetrics struct {
	callCount      atomic.Uint64
	skipCount      atomic.Uint64
	errorCount     atomic.Uint64
	latencySum     atomic.Int64 // nanoseconds
	latencyBuckets []atomic.Uint64
}

// DefaultBuckets are the default duration bucket boundaries in seconds.
// Intercepted calls are mostly short, so the low end is finer than for requests.
var DefaultBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// NewCallMetrics creates a per-function call tracker.
func NewCallMetrics(buckets []float64) *CallMetrics {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	return &CallMetrics{
		functions: make(map[string]*functionMetrics),
		buckets:   buckets,
		startTime: time.Now(),
	}
}

// Record records one completed call of function.
func (c *CallMetrics) Record(function string, d time.Duration, skipped, failed bool) {
	if function == "" {
		function = "unknown"
	}
	fm := c.getOrCreate(function)

	fm.callCount.Add(1)
	if skipped {
		fm.skipCount.Add(1)
	}
	if failed {
		fm.errorCount.Add(1)
	}

	fm.latencySum.Add(d.Nanoseconds())

	// Non-cumulative; cumulative computed at export
	sec := d.Seconds()
	for i, bound := range c.buckets {
		if sec <= bound {
			fm.latencyBuckets[i].Add(1)
			return
		}
	}
}

func (c *CallMetrics) getOrCreate(function string) *functionMetrics {
	c.mu.RLock()
	fm, ok := c.functions[function]
	c.mu.RUnlock()

	if ok {
		return fm
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if fm, ok = c.functions[function]; ok {
		return fm
	}
	fm = &functionMetrics{
		latencyBuckets: make([]atomic.Uint64, len(c.buckets)),
	}
	c.functions[function] = fm
	return fm
}

// Collect returns the current call metrics, ordered by function name.
func (c *CallMetrics) Collect(now time.Time) []*export.Metric {
	c.mu.RLock()
	names := make([]string, 0, len(c.functions))
	for name := range c.functions {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	var out []*export.Metric
	for _, name := range names {
		c.mu.RLock()
		fm := c.functions[name]
		c.mu.RUnlock()

		count := fm.callCount.Load()
		if count == 0 {
			continue
		}
		labels := map[string]string{"code.function": name}
		sum := float64(fm.latencySum.Load()) / float64(time.Second)

		buckets := make([]export.HistogramBucket, len(c.buckets))
		var cumulative uint64
		for i, bound := range c.buckets {
			cumulative += fm.latencyBuckets[i].Load()
			buckets[i] = export.HistogramBucket{UpperBound: bound, Count: cumulative}
		}

		out = append(out,
			&export.Metric{
				Name:        "intercept.call.count",
				Description: "Calls that passed through a hook",
				Unit:        "{calls}",
				Type:        export.MetricCounter,
				Value:       float64(count),
				Timestamp:   now,
				StartTime:   c.startTime,
				Labels:      labels,
			},
			&export.Metric{
				Name:        "intercept.call.skipped",
				Description: "Calls answered by the hook without running the original",
				Unit:        "{calls}",
				Type:        export.MetricCounter,
				Value:       float64(fm.skipCount.Load()),
				Timestamp:   now,
				StartTime:   c.startTime,
				Labels:      labels,
			},
			&export.Metric{
				Name:        "intercept.call.errors",
				Description: "Calls that returned with a non-zero last error",
				Unit:        "{calls}",
				Type:        export.MetricCounter,
				Value:       float64(fm.errorCount.Load()),
				Timestamp:   now,
				StartTime:   c.startTime,
				Labels:      labels,
			},
			&export.Metric{
				Name:        "intercept.call.duration",
				Description: "Time between entering and leaving a hooked function",
				Unit:        "s",
				Type:        export.MetricHistogram,
				Value:       sum,
				Timestamp:   now,
				StartTime:   c.startTime,
				Labels:      labels,
				Histogram: &export.HistogramValue{
					Count:   count,
					Sum:     sum,
					Buckets: buckets,
				},
			},
			&export.Metric{
				Name:      "intercept.call.duration.p99",
				Unit:      "s",
				Type:      export.MetricGauge,
				Value:     c.percentile(fm, 0.99),
				Timestamp: now,
				Labels:    labels,
			},
		)
	}
	return out
}

func (c *CallMetrics) percentile(fm *functionMetrics, p float64) float64 {
	total := fm.callCount.Load()
	if total == 0 {
		return 0
	}

	target := uint64(float64(total) * p)
	var cumulative uint64
	for i, bound := range c.buckets {
		cumulative += fm.latencyBuckets[i].Load()
		if cumulative >= target {
			return bound
		}
	}
	return c.buckets[len(c.buckets)-1]
}

// Summary returns a human-readable summary for a function.
func (c *CallMetrics) Summary(function string) string {
	c.mu.RLock()
	fm, ok := c.functions[function]
	c.mu.RUnlock()

	if !ok {
		return "no data"
	}

	count := fm.callCount.Load()
	avgUs := float64(0)
	if count > 0 {
		avgUs = float64(fm.latencySum.Load()) / float64(count) / float64(time.Microsecond)
	}
	return fmt.Sprintf("calls=%d skipped=%d errors=%d avg=%.1fus",
		count, fm.skipCount.Load(), fm.errorCount.Load(), avgUs)
}
