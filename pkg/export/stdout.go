// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/traces"
)

// StdoutExporter prints telemetry as text lines or JSON objects.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a stdout exporter. A nil writer means
// os.Stdout.
func NewStdoutExporter(format string, out io.Writer, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	if out == nil {
		out = os.Stdout
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
		out:    out,
	}
}

// ExportSpans prints one line per call span.
func (e *StdoutExporter) ExportSpans(ctx context.Context, spans []*traces.Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range spans {
		if e.format == "json" {
			e.printJSON("span", map[string]interface{}{
				"trace_id":    s.TraceID,
				"span_id":     s.SpanID,
				"parent_id":   s.ParentSpanID,
				"name":        s.Name,
				"start":       s.StartTime.Format(time.RFC3339Nano),
				"end":         s.EndTime.Format(time.RFC3339Nano),
				"duration_us": s.Duration.Microseconds(),
				"status":      statusName(s.Status),
				"service":     s.ServiceName,
				"tid":         s.TID,
				"skipped":     s.Skipped,
				"attributes":  s.Attributes,
			})
			continue
		}
		skipped := ""
		if s.Skipped {
			skipped = " skipped"
		}
		fmt.Fprintf(e.out,
			"[SPAN] trace=%s span=%s name=%-40s %s %8dus tid=%d%s %s\n",
			short(s.TraceID, 16), short(s.SpanID, 8), s.Name,
			statusName(s.Status), s.Duration.Microseconds(),
			s.TID, skipped, formatAttrs(s.Attributes),
		)
	}
	return nil
}

// ExportLogs prints call log records.
func (e *StdoutExporter) ExportLogs(ctx context.Context, logs []*LogRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, l := range logs {
		if e.format == "json" {
			e.printJSON("log", map[string]interface{}{
				"timestamp":  l.Timestamp.Format(time.RFC3339Nano),
				"level":      l.Level,
				"body":       l.Body,
				"trace_id":   l.TraceID,
				"span_id":    l.SpanID,
				"service":    l.ServiceName,
				"function":   l.Function,
				"tid":        l.TID,
				"attributes": l.Attributes,
			})
			continue
		}
		traceInfo := ""
		if l.TraceID != "" {
			traceInfo = fmt.Sprintf(" trace=%s span=%s", short(l.TraceID, 16), short(l.SpanID, 8))
		}
		fmt.Fprintf(e.out, "[CALL] %-5s tid=%d%s %s\n", l.Level, l.TID, traceInfo, l.Body)
	}
	return nil
}

// ExportMetrics prints metrics.
func (e *StdoutExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range metrics {
		value := m.Value
		if m.Histogram != nil {
			value = float64(m.Histogram.Count)
		}
		if e.format == "json" {
			e.printJSON("metric", map[string]interface{}{
				"name":      m.Name,
				"type":      metricTypeName(m.Type),
				"value":     value,
				"unit":      m.Unit,
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"labels":    m.Labels,
			})
			continue
		}
		fmt.Fprintf(e.out,
			"[METRIC] %-40s %s %.4f %s %s\n",
			m.Name, metricTypeName(m.Type), value, m.Unit, formatLabels(m.Labels),
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *StdoutExporter) printJSON(typ string, data map[string]interface{}) {
	data["_type"] = typ
	b, err := json.Marshal(data)
	if err != nil {
		e.logger.Debug("stdout marshal failed", zap.Error(err))
		return
	}
	fmt.Fprintf(e.out, "%s\n", b)
}

func short(s string, n int) string {
	return s[:min(len(s), n)]
}

func statusName(s traces.StatusCode) string {
	if s == traces.StatusError {
		return "ERR"
	}
	return "OK"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatAttrs(attrs map[string]string) string {
	var parts []string
	for _, k := range sortedKeys(attrs) {
		parts = append(parts, fmt.Sprintf("%s=%s", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	var parts []string
	for _, k := range sortedKeys(labels) {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func metricTypeName(t MetricType) string {
	switch t {
	case MetricGauge:
		return "gauge"
	case MetricCounter:
		return "counter"
	case MetricHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}
