// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"testing"
	"time"

	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/intercept/pkg/traces"
)

func testSpan() *traces.Span {
	s := traces.NewSpan("kernel32.dll!CreateFileW")
	s.ServiceName = "notepad"
	s.PID = 1234
	s.TID = 77
	s.Function = "CreateFileW"
	s.Module = "kernel32.dll"
	s.Skipped = true
	s.SetAttribute("intercept.arg.lpFileName", `"C:\\x.txt"`)
	s.End()
	return s
}

func TestConvertSpan(t *testing.T) {
	s := testSpan()
	s.SetError("ERROR_ACCESS_DENIED")

	ps, err := convertSpan(s)
	if err != nil {
		t.Fatal(err)
	}
	if ps.Name != s.Name || len(ps.TraceId) != 16 || len(ps.SpanId) != 8 {
		t.Errorf("span header = %q %x %x", ps.Name, ps.TraceId, ps.SpanId)
	}
	if ps.Status.Code != tracepb.Status_STATUS_CODE_ERROR || ps.Status.Message != "ERROR_ACCESS_DENIED" {
		t.Errorf("status = %v", ps.Status)
	}
	if len(ps.Events) != 1 {
		t.Errorf("events = %d, want 1", len(ps.Events))
	}

	attrs := map[string]string{}
	var skipped bool
	for _, kv := range ps.Attributes {
		if kv.Key == "intercept.skipped" {
			skipped = kv.Value.GetBoolValue()
			continue
		}
		attrs[kv.Key] = kv.Value.GetStringValue()
	}
	if !skipped {
		t.Error("intercept.skipped not set")
	}
	if attrs["code.function"] != "CreateFileW" || attrs["code.namespace"] != "kernel32.dll" {
		t.Errorf("code attrs = %v", attrs)
	}
	if attrs["intercept.arg.lpFileName"] == "" {
		t.Error("custom attribute lost")
	}
}

func TestConvertSpanRejectsBadIDs(t *testing.T) {
	s := testSpan()
	s.TraceID = "xyz"
	if _, err := convertSpan(s); err == nil {
		t.Error("expected error for invalid trace ID")
	}
}

func TestConvertSpanParent(t *testing.T) {
	parent := testSpan()
	child := parent.NewChild("inner")
	ps, err := convertSpan(child)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps.ParentSpanId) != 8 {
		t.Errorf("parent span id = %x", ps.ParentSpanId)
	}
}

func TestResourceSpansGrouping(t *testing.T) {
	e := &OTLPExporter{serviceName: "fallback", logger: zaptest.NewLogger(t)}
	a, b := testSpan(), testSpan()
	c := testSpan()
	c.ServiceName = "other"
	bad := testSpan()
	bad.SpanID = ""

	rs := e.resourceSpans([]*traces.Span{a, b, c, bad})
	if len(rs) != 2 {
		t.Fatalf("resource spans = %d, want 2", len(rs))
	}
	if n := len(rs[0].ScopeSpans[0].Spans); n != 2 {
		t.Errorf("first group spans = %d, want 2", n)
	}
}

func TestResourceForServiceFallback(t *testing.T) {
	e := &OTLPExporter{serviceName: "fallback-svc"}
	res := e.resourceForService("", 1234)
	var name string
	var pid int64
	for _, attr := range res.Attributes {
		switch attr.Key {
		case "service.name":
			name = attr.Value.GetStringValue()
		case "process.pid":
			pid = attr.Value.GetIntValue()
		}
	}
	if name != "fallback-svc" || pid != 1234 {
		t.Errorf("service.name=%q process.pid=%d", name, pid)
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := &HistogramValue{
		Count: 10,
		Sum:   1.5,
		Buckets: []HistogramBucket{
			{UpperBound: 0.001, Count: 2},
			{UpperBound: 0.01, Count: 5},
			{UpperBound: 0.1, Count: 9},
		},
	}
	bounds, counts := histogramBuckets(h)
	if len(bounds) != 3 || len(counts) != 4 {
		t.Fatalf("len(bounds)=%d len(counts)=%d", len(bounds), len(counts))
	}
	want := []uint64{2, 3, 4, 1}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("counts = %v, want %v", counts, want)
			break
		}
	}
}

func TestConvertMetric(t *testing.T) {
	now := time.Now()
	counter := convertMetric(&Metric{
		Name: "intercept.calls", Type: MetricCounter, Value: 3,
		StartTime: now.Add(-time.Minute), Timestamp: now,
		Labels: map[string]string{"function": "f"},
	})
	sum := counter.GetSum()
	if sum == nil || !sum.IsMonotonic || sum.DataPoints[0].GetAsDouble() != 3 {
		t.Fatalf("counter = %v", counter)
	}
	if sum.DataPoints[0].StartTimeUnixNano == 0 {
		t.Error("counter start time missing")
	}

	gauge := convertMetric(&Metric{Name: "process.memory", Type: MetricGauge, Value: 42, Timestamp: now})
	if gauge.GetGauge().DataPoints[0].GetAsDouble() != 42 {
		t.Errorf("gauge = %v", gauge)
	}

	if m := convertMetric(&Metric{Name: "h", Type: MetricHistogram}); m != nil {
		t.Error("histogram without value should be skipped")
	}

	hist := convertMetric(&Metric{
		Name: "intercept.call.duration", Type: MetricHistogram, Timestamp: now,
		Histogram: &HistogramValue{Count: 1, Sum: 0.002, Buckets: []HistogramBucket{{UpperBound: 0.01, Count: 1}}},
	})
	dp := hist.GetHistogram().DataPoints[0]
	if dp.Count != 1 || dp.GetSum() != 0.002 {
		t.Errorf("histogram point = %v", dp)
	}
	if hist.GetHistogram().AggregationTemporality != metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE {
		t.Error("histogram should be cumulative")
	}
}

func TestConvertLogRecord(t *testing.T) {
	s := testSpan()
	l := &LogRecord{
		Timestamp:  time.Now(),
		Body:       "CreateFileW(lpFileName=\"a\") => 0x00000010",
		Level:      "INFO",
		Attributes: map[string]interface{}{"intercept.skipped": false},
		TID:        77,
		TraceID:    s.TraceID,
		SpanID:     s.SpanID,
		Function:   "kernel32.dll!CreateFileW",
	}
	pl := convertLogRecord(l)
	if pl.Flags != 1 || len(pl.TraceId) != 16 || len(pl.SpanId) != 8 {
		t.Errorf("trace context = %x/%x flags=%d", pl.TraceId, pl.SpanId, pl.Flags)
	}
	if pl.Body.GetStringValue() != l.Body {
		t.Errorf("body = %q", pl.Body.GetStringValue())
	}
	keys := map[string]bool{}
	for _, kv := range pl.Attributes {
		keys[kv.Key] = true
	}
	for _, k := range []string{"intercept.skipped", "code.function", "thread.id"} {
		if !keys[k] {
			t.Errorf("attribute %s missing", k)
		}
	}
	if len(l.Attributes) != 1 {
		t.Error("input attributes were mutated")
	}
}

func TestSanitizeUTF8(t *testing.T) {
	if got := sanitizeUTF8("ok"); got != "ok" {
		t.Errorf("got %q", got)
	}
	if got := sanitizeUTF8("a\xffb"); got != "a\uFFFDb" {
		t.Errorf("got %q", got)
	}
}
