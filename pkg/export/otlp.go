// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/mbeema/intercept/pkg/config"
	"github.com/mbeema/intercept/pkg/traces"
)

const (
	scopeName    = "intercept"
	scopeVersion = "0.1.0"
)

// OTLPExporter sends telemetry via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	headers     metadata.MD
	opts        []grpc.DialOption

	mu        sync.RWMutex
	conn      *grpc.ClientConn
	traceSvc  coltracepb.TraceServiceClient
	logSvc    collogspb.LogsServiceClient
	metricSvc colmetricspb.MetricsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter. The connection is
// made lazily, so an unreachable collector does not fail startup.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(4*1024*1024),
			grpc.UseCompressor("gzip"),
		),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}

	e := &OTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    cfg.Endpoint,
		headers:     metadata.New(cfg.Headers),
		opts:        opts,
	}
	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	e.metricSvc = colmetricspb.NewMetricsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}
	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))
	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

func (e *OTLPExporter) outgoing(ctx context.Context) context.Context {
	if len(e.headers) == 0 {
		return ctx
	}
	return metadata.NewOutgoingContext(ctx, e.headers)
}

// resourceForService returns the resource attributes of the intercepted
// process.
func (e *OTLPExporter) resourceForService(serviceName string, pid uint32) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	if serviceName == "" {
		serviceName = e.serviceName
	}

	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(value)}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func scope() *commonpb.InstrumentationScope {
	return &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion}
}

// ExportSpans sends call spans, one ResourceSpans per service and pid.
func (e *OTLPExporter) ExportSpans(ctx context.Context, spans []*traces.Span) error {
	if len(spans) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	req := &coltracepb.ExportTraceServiceRequest{ResourceSpans: e.resourceSpans(spans)}

	e.mu.RLock()
	svc := e.traceSvc
	e.mu.RUnlock()

	_, err := svc.Export(e.outgoing(ctx), req)
	return err
}

func (e *OTLPExporter) resourceSpans(spans []*traces.Span) []*tracepb.ResourceSpans {
	type svcKey struct {
		name string
		pid  uint32
	}
	grouped := make(map[svcKey][]*tracepb.Span)
	var order []svcKey
	for _, s := range spans {
		ps, err := convertSpan(s)
		if err != nil {
			e.logger.Debug("skip span conversion", zap.Error(err))
			continue
		}
		key := svcKey{name: s.ServiceName, pid: s.PID}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], ps)
	}

	out := make([]*tracepb.ResourceSpans, 0, len(order))
	for _, key := range order {
		out = append(out, &tracepb.ResourceSpans{
			Resource:   e.resourceForService(key.name, key.pid),
			ScopeSpans: []*tracepb.ScopeSpans{{Scope: scope(), Spans: grouped[key]}},
		})
	}
	return out
}

func convertSpan(s *traces.Span) (*tracepb.Span, error) {
	traceID, err := hexToBytes(s.TraceID, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid trace ID: %w", err)
	}
	spanID, err := hexToBytes(s.SpanID, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid span ID: %w", err)
	}

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              sanitizeUTF8(s.Name),
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
		Status:            &tracepb.Status{},
	}
	if s.ParentSpanID != "" {
		if parentID, err := hexToBytes(s.ParentSpanID, 8); err == nil {
			ps.ParentSpanId = parentID
		}
	}

	switch s.Status {
	case traces.StatusOK:
		ps.Status.Code = tracepb.Status_STATUS_CODE_OK
	case traces.StatusError:
		ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
		ps.Status.Message = sanitizeUTF8(s.StatusMsg)
	default:
		ps.Status.Code = tracepb.Status_STATUS_CODE_UNSET
	}

	ps.Attributes = append(ps.Attributes,
		strAttr("code.function", s.Function),
		intAttr("thread.id", int64(s.TID)),
		&commonpb.KeyValue{Key: "intercept.skipped", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: s.Skipped}}},
	)
	if s.Module != "" {
		ps.Attributes = append(ps.Attributes, strAttr("code.namespace", s.Module))
	}
	for k, v := range s.Attributes {
		ps.Attributes = append(ps.Attributes, strAttr(k, v))
	}

	for _, ev := range s.Events {
		pe := &tracepb.Span_Event{
			Name:         sanitizeUTF8(ev.Name),
			TimeUnixNano: uint64(ev.Timestamp.UnixNano()),
		}
		for k, v := range ev.Attributes {
			pe.Attributes = append(pe.Attributes, strAttr(k, v))
		}
		ps.Events = append(ps.Events, pe)
	}
	return ps, nil
}

func convertLogRecord(l *LogRecord) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano: uint64(l.Timestamp.UnixNano()),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(l.Body)},
		},
		SeverityText:   l.Level,
		SeverityNumber: logspb.SeverityNumber(l.SeverityNumber),
	}
	if l.TraceID != "" {
		if tid, err := hexToBytes(l.TraceID, 16); err == nil {
			pl.TraceId = tid
			pl.Flags = 0x01 // sampled
		}
	}
	if l.SpanID != "" {
		if sid, err := hexToBytes(l.SpanID, 8); err == nil {
			pl.SpanId = sid
		}
	}

	// Copy so concurrent exporters never share the input map.
	attrs := make(map[string]interface{}, len(l.Attributes)+2)
	for k, v := range l.Attributes {
		attrs[k] = v
	}
	if l.Function != "" {
		attrs["code.function"] = l.Function
	}
	if l.TID != 0 {
		attrs["thread.id"] = l.TID
	}
	for k, v := range attrs {
		pl.Attributes = append(pl.Attributes, &commonpb.KeyValue{Key: k, Value: toAnyValue(v)})
	}
	return pl
}

// ExportLogs sends call log records, one ResourceLogs per service.
func (e *OTLPExporter) ExportLogs(ctx context.Context, logs []*LogRecord) error {
	if len(logs) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	type svcKey struct {
		name string
		pid  int
	}
	grouped := make(map[svcKey][]*logspb.LogRecord)
	for _, l := range logs {
		key := svcKey{name: l.ServiceName, pid: l.PID}
		grouped[key] = append(grouped[key], convertLogRecord(l))
	}

	resourceLogs := make([]*logspb.ResourceLogs, 0, len(grouped))
	for key, records := range grouped {
		resourceLogs = append(resourceLogs, &logspb.ResourceLogs{
			Resource:  e.resourceForService(key.name, uint32(key.pid)),
			ScopeLogs: []*logspb.ScopeLogs{{Scope: scope(), LogRecords: records}},
		})
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(e.outgoing(ctx), &collogspb.ExportLogsServiceRequest{ResourceLogs: resourceLogs})
	return err
}

// ExportMetrics sends metrics, one ResourceMetrics per service.
func (e *OTLPExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	grouped := make(map[string][]*metricspb.Metric)
	for _, m := range metrics {
		if pm := convertMetric(m); pm != nil {
			grouped[m.ServiceName] = append(grouped[m.ServiceName], pm)
		}
	}

	resourceMetrics := make([]*metricspb.ResourceMetrics, 0, len(grouped))
	for svcName, protoMetrics := range grouped {
		resourceMetrics = append(resourceMetrics, &metricspb.ResourceMetrics{
			Resource:     e.resourceForService(svcName, uint32(os.Getpid())),
			ScopeMetrics: []*metricspb.ScopeMetrics{{Scope: scope(), Metrics: protoMetrics}},
		})
	}

	e.mu.RLock()
	svc := e.metricSvc
	e.mu.RUnlock()

	_, err := svc.Export(e.outgoing(ctx), &colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: resourceMetrics})
	return err
}

func convertMetric(m *Metric) *metricspb.Metric {
	pm := &metricspb.Metric{
		Name:        m.Name,
		Description: m.Description,
		Unit:        m.Unit,
	}

	attrs := make([]*commonpb.KeyValue, 0, len(m.Labels))
	for k, v := range m.Labels {
		attrs = append(attrs, strAttr(k, v))
	}

	ts := uint64(m.Timestamp.UnixNano())
	var startTs uint64
	if !m.StartTime.IsZero() {
		startTs = uint64(m.StartTime.UnixNano())
	}

	switch m.Type {
	case MetricGauge:
		pm.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
			DataPoints: []*metricspb.NumberDataPoint{{
				TimeUnixNano: ts,
				Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
				Attributes:   attrs,
			}},
		}}

	case MetricCounter:
		pm.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			IsMonotonic:            true,
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			DataPoints: []*metricspb.NumberDataPoint{{
				StartTimeUnixNano: startTs,
				TimeUnixNano:      ts,
				Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
				Attributes:        attrs,
			}},
		}}

	case MetricHistogram:
		if m.Histogram == nil {
			return nil
		}
		bounds, counts := histogramBuckets(m.Histogram)
		sum := m.Histogram.Sum
		pm.Data = &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			DataPoints: []*metricspb.HistogramDataPoint{{
				StartTimeUnixNano: startTs,
				TimeUnixNano:      ts,
				Count:             m.Histogram.Count,
				Sum:               &sum,
				ExplicitBounds:    bounds,
				BucketCounts:      counts,
				Attributes:        attrs,
			}},
		}}

	default:
		return nil
	}
	return pm
}

// histogramBuckets converts cumulative buckets to OTLP's per-bucket counts,
// which carry one extra +Inf bucket.
func histogramBuckets(h *HistogramValue) ([]float64, []uint64) {
	n := len(h.Buckets)
	bounds := make([]float64, n)
	counts := make([]uint64, n+1)
	var prev uint64
	for i, b := range h.Buckets {
		bounds[i] = b.UpperBound
		counts[i] = b.Count - prev
		prev = b.Count
	}
	counts[n] = h.Count - prev
	return bounds, counts
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// sanitizeUTF8 replaces invalid UTF-8; formatted buffers may hold raw
// bytes that protobuf marshaling rejects.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}

func hexToBytes(s string, expectedLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", expectedLen, len(b))
	}
	return b, nil
}

func toAnyValue(v interface{}) *commonpb.AnyValue {
	switch val := v.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(val)}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case uint32:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(fmt.Sprint(val))}}
	}
}
