// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/config"
	"github.com/mbeema/intercept/pkg/traces"
)

// LogRecord is one formatted intercepted call, exported as a log entry.
type LogRecord struct {
	Timestamp      time.Time
	Body           string
	Level          string
	SeverityNumber int32 // OTEL SeverityNumber (1-24)
	Attributes     map[string]interface{}
	PID            int
	TID            int
	TraceID        string
	SpanID         string
	ServiceName    string
	Function       string
}

// Metric represents a metric data point for export.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	StartTime   time.Time // start of the cumulative window
	Timestamp   time.Time
	Labels      map[string]string
	Histogram   *HistogramValue
	ServiceName string
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	MetricGauge MetricType = iota
	MetricCounter
	MetricHistogram
)

// HistogramValue holds histogram data.
type HistogramValue struct {
	Count   uint64
	Sum     float64
	Buckets []HistogramBucket
}

// HistogramBucket is a single cumulative histogram bucket.
type HistogramBucket struct {
	UpperBound float64
	Count      uint64
}

// Exporter is the interface for telemetry exporters.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []*traces.Span) error
	ExportLogs(ctx context.Context, logs []*LogRecord) error
	ExportMetrics(ctx context.Context, metrics []*Metric) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultChannelSize   = 10000

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// Manager batches spans, call logs and metrics and hands them to every
// configured exporter. Enqueueing never blocks the hooked thread: a full
// queue drops the item.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	spans   *batcher[*traces.Span]
	logs    *batcher[*LogRecord]
	metrics *batcher[*Metric]

	dropCount atomic.Int64

	batchSize     int
	flushInterval time.Duration

	circuitBreaker *CircuitBreaker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option customizes a Manager.
type Option func(*Manager)

// WithExporter adds an exporter in addition to the configured ones.
func WithExporter(e Exporter) Option {
	return func(m *Manager) { m.exporters = append(m.exporters, e) }
}

// WithBatching overrides the batch size and flush interval.
func WithBatching(size int, interval time.Duration) Option {
	return func(m *Manager) {
		m.batchSize = size
		m.flushInterval = interval
	}
}

// NewManager creates an export manager from configuration. An OTLP
// exporter that cannot be created is logged and skipped.
func NewManager(cfg *config.ExportersConfig, serviceName string, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:         logger,
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second),
		stopCh:         make(chan struct{}),
	}

	if cfg != nil && cfg.OTLP.Enabled {
		exp, err := NewOTLPExporter(&cfg.OTLP, serviceName, logger)
		if err != nil {
			logger.Warn("failed to create OTLP exporter", zap.Error(err))
		} else {
			m.exporters = append(m.exporters, exp)
		}
	}
	if cfg != nil && cfg.Stdout.Enabled {
		m.exporters = append(m.exporters, NewStdoutExporter(cfg.Stdout.Format, nil, logger))
	}
	for _, opt := range opts {
		opt(m)
	}

	m.spans = newBatcher(m, "spans", func(ctx context.Context, e Exporter, b []*traces.Span) error {
		return e.ExportSpans(ctx, b)
	})
	m.logs = newBatcher(m, "logs", func(ctx context.Context, e Exporter, b []*LogRecord) error {
		return e.ExportLogs(ctx, b)
	})
	m.metrics = newBatcher(m, "metrics", func(ctx context.Context, e Exporter, b []*Metric) error {
		return e.ExportMetrics(ctx, b)
	})
	return m, nil
}

// Start begins the batch export goroutines.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(3)
	go m.spans.run(ctx)
	go m.logs.run(ctx)
	go m.metrics.run(ctx)

	m.logger.Info("export manager started",
		zap.Int("exporters", len(m.exporters)),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes remaining data and shuts down exporters.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, exp := range m.exporters {
		if err := exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.Error(err))
		}
	}

	spans, logs, metrics := m.Stats()
	m.logger.Info("export manager stopped",
		zap.Int64("spans_exported", spans),
		zap.Int64("logs_exported", logs),
		zap.Int64("metrics_exported", metrics),
		zap.Int64("dropped", m.dropCount.Load()),
	)
	return nil
}

// ExportSpan queues a span for export.
func (m *Manager) ExportSpan(span *traces.Span) { m.spans.enqueue(span) }

// ExportLog queues a call log record for export.
func (m *Manager) ExportLog(log *LogRecord) { m.logs.enqueue(log) }

// ExportMetric queues a metric for export.
func (m *Manager) ExportMetric(metric *Metric) { m.metrics.enqueue(metric) }

// Stats returns how many items of each signal were flushed.
func (m *Manager) Stats() (spans, logs, metrics int64) {
	return m.spans.count.Load(), m.logs.count.Load(), m.metrics.count.Load()
}

// DropCount returns the number of dropped telemetry items.
func (m *Manager) DropCount() int64 {
	return m.dropCount.Load()
}

// ChannelDepths returns current queue fill levels for monitoring.
func (m *Manager) ChannelDepths() (spans, logs, metrics int) {
	return len(m.spans.ch), len(m.logs.ch), len(m.metrics.ch)
}

// batcher owns one signal's queue and flush loop.
type batcher[T any] struct {
	m      *Manager
	signal string
	ch     chan T
	export func(context.Context, Exporter, []T) error
	count  atomic.Int64
}

func newBatcher[T any](m *Manager, signal string, export func(context.Context, Exporter, []T) error) *batcher[T] {
	return &batcher[T]{
		m:      m,
		signal: signal,
		ch:     make(chan T, defaultChannelSize),
		export: export,
	}
}

func (b *batcher[T]) enqueue(v T) {
	select {
	case b.ch <- v:
	default:
		b.m.dropCount.Add(1)
		b.m.logger.Warn("export queue full, dropping", zap.String("signal", b.signal))
	}
}

func (b *batcher[T]) run(ctx context.Context) {
	defer b.m.wg.Done()

	batch := make([]T, 0, b.m.batchSize)
	ticker := time.NewTicker(b.m.flushInterval)
	defer ticker.Stop()

	drain := func(ctx context.Context) {
		for {
			select {
			case v := <-b.ch:
				batch = append(batch, v)
			default:
				if len(batch) > 0 {
					b.flush(ctx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case v := <-b.ch:
			batch = append(batch, v)
			if len(batch) >= b.m.batchSize {
				b.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-b.m.stopCh:
			drain(ctx)
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (b *batcher[T]) flush(ctx context.Context, batch []T) {
	for _, exp := range b.m.exporters {
		b.m.retryExport(ctx, b.signal, func(expCtx context.Context) error {
			return b.export(expCtx, exp, batch)
		})
	}
	b.count.Add(int64(len(batch)))
}

// retryExport attempts an export with exponential backoff and circuit breaker.
func (m *Manager) retryExport(ctx context.Context, signal string, exportFn func(context.Context) error) {
	if !m.circuitBreaker.Allow() {
		m.dropCount.Add(1)
		m.logger.Debug("circuit breaker open, dropping export", zap.String("signal", signal))
		return
	}

	backoff := initialBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exportFn(exportCtx)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return
		}
		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.String("signal", signal),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			m.dropCount.Add(1)
			return
		}

		m.logger.Warn("export failed, retrying",
			zap.String("signal", signal),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = time.Duration(math.Min(float64(backoff)*backoffFactor, float64(maxBackoff)))
	}
}
