// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mbeema/intercept/pkg/config"
	"github.com/mbeema/intercept/pkg/discovery"
	"github.com/mbeema/intercept/pkg/export"
	"github.com/mbeema/intercept/pkg/health"
	"github.com/mbeema/intercept/pkg/hook"
	"github.com/mbeema/intercept/pkg/hook/x86"
	"github.com/mbeema/intercept/pkg/metrics"
	"github.com/mbeema/intercept/pkg/redact"
	"github.com/mbeema/intercept/pkg/resolve"
	"github.com/mbeema/intercept/pkg/signature"
	"github.com/mbeema/intercept/pkg/traces"
)

// DefaultServiceName is used when discovery is off and no name is set.
const DefaultServiceName = "intercept"

// Agent wires the hook engine to tracing, metrics and export. Config is
// stored as an atomic pointer because handlers read it on hooked threads.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	version string

	engine      *hook.Engine
	resolver    resolve.Resolver
	discoverer  *discovery.Discoverer
	serviceName string
	redactor    atomic.Pointer[redact.Redactor]
	traceProc   *traces.Processor
	exporter    *export.Manager
	exportOpts  []export.Option
	callMetrics *metrics.CallMetrics
	metricsColl *metrics.Collector
	healthStats *health.Stats
	healthSrv   *health.Server

	mu     sync.Mutex
	hooks  map[string]*installedHook
	failed map[string]error
	cancel context.CancelFunc
}

// Option customizes an Agent.
type Option func(*Agent)

// WithEngine replaces the native hook engine.
func WithEngine(e *hook.Engine) Option {
	return func(a *Agent) { a.engine = e }
}

// WithResolver replaces the native symbol resolver.
func WithResolver(r resolve.Resolver) Option {
	return func(a *Agent) { a.resolver = r }
}

// WithExportOptions passes options to the export manager.
func WithExportOptions(opts ...export.Option) Option {
	return func(a *Agent) { a.exportOpts = append(a.exportOpts, opts...) }
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(a *Agent) { a.version = v }
}

// New builds an agent from cfg. Hooks are installed by Start.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		logger:  logger,
		version: "dev",
		hooks:   make(map[string]*installedHook),
		failed:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.cfg.Store(cfg)

	a.healthStats = health.NewStats()

	redactor, err := redact.FromConfig(cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("redaction: %w", err)
	}
	a.redactor.Store(redactor)

	a.serviceName = cfg.ServiceName
	if cfg.Discovery.Enabled {
		a.discoverer = discovery.NewDiscoverer(cfg.Discovery.EnvVars, logger)
		a.serviceName = a.discoverer.ServiceName(cfg.ServiceName)
	}
	if a.serviceName == "" || a.serviceName == discovery.Auto {
		a.serviceName = DefaultServiceName
	}

	rate := cfg.Tracing.Sampling.Rate
	if rate == 0 {
		rate = 1.0
	}
	a.traceProc = traces.NewProcessor(a.serviceName, traces.NewSampler(rate), logger)

	a.exporter, err = export.NewManager(&cfg.Exporters, a.serviceName, logger, a.exportOpts...)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	a.traceProc.OnSpan(func(s *traces.Span) {
		if !a.cfg.Load().Tracing.Enabled {
			return
		}
		a.exporter.ExportSpan(s)
		a.healthStats.SpansExported.Add(1)
	})

	if cfg.Metrics.Enabled {
		a.metricsColl = metrics.NewCollector(&cfg.Metrics, logger)
		if cfg.Metrics.Calls.Enabled {
			a.callMetrics = metrics.NewCallMetrics(cfg.Metrics.Calls.Buckets)
			a.metricsColl.AddSource(a.callMetrics)
		}
		if cfg.Metrics.Process.Enabled {
			a.metricsColl.AddSource(metrics.NewProcessCollector(int32(os.Getpid()), logger))
		}
		a.metricsColl.OnMetric(func(m *export.Metric) {
			m.ServiceName = a.serviceName
			a.exporter.ExportMetric(m)
			a.healthStats.MetricsExported.Add(1)
		})
	}

	if a.engine == nil {
		sigs, err := buildSignatures(&cfg.Engine)
		if err != nil {
			return nil, err
		}
		a.engine = hook.NewEngine(hook.Options{
			Logger:         logger.Named("hook"),
			Signatures:     sigs,
			PrologueWindow: cfg.Engine.PrologueWindow,
		})
	}
	if a.resolver == nil {
		a.resolver = resolve.Native(logger)
	}
	a.healthStats.SetEngineStats(a.engine.Stats)

	if cfg.Health.Enabled {
		a.healthSrv = health.NewServer(cfg.Health.Port, a.version, a.healthStats, logger)
		a.healthSrv.SetHookLister(a.HookInfos)
	}
	return a, nil
}

// buildSignatures orders prologue matching: configured prologues first,
// then the built-in table, then the instruction decoder.
func buildSignatures(cfg *config.EngineConfig) (signature.Provider, error) {
	var chain signature.Chain
	if len(cfg.Prologues) > 0 {
		var table signature.Table
		for _, s := range cfg.Prologues {
			spec, err := signature.ParsePrologueSpec(s)
			if err != nil {
				return nil, fmt.Errorf("engine.prologues: %w", err)
			}
			table = append(table, spec)
		}
		chain = append(chain, table)
	}
	chain = append(chain, signature.DefaultPrologues())
	if cfg.DecoderEnabled() {
		window := cfg.PrologueWindow
		if window <= 0 {
			window = hook.DefaultPrologueWindow
		}
		chain = append(chain, signature.NewDecoder(x86.JmpRel32Size, window))
	}
	return chain, nil
}

// ServiceName returns the resolved service name.
func (a *Agent) ServiceName() string { return a.serviceName }

// Engine returns the hook engine.
func (a *Agent) Engine() *hook.Engine { return a.engine }

// Stats returns the self-monitoring counters.
func (a *Agent) Stats() *health.Stats { return a.healthStats }

// Start initializes the engine, installs the configured hooks and starts
// the background subsystems. A hook that fails to install is logged and
// counted; it does not stop the agent.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.exporter.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start exporter: %w", err)
	}
	if err := a.engine.Initialize(); err != nil {
		cancel()
		a.exporter.Stop()
		return fmt.Errorf("initialize hook engine: %w", err)
	}

	cfg := a.cfg.Load()
	a.syncHooks(cfg.Hooks)

	if a.metricsColl != nil {
		if err := a.metricsColl.Start(ctx); err != nil {
			a.logger.Warn("metrics collector failed to start", zap.Error(err))
		}
	}
	if a.healthSrv != nil {
		if err := a.healthSrv.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start", zap.Error(err))
		} else {
			a.healthSrv.SetReady(true)
		}
	}

	a.logger.Info("agent started",
		zap.String("service", a.serviceName),
		zap.Int("hooks", len(a.hooks)),
		zap.Bool("tracing", cfg.Tracing.Enabled),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)
	return nil
}

// Stop removes every hook and flushes pending telemetry.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.healthSrv != nil {
		a.healthSrv.SetReady(false)
		a.healthSrv.Stop()
	}

	err := a.engine.UnInitialize()
	a.hooks = make(map[string]*installedHook)
	a.failed = make(map[string]error)

	if a.metricsColl != nil {
		a.metricsColl.Stop()
	}
	a.exporter.Stop()
	if a.cancel != nil {
		a.cancel()
	}

	hs := a.engine.Stats()
	spans, logs, metricCount := a.exporter.Stats()
	a.logger.Info("agent stopped",
		zap.Uint64("calls", hs.Leaves),
		zap.Uint64("skipped", hs.Skips),
		zap.Int64("total_spans", spans),
		zap.Int64("total_logs", logs),
		zap.Int64("total_metrics", metricCount),
		zap.Int64("dropped", a.exporter.DropCount()),
	)
	return err
}

// Reload applies a new configuration. Hooks are diffed against the
// installed set: removed or changed rules are unhooked, new or changed
// rules are hooked. Subsystem toggles other than tracing, redaction and
// hooks take effect on restart.
func (a *Agent) Reload(cfg *config.Config) error {
	redactor, err := redact.FromConfig(cfg.Redaction)
	if err != nil {
		return fmt.Errorf("redaction: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.Store(cfg)
	a.redactor.Store(redactor)
	a.syncHooks(cfg.Hooks)
	a.healthStats.ConfigReloads.Add(1)

	a.logger.Info("configuration reloaded",
		zap.Int("hooks", len(a.hooks)),
		zap.Bool("tracing", cfg.Tracing.Enabled),
		zap.Bool("redaction", cfg.Redaction.Enabled),
	)
	return nil
}
