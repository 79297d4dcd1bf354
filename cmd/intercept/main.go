// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/intercept/pkg/agent"
	"github.com/mbeema/intercept/pkg/config"
	"github.com/mbeema/intercept/pkg/marshal"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		showVersion bool
		check       bool
		listTypes   bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.BoolVar(&check, "check", false, "validate the configuration, print the hook plan and exit")
	flag.BoolVar(&listTypes, "list-types", false, "list argument types usable in hook rules and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("intercept %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if listTypes {
		for _, name := range marshal.Names() {
			fmt.Println(name)
		}
		os.Exit(0)
	}

	cfg, err := loadAny(configPath, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if check {
		if err := printPlan(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "invalid hook plan: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting intercept agent",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("hooks", len(cfg.Hooks)),
	)

	a, err := agent.New(cfg, logger, agent.WithVersion(version))
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}
	reportHooks(logger, a, cfg)

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
				return
			}
			reportHooks(logger, a, newCfg)
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP for config reload (single-file mode)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}

			// Hooks must come out before exit; give up after 30s
			shutdownDone := make(chan struct{})
			go func() {
				if err := a.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				st := a.Engine().Stats()
				logger.Info("intercept agent stopped",
					zap.Uint64("enters", st.Enters),
					zap.Uint64("leaves", st.Leaves),
					zap.Uint64("skips", st.Skips),
					zap.Uint64("unwound", st.Unwound),
					zap.Uint64("handlerPanics", st.HandlerPanics),
				)
			case <-time.After(30 * time.Second):
				logger.Error("shutdown timed out after 30s, forcing exit")
				os.Exit(1)
			}
			cancel()
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadAny(configPath, configDir)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
				continue
			}
			reportHooks(logger, a, newCfg)
		}
	}
}

// reportHooks logs what the last Start or Reload actually patched.
func reportHooks(logger *zap.Logger, a *agent.Agent, cfg *config.Config) {
	installed := a.HookInfos()
	for _, h := range installed {
		logger.Info("hooked",
			zap.String("function", h.Name),
			zap.String("address", h.Address),
			zap.String("convention", h.Convention),
			zap.String("action", h.Action),
			zap.Int("patchBytes", h.PatchBytes),
		)
	}
	failures := a.HookFailures()
	for _, f := range failures {
		logger.Warn("not hooked", zap.String("hook", f.Hook), zap.Error(f.Err))
	}

	wanted := 0
	for i := range cfg.Hooks {
		if !cfg.Hooks[i].Disabled {
			wanted++
		}
	}
	fields := []zap.Field{
		zap.Int("configured", wanted),
		zap.Int("installed", len(installed)),
		zap.Int("failed", len(failures)),
	}
	if wanted > 0 && len(installed) == 0 {
		logger.Warn("no configured hook could be installed", fields...)
		return
	}
	logger.Info("hook set applied", fields...)
}

func loadAny(path, dir string) (*config.Config, error) {
	if dir != "" {
		return config.LoadDir(dir)
	}
	return loadConfig(path)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"configs/intercept.yaml",
		"/etc/intercept/intercept.yaml",
		"/etc/intercept.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
