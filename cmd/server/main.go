// Package main runs the strategy engine: live market data fan-out, the
// strategy registry, backtest replay and the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/api"
	"github.com/atlas-desktop/strategy-engine/internal/backtester"
	"github.com/atlas-desktop/strategy-engine/internal/config"
	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/internal/metrics"
	"github.com/atlas-desktop/strategy-engine/internal/store"
	"github.com/atlas-desktop/strategy-engine/internal/strategy"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if logLevel == "" {
		logLevel = cfg.Log.Level
	}
	logger := setupLogger(logLevel)
	defer logger.Sync()

	var watcher *config.Watcher
	if configPath != "" {
		if watcher, err = config.NewWatcher(logger, configPath); err != nil {
			return err
		}
		cfg = watcher.Config()
	}

	logger.Info("Starting strategy engine",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("symbol", cfg.Feed.Symbol),
		zap.String("store", cfg.Store.Path),
		zap.String("dataDir", cfg.Data.Dir),
	)

	started := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewPrometheusMetrics()
	engine := indicator.NewTalibEngine(cfg.Engine.Indicators)

	// Persistence
	repo, err := store.Open(cfg.Store.Path)
	if err != nil {
		return &types.PersistenceError{Op: "open", Err: err}
	}
	defer repo.Close()

	writer := store.NewWriter(logger, repo, cfg.WriterConfig(), m)
	writer.Start()

	// Historical data
	dataStore, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("failed to initialize data store: %w", err)
	}
	rest := data.NewBinanceLoader(logger, cfg.RESTConfig())
	var history backtester.DataLoader = data.NewCachedLoader(logger, dataStore, rest)
	if cfg.Data.Offline {
		history = dataStore
	}

	// Live market data
	hubOpts := cfg.HubOptions()
	if cfg.Feed.Backfill {
		hubOpts.Backfill = rest
	}
	feedHub := feed.NewHub(logger, feed.NewBinanceUpstream(logger, cfg.UpstreamConfig()), engine, hubOpts, m)

	// Strategies. The WebSocket hub observes the registry and reads its
	// states back when a session joins a strategies channel.
	var registry *strategy.Registry
	wsHub := api.NewHub(logger, feedHub, func(tf types.Timeframe) []strategy.RuntimeState {
		return registry.States(tf)
	}, m)
	registry = strategy.NewRegistry(logger, feedHub, engine, cfg.RegistryOptions(), writer, wsHub, m)

	backtests := api.NewBacktests(logger, backtester.NewEngine(logger, history, engine, m), wsHub, 16, 50)

	server := api.NewServer(logger, cfg.Server, api.Deps{
		Registry:  registry,
		Templates: strategy.NewTemplates(logger),
		Feed:      feedHub,
		Backtests: backtests,
		Writer:    writer,
		Ledger:    repo,
		Data:      dataStore,
		WS:        wsHub,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feedHub.Run(gctx) })
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return wsHub.Run(gctx) })

	restored, err := registry.LoadFromStore(gctx, repo)
	if err != nil {
		logger.Error("Failed to restore strategies", zap.Error(err))
	}
	seeded := config.ApplyStrategies(gctx, logger, registry, cfg)
	logger.Info("Strategies loaded", zap.Int("restored", restored), zap.Int("seeded", seeded))

	if watcher != nil {
		watcher.OnChange(func(next *config.Config) {
			applied := config.ApplyStrategies(gctx, logger, registry, next)
			logger.Info("Seed strategies re-applied", zap.Int("applied", applied), zap.Int64("version", watcher.Version()))
		})
		watcher.Start(gctx)
	}

	backtests.Start()

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
		}
		if err := backtests.Stop(); err != nil {
			logger.Warn("Backtest queue stopped with error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()

	// Lanes are stopped by now; drain what they queued.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if ferr := writer.Flush(flushCtx); ferr != nil {
		logger.Warn("Persistence flush incomplete", zap.Error(ferr))
	}
	if serr := writer.Stop(); serr != nil {
		logger.Warn("Persistence writer stopped with error", zap.Error(serr))
	}
	if dead := writer.DeadLetters(); len(dead) > 0 {
		logger.Warn("Persistence jobs dead-lettered", zap.Int("count", len(dead)))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Strategy engine stopped", zap.Duration("uptime", time.Since(started)))
	return nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
