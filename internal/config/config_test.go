package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/config"
	"github.com/atlas-desktop/strategy-engine/internal/strategy"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const sample = `
server:
  port: 9090
  cors_origins: ["http://localhost:3000"]
feed:
  symbol: ETH/USDT
  buffer_size: 250
  grace: 2s
  backoff_min: 250ms
  backoff_max: 10s
engine:
  fee_rate: 0.0005
  initial_capital: 5000
  indicators:
    rsi_period: 7
    lookback: 120
persistence:
  max_attempts: 6
  retry_rate: 5
strategies:
  - name: rsi-dip
    timeframe: 1h
    enabled: true
    profitTargetPercent: 2
    stopLossPercent: 1
    positionSize: 0.5
    longEntry:
      operator: AND
      conditions:
        - indicator: rsi
          operator: LT
          value: 30
    longExit:
      indicator: rsi
      operator: GT
      value: 55
  - name: broken
    timeframe: 1h
    longEntry: 42
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "/ws", cfg.Server.WebSocketPath)
	assert.Equal(t, "BTC/USDT", cfg.Feed.Symbol)
	assert.Equal(t, 500, cfg.Feed.BufferSize)
	assert.Equal(t, 5*time.Second, cfg.Feed.Grace)
	assert.Equal(t, 300, cfg.Engine.Indicators.Lookback)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Strategies)

	opts := cfg.RegistryOptions()
	assert.True(t, opts.FeeRate.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, opts.InitialCapital.Equal(decimal.NewFromInt(10000)))
}

func TestLoadFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, t.TempDir(), sample))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 7, cfg.Engine.Indicators.RSIPeriod)
	assert.Equal(t, 26, cfg.Engine.Indicators.EMASlow, "unset keys keep their defaults")

	hub := cfg.HubOptions()
	assert.Equal(t, 250, hub.BufferSize)
	assert.Equal(t, 2*time.Second, hub.Grace)
	assert.Equal(t, 250*time.Millisecond, hub.Backoff.InitialDelay)
	assert.Equal(t, 10*time.Second, hub.Backoff.MaxDelay)

	assert.Equal(t, "ETHUSDT", cfg.UpstreamConfig().Symbol)
	assert.Equal(t, "ETH/USDT", cfg.RESTConfig().Symbol)

	w := cfg.WriterConfig()
	assert.Equal(t, 6, w.Retry.MaxAttempts)
	assert.Equal(t, rate.Limit(5), w.RetryRate)

	opts := cfg.RegistryOptions()
	assert.True(t, opts.FeeRate.Equal(decimal.RequireFromString("0.0005")))
	assert.True(t, opts.InitialCapital.Equal(decimal.NewFromInt(5000)))
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("STRATEGY_ENGINE_SERVER_PORT", "7070")
	t.Setenv("STRATEGY_ENGINE_FEED_GRACE", "750ms")
	t.Setenv("STRATEGY_ENGINE_LOG_LEVEL", "debug")

	cfg, err := config.Load(writeConfig(t, t.TempDir(), sample))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Feed.Grace)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, dir, "engine:\n  initial_capital: 0\n"))
	assert.ErrorContains(t, err, "initial_capital")

	_, err = config.Load(writeConfig(t, dir, "server:\n  ws_path: ws\n"))
	assert.ErrorContains(t, err, "ws_path")

	_, err = config.Load(writeConfig(t, dir, "feed:\n  backoff_min: 5s\n  backoff_max: 1s\n"))
	assert.ErrorContains(t, err, "backoff_max")
}

func TestLoadRejectsBufferShorterThanLookback(t *testing.T) {
	dir := t.TempDir()

	_, err := config.Load(writeConfig(t, dir, "feed:\n  buffer_size: 100\n"))
	assert.ErrorContains(t, err, "engine.indicators.lookback 300")

	cfg, err := config.Load(writeConfig(t, dir, "feed:\n  buffer_size: 100\nengine:\n  indicators:\n    lookback: 100\n"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Engine.Indicators.Lookback, cfg.HubOptions().BufferSize)
}

func TestSeedStrategies(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, t.TempDir(), sample))
	require.NoError(t, err)

	seeds, errs := cfg.SeedStrategies()
	require.Len(t, seeds, 1)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "strategies[1]")

	seed := seeds[0]
	assert.Equal(t, "rsi-dip", seed.Name)
	assert.Equal(t, types.Timeframe1h, seed.Timeframe)
	assert.Equal(t, "ETH/USDT", seed.Symbol, "symbol falls back to feed.symbol")
	assert.True(t, seed.PositionSize.Equal(decimal.RequireFromString("0.5")))
	assert.False(t, seed.LongEntry.Empty())
	assert.False(t, seed.LongExit.Empty())
	assert.True(t, seed.ShortEntry.Empty())
	assert.NoError(t, seed.Validate(nil))
}

type applier struct {
	mu      sync.Mutex
	applied []strategy.Config
	reject  string
}

func (a *applier) Apply(_ context.Context, cfg strategy.Config) error {
	if cfg.Name == a.reject {
		return &types.ConfigValidationError{Strategy: cfg.Name, Field: "name", Reason: "rejected"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, cfg)
	return nil
}

func (a *applier) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.applied))
	for _, cfg := range a.applied {
		out = append(out, cfg.Name)
	}
	return out
}

func TestApplyStrategies(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, t.TempDir(), sample))
	require.NoError(t, err)

	target := &applier{}
	assert.Equal(t, 1, config.ApplyStrategies(context.Background(), zap.NewNop(), target, cfg))
	assert.Equal(t, []string{"rsi-dip"}, target.names())

	rejecting := &applier{reject: "rsi-dip"}
	assert.Zero(t, config.ApplyStrategies(context.Background(), zap.NewNop(), rejecting, cfg))
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sample)

	w, err := config.NewWatcher(zap.NewNop(), path)
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.Version())
	assert.Len(t, w.Config().Strategies, 2)

	var got []*config.Config
	w.OnChange(func(cfg *config.Config) { got = append(got, cfg) })

	writeConfig(t, dir, "strategies: []\nfeed:\n  buffer_size: 640\n")
	require.NoError(t, w.Reload())
	assert.EqualValues(t, 2, w.Version())
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Strategies)
	assert.Equal(t, 640, w.Config().Feed.BufferSize)

	// An invalid file keeps the previous config.
	writeConfig(t, dir, "engine:\n  fee_rate: -1\n")
	assert.Error(t, w.Reload())
	assert.EqualValues(t, 2, w.Version())
	assert.Equal(t, 640, w.Config().Feed.BufferSize)
	assert.Len(t, got, 1)
}

func TestWatcherPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sample)

	w, err := config.NewWatcher(zap.NewNop(), path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *config.Config, 8)
	w.OnChange(func(cfg *config.Config) { changed <- cfg })
	w.Start(ctx)

	writeConfig(t, dir, "feed:\n  buffer_size: 320\n")
	// A truncate and a write can arrive as separate events.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Feed.BufferSize == 320 {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestWatcherRequiresPath(t *testing.T) {
	_, err := config.NewWatcher(zap.NewNop(), " ")
	assert.Error(t, err)
}
