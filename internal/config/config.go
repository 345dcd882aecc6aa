// Package config loads the server configuration from YAML and the
// environment and watches the strategy seed list for changes.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/internal/store"
	"github.com/atlas-desktop/strategy-engine/internal/strategy"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EnvPrefix prefixes every environment override, e.g. STRATEGY_ENGINE_SERVER_PORT
const EnvPrefix = "STRATEGY_ENGINE"

// Config is the full server configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Store       StoreConfig       `mapstructure:"store"`
	Data        DataConfig        `mapstructure:"data"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Log         LogConfig         `mapstructure:"log"`
	// Strategies is the seed list, in the same shape the admin API accepts.
	Strategies []map[string]any `mapstructure:"strategies"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	WebSocketPath   string        `mapstructure:"ws_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type FeedConfig struct {
	Symbol      string        `mapstructure:"symbol"`
	WSURL       string        `mapstructure:"ws_url"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	BufferSize  int           `mapstructure:"buffer_size"`
	Grace       time.Duration `mapstructure:"grace"`
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	// ConnectsPerSecond bounds new upstream connections across timeframes.
	ConnectsPerSecond float64 `mapstructure:"connects_per_second"`
	// Backfill warms a new buffer with recent closed candles over REST.
	Backfill bool `mapstructure:"backfill"`
}

type EngineConfig struct {
	FeeRate        float64            `mapstructure:"fee_rate"`
	InitialCapital float64            `mapstructure:"initial_capital"`
	TradeHistory   int                `mapstructure:"trade_history"`
	InboxSize      int                `mapstructure:"inbox_size"`
	Indicators     indicator.Settings `mapstructure:"indicators"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"`
	// Offline serves backtests from the file store only.
	Offline bool               `mapstructure:"offline"`
	Binance data.BinanceConfig `mapstructure:"binance"`
}

type PersistenceConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	DeadLetterSize int           `mapstructure:"dead_letter_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryMin       time.Duration `mapstructure:"retry_min"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
	RetryRate      float64       `mapstructure:"retry_rate"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	hub := feed.DefaultOptions()
	upstream := feed.DefaultBinanceConfig()
	v.SetDefault("feed.symbol", "BTC/USDT")
	v.SetDefault("feed.ws_url", upstream.WSURL)
	v.SetDefault("feed.read_timeout", upstream.ReadTimeout)
	v.SetDefault("feed.buffer_size", hub.BufferSize)
	v.SetDefault("feed.grace", hub.Grace)
	v.SetDefault("feed.backoff_min", hub.Backoff.InitialDelay)
	v.SetDefault("feed.backoff_max", hub.Backoff.MaxDelay)
	v.SetDefault("feed.connects_per_second", 1.0)
	v.SetDefault("feed.backfill", true)

	reg := strategy.DefaultOptions()
	v.SetDefault("engine.fee_rate", reg.FeeRate.InexactFloat64())
	v.SetDefault("engine.initial_capital", reg.InitialCapital.InexactFloat64())
	v.SetDefault("engine.trade_history", reg.TradeHistory)
	v.SetDefault("engine.inbox_size", reg.InboxSize)
	ind := indicator.DefaultSettings()
	v.SetDefault("engine.indicators.rsi_period", ind.RSIPeriod)
	v.SetDefault("engine.indicators.ema_fast", ind.EMAFast)
	v.SetDefault("engine.indicators.ema_slow", ind.EMASlow)
	v.SetDefault("engine.indicators.sma_period", ind.SMAPeriod)
	v.SetDefault("engine.indicators.sma_long", ind.SMALong)
	v.SetDefault("engine.indicators.macd_fast", ind.MACDFast)
	v.SetDefault("engine.indicators.macd_slow", ind.MACDSlow)
	v.SetDefault("engine.indicators.macd_signal", ind.MACDSignal)
	v.SetDefault("engine.indicators.bb_period", ind.BBPeriod)
	v.SetDefault("engine.indicators.bb_deviation", ind.BBDeviation)
	v.SetDefault("engine.indicators.atr_period", ind.ATRPeriod)
	v.SetDefault("engine.indicators.volume_period", ind.VolumePeriod)
	v.SetDefault("engine.indicators.lookback", ind.Lookback)

	v.SetDefault("store.path", "./data/strategy-engine.db")

	rest := data.DefaultBinanceConfig()
	v.SetDefault("data.dir", "./data/candles")
	v.SetDefault("data.offline", false)
	v.SetDefault("data.binance.base_url", rest.BaseURL)
	v.SetDefault("data.binance.symbol", rest.Symbol)
	v.SetDefault("data.binance.http_timeout", rest.HTTPTimeout)
	v.SetDefault("data.binance.page_size", rest.PageSize)
	v.SetDefault("data.binance.requests_per_second", rest.RequestsPerSecond)

	w := store.DefaultWriterConfig()
	v.SetDefault("persistence.queue_size", w.QueueSize)
	v.SetDefault("persistence.dead_letter_size", w.DeadLetterSize)
	v.SetDefault("persistence.max_attempts", w.Retry.MaxAttempts)
	v.SetDefault("persistence.retry_min", w.Retry.InitialDelay)
	v.SetDefault("persistence.retry_max", w.Retry.MaxDelay)
	v.SetDefault("persistence.retry_rate", float64(w.RetryRate))

	v.SetDefault("log.level", "info")
	v.SetDefault("strategies", []map[string]any{})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads path and applies environment overrides. An empty path yields
// the defaults plus the environment.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that have no usable default
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case !strings.HasPrefix(c.Server.WebSocketPath, "/"):
		return fmt.Errorf("server.ws_path %q must start with /", c.Server.WebSocketPath)
	case strings.TrimSpace(c.Feed.Symbol) == "":
		return fmt.Errorf("feed.symbol is required")
	case c.liveWindow() < c.lookback():
		return fmt.Errorf("feed.buffer_size %d below engine.indicators.lookback %d: live and replayed indicators would differ",
			c.liveWindow(), c.lookback())
	case c.Feed.BackoffMax < c.Feed.BackoffMin:
		return fmt.Errorf("feed.backoff_max %s below backoff_min %s", c.Feed.BackoffMax, c.Feed.BackoffMin)
	case c.Engine.FeeRate < 0:
		return fmt.Errorf("engine.fee_rate must not be negative")
	case c.Engine.InitialCapital <= 0:
		return fmt.Errorf("engine.initial_capital must be positive")
	case strings.TrimSpace(c.Store.Path) == "":
		return fmt.Errorf("store.path is required")
	}
	return nil
}

// liveWindow is the number of candles a live frame computes indicators over
func (c *Config) liveWindow() int {
	if c.Feed.BufferSize > 0 {
		return c.Feed.BufferSize
	}
	return feed.DefaultOptions().BufferSize
}

func (c *Config) lookback() int {
	if c.Engine.Indicators.Lookback > 0 {
		return c.Engine.Indicators.Lookback
	}
	return indicator.DefaultSettings().Lookback
}

// SeedStrategies decodes the strategies section. Every entry is parsed
// on its own so one bad entry does not hide the others.
func (c *Config) SeedStrategies() ([]strategy.Config, []error) {
	out := make([]strategy.Config, 0, len(c.Strategies))
	var errs []error
	for i, raw := range c.Strategies {
		b, err := json.Marshal(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("strategies[%d]: %w", i, err))
			continue
		}
		cfg, err := strategy.ParseConfig(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("strategies[%d]: %w", i, err))
			continue
		}
		if cfg.Symbol == "" {
			cfg.Symbol = c.Feed.Symbol
		}
		out = append(out, cfg)
	}
	return out, errs
}

// HubOptions maps the feed section onto the fan-out hub
func (c *Config) HubOptions() feed.Options {
	opts := feed.DefaultOptions()
	opts.BufferSize = c.Feed.BufferSize
	opts.Grace = c.Feed.Grace
	opts.Backoff.InitialDelay = c.Feed.BackoffMin
	opts.Backoff.MaxDelay = c.Feed.BackoffMax
	if c.Feed.ConnectsPerSecond > 0 {
		opts.ConnectRate = rate.Limit(c.Feed.ConnectsPerSecond)
	}
	return opts
}

// UpstreamConfig maps the feed section onto the kline websocket
func (c *Config) UpstreamConfig() feed.BinanceConfig {
	return feed.BinanceConfig{
		WSURL:       c.Feed.WSURL,
		Symbol:      utils.ExchangeSymbol(c.Feed.Symbol),
		ReadTimeout: c.Feed.ReadTimeout,
	}
}

// RESTConfig returns the kline REST settings, following feed.symbol unless
// data.binance.symbol was changed
func (c *Config) RESTConfig() data.BinanceConfig {
	rest := c.Data.Binance
	if rest.Symbol == "" || rest.Symbol == data.DefaultBinanceConfig().Symbol {
		rest.Symbol = c.Feed.Symbol
	}
	return rest
}

// RegistryOptions maps the engine section onto the runtime registry
func (c *Config) RegistryOptions() strategy.Options {
	return strategy.Options{
		FeeRate:        decimal.NewFromFloat(c.Engine.FeeRate),
		InitialCapital: decimal.NewFromFloat(c.Engine.InitialCapital),
		TradeHistory:   c.Engine.TradeHistory,
		InboxSize:      c.Engine.InboxSize,
	}
}

// WriterConfig maps the persistence section onto the async writer
func (c *Config) WriterConfig() store.WriterConfig {
	w := store.DefaultWriterConfig()
	w.QueueSize = c.Persistence.QueueSize
	w.DeadLetterSize = c.Persistence.DeadLetterSize
	w.Retry.MaxAttempts = c.Persistence.MaxAttempts
	w.Retry.InitialDelay = c.Persistence.RetryMin
	w.Retry.MaxDelay = c.Persistence.RetryMax
	w.RetryRate = rate.Limit(c.Persistence.RetryRate)
	return w
}

// Applier receives seed strategies
type Applier interface {
	Apply(ctx context.Context, cfg strategy.Config) error
}

// ApplyStrategies adds or hot-updates every seed strategy and returns how
// many were applied. Rejected entries are logged and skipped.
func ApplyStrategies(ctx context.Context, logger *zap.Logger, target Applier, cfg *Config) int {
	seeds, errs := cfg.SeedStrategies()
	for _, err := range errs {
		logger.Warn("Skipping seed strategy", zap.Error(err))
	}
	applied := 0
	for _, seed := range seeds {
		if err := target.Apply(ctx, seed); err != nil {
			logger.Warn("Seed strategy rejected",
				zap.String("strategy", seed.Name),
				zap.String("timeframe", string(seed.Timeframe)),
				zap.Error(err))
			continue
		}
		applied++
	}
	return applied
}

// ChangeListener is called with every successfully reloaded config
type ChangeListener func(*Config)

// Watcher keeps the latest config of a file and notifies listeners when
// the file changes.
type Watcher struct {
	logger *zap.Logger
	path   string
	v      *viper.Viper

	mu        sync.RWMutex
	current   *Config
	version   int64
	listeners []ChangeListener
}

// NewWatcher reads path and returns a watcher holding it. Call Start to
// begin watching.
func NewWatcher(logger *zap.Logger, path string) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires a path")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		logger:  logger.Named("config"),
		path:    path,
		v:       v,
		current: cfg,
		version: 1,
	}, nil
}

// Config returns the latest valid config
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Version counts successful loads, starting at 1
func (w *Watcher) Version() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// OnChange registers fn for later reloads
func (w *Watcher) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Start begins watching the file. Reloads after ctx is done are ignored.
func (w *Watcher) Start(ctx context.Context) {
	w.v.OnConfigChange(func(evt fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if err := w.reload(); err != nil {
			w.logger.Error("Config reload failed", zap.String("file", evt.Name), zap.Error(err))
			return
		}
		w.notify()
	})
	w.v.WatchConfig()
	w.logger.Info("Watching config", zap.String("file", filepath.Base(w.path)))
}

// Reload re-reads the file now, as a change event would
func (w *Watcher) Reload() error {
	if err := w.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", w.path, err)
	}
	if err := w.reload(); err != nil {
		return err
	}
	w.notify()
	return nil
}

func (w *Watcher) reload() error {
	cfg, err := decode(w.v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.current = cfg
	w.version++
	version := w.version
	w.mu.Unlock()
	w.logger.Info("Config reloaded",
		zap.Int64("version", version),
		zap.Int("strategies", len(cfg.Strategies)))
	return nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	cfg := w.current
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Config listener panic", zap.Any("panic", r))
				}
			}()
			fn(cfg)
		}()
	}
}
