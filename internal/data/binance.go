package data

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxKlinesPerRequest = 1000

// BinanceConfig configures the REST kline loader
type BinanceConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Symbol      string        `mapstructure:"symbol"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	PageSize    int           `mapstructure:"page_size"`
	// RequestsPerSecond paces paging so long ranges stay under the API weight limit.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// DefaultBinanceConfig returns the public spot REST endpoint
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		BaseURL:           "https://api.binance.com",
		Symbol:            "BTC/USDT",
		HTTPTimeout:       15 * time.Second,
		PageSize:          maxKlinesPerRequest,
		RequestsPerSecond: 8,
	}
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	d := DefaultBinanceConfig()
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = d.BaseURL
	}
	if strings.TrimSpace(c.Symbol) == "" {
		c.Symbol = d.Symbol
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.PageSize <= 0 || c.PageSize > maxKlinesPerRequest {
		c.PageSize = d.PageSize
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = d.RequestsPerSecond
	}
	return c
}

// BinanceLoader fetches closed klines over the Binance REST API. It serves
// backtest ranges and warms live buffers.
type BinanceLoader struct {
	logger  *zap.Logger
	config  BinanceConfig
	client  *binance.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewBinanceLoader creates the loader
func NewBinanceLoader(logger *zap.Logger, config BinanceConfig) *BinanceLoader {
	config = config.withDefaults()
	client := binance.NewClient("", "")
	client.BaseURL = strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/")
	client.HTTPClient = &http.Client{Timeout: config.HTTPTimeout}

	return &BinanceLoader{
		logger:  logger.Named("binance-rest"),
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		now:     time.Now,
	}
}

// LoadCandles pages through [start, end]. Klines that have not closed yet
// are dropped. An empty result is types.ErrNoData.
func (l *BinanceLoader) LoadCandles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}
	if symbol == "" {
		symbol = l.config.Symbol
	}

	var out []types.Candle
	cursor := start
	for !cursor.After(end) {
		page, err := l.fetch(ctx, symbol, tf, cursor, end, l.config.PageSize)
		if err != nil {
			return nil, err
		}
		if page.raw == 0 || page.lastOpen.Before(cursor) {
			break
		}
		for _, c := range page.candles {
			if n := len(out); n > 0 && !c.Time.After(out[n-1].Time) {
				continue
			}
			out = append(out, c)
		}
		cursor = page.lastOpen.Add(tf.Duration())
		// Skipped klines still count toward a full page.
		if page.raw < l.config.PageSize {
			break
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s: %w", utils.FormatSymbol(symbol), tf, types.ErrNoData)
	}
	l.logger.Debug("Klines loaded",
		zap.String("symbol", utils.FormatSymbol(symbol)),
		zap.String("timeframe", string(tf)),
		zap.Int("bars", len(out)))
	return out, nil
}

// Recent returns up to limit of the most recent closed candles of the
// configured symbol.
func (l *BinanceLoader) Recent(ctx context.Context, tf types.Timeframe, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}
	// One extra kline covers the still-open bar that gets dropped.
	page, err := l.fetch(ctx, l.config.Symbol, tf, time.Time{}, time.Time{}, limit+1)
	if err != nil {
		return nil, err
	}
	candles := page.candles
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// klinePage is one REST response. raw counts every kline returned,
// including open or malformed ones that were not converted.
type klinePage struct {
	candles  []types.Candle
	raw      int
	lastOpen time.Time
}

func (l *BinanceLoader) fetch(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time, limit int) (klinePage, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return klinePage{}, err
	}

	svc := l.client.NewKlinesService().
		Symbol(utils.ExchangeSymbol(symbol)).
		Interval(string(tf)).
		Limit(limit)
	if !start.IsZero() {
		svc = svc.StartTime(start.UnixMilli())
	}
	if !end.IsZero() {
		svc = svc.EndTime(end.UnixMilli())
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return klinePage{}, fmt.Errorf("fetch klines %s %s: %w", utils.ExchangeSymbol(symbol), tf, err)
	}

	now := l.now().UnixMilli()
	page := klinePage{candles: make([]types.Candle, 0, len(klines)), raw: len(klines)}
	for _, k := range klines {
		if k == nil {
			continue
		}
		if open := time.UnixMilli(k.OpenTime).UTC(); open.After(page.lastOpen) {
			page.lastOpen = open
		}
		if k.CloseTime >= now {
			continue
		}
		c, err := toCandle(k)
		if err != nil {
			l.logger.Warn("Skipping malformed kline", zap.Int64("openTime", k.OpenTime), zap.Error(err))
			continue
		}
		page.candles = append(page.candles, c)
	}
	return page, nil
}

func toCandle(k *binance.Kline) (types.Candle, error) {
	fields := [5]string{k.Open, k.High, k.Low, k.Close, k.Volume}
	var values [5]decimal.Decimal
	for i, f := range fields {
		v, err := decimal.NewFromString(f)
		if err != nil {
			return types.Candle{}, err
		}
		values[i] = v
	}
	return types.Candle{
		Time:   time.UnixMilli(k.OpenTime).UTC(),
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}, nil
}

// Loader loads candles of a time range
type Loader interface {
	LoadCandles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error)
}

var (
	_ Loader = (*Store)(nil)
	_ Loader = (*BinanceLoader)(nil)
	_ Loader = (*CachedLoader)(nil)
)

// CachedLoader serves candles from the file store and fills it from a
// remote loader on a miss.
type CachedLoader struct {
	logger  *zap.Logger
	store   *Store
	remote  Loader
	quality *QualityValidator
	now     func() time.Time
}

// NewCachedLoader wires a store in front of remote. remote may be nil.
func NewCachedLoader(logger *zap.Logger, store *Store, remote Loader) *CachedLoader {
	return &CachedLoader{
		logger:  logger.Named("data"),
		store:   store,
		remote:  remote,
		quality: NewQualityValidator(),
		now:     time.Now,
	}
}

// LoadCandles reads the store first. When the stored candles do not reach
// both ends of the range, the range is refetched and merged into the store.
// A range that neither source covers fails with a *types.RangeCoverageError.
func (c *CachedLoader) LoadCandles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	candles, err := c.store.Available(ctx, symbol, tf, start, end)
	if err != nil && !isNoData(err) {
		return nil, err
	}
	var short error
	if err == nil {
		if short = tf.CheckCoverage(candles, start, end, c.now()); short == nil {
			return candles, nil
		}
	}
	if c.remote == nil {
		if short != nil {
			return nil, fmt.Errorf("%s: %w", utils.FormatSymbol(symbol), short)
		}
		return nil, err
	}

	fetched, ferr := c.remote.LoadCandles(ctx, symbol, tf, start, end)
	if ferr != nil {
		if short != nil {
			c.logger.Warn("Remote refill failed for a partially stored range",
				zap.String("symbol", symbol),
				zap.String("timeframe", string(tf)),
				zap.Int("stored", len(candles)),
				zap.Error(ferr))
			return nil, fmt.Errorf("%s: %w (refill: %w)", utils.FormatSymbol(symbol), short, ferr)
		}
		return nil, ferr
	}

	report := c.quality.Validate(fetched, symbol, tf)
	if report.IsUsable {
		if report.MissingBars > 0 {
			c.logger.Info("Fetched candles have gaps", zap.String("symbol", symbol), zap.Int("missing", report.MissingBars))
		}
		if serr := c.store.SaveCandles(symbol, tf, fetched); serr != nil {
			c.logger.Warn("Failed to cache candles", zap.Error(serr))
		}
	} else {
		// Served once, never cached.
		c.logger.Warn("Fetched candles failed quality checks",
			zap.String("symbol", symbol),
			zap.String("timeframe", string(tf)),
			zap.Int("score", report.QualityScore),
			zap.Int("issues", len(report.Issues)))
	}

	if err := tf.CheckCoverage(fetched, start, end, c.now()); err != nil {
		return nil, fmt.Errorf("%s: %w", utils.FormatSymbol(symbol), err)
	}
	return fetched, nil
}
