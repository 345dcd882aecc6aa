// Package backtester replays historical candles through the same position
// state machine the live runtimes use.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/internal/metrics"
	"github.com/atlas-desktop/strategy-engine/internal/position"
	"github.com/atlas-desktop/strategy-engine/internal/strategy"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrBacktestRunning is returned when Run is called while a replay is in progress
var ErrBacktestRunning = errors.New("backtest already running")

// DataLoader loads historical candles for a replay
type DataLoader interface {
	LoadCandles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error)
}

// Request describes one replay
type Request struct {
	ID             string          `json:"id,omitempty"`
	Config         strategy.Config `json:"config"`
	Symbol         string          `json:"symbol,omitempty"`
	Timeframe      types.Timeframe `json:"timeframe,omitempty"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	FeeRate        decimal.Decimal `json:"feeRate"`
	// SampleEvery records one equity point every n candles. The last candle
	// is always sampled.
	SampleEvery int `json:"sampleEvery,omitempty"`
}

// Result is the outcome of a replay. Everything except Elapsed is a pure
// function of the request and the loaded candles.
type Result struct {
	ID          string                 `json:"id,omitempty"`
	Request     Request                `json:"request"`
	Candles     int                    `json:"candles"`
	DataGaps    int                    `json:"dataGaps"`
	Trades      []types.CompletedTrade `json:"trades"`
	EquityCurve []types.EquityPoint    `json:"equityCurve"`
	Metrics     *Metrics               `json:"metrics"`
	Elapsed     time.Duration          `json:"elapsed"`
}

// Progress is sent on the progress channel while a replay runs
type Progress struct {
	ID          string          `json:"id,omitempty"`
	Status      string          `json:"status"`
	Processed   int             `json:"processed"`
	Total       int             `json:"total"`
	Percent     float64         `json:"percent"`
	CurrentTime time.Time       `json:"currentTime"`
	Trades      int             `json:"trades"`
	Capital     decimal.Decimal `json:"capital"`
}

// Engine replays one strategy config at a time
type Engine struct {
	logger     *zap.Logger
	loader     DataLoader
	indicators indicator.Engine
	known      func(string) bool
	metrics    *metrics.PrometheusMetrics
	calc       *MetricsCalculator
	now        func() time.Time

	mu           sync.RWMutex
	progress     Progress
	running      atomic.Bool
	progressChan chan Progress
}

// NewEngine creates a new backtesting engine
func NewEngine(logger *zap.Logger, loader DataLoader, indicators indicator.Engine, m *metrics.PrometheusMetrics) *Engine {
	return &Engine{
		logger:       logger.Named("backtester"),
		loader:       loader,
		indicators:   indicators,
		known:        indicator.Known(indicators),
		metrics:      m,
		calc:         NewMetricsCalculator(),
		now:          time.Now,
		progress:     Progress{Status: "idle"},
		progressChan: make(chan Progress, 100),
	}
}

// Run loads the candles of req and replays them. A missing, empty or
// partially covered range fails with a BacktestDataMissingError; no partial
// result is returned.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBacktestRunning
	}
	defer e.running.Store(false)

	started := time.Now()
	req, err := e.normalize(req)
	if err != nil {
		e.metrics.RecordBacktest("invalid", time.Since(started))
		return nil, err
	}

	e.logger.Info("Starting backtest",
		zap.String("id", req.ID),
		zap.String("strategy", req.Config.Name),
		zap.String("symbol", req.Symbol),
		zap.String("timeframe", string(req.Timeframe)),
		zap.Time("start", req.Start),
		zap.Time("end", req.End),
	)

	candles, err := e.load(ctx, req)
	if err != nil {
		e.metrics.RecordBacktest("missing_data", time.Since(started))
		return nil, err
	}

	result, err := e.Replay(ctx, req, candles)
	if err != nil {
		status := "failed"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = "cancelled"
		}
		e.metrics.RecordBacktest(status, time.Since(started))
		e.setProgress(Progress{ID: req.ID, Status: status})
		return nil, err
	}
	result.Elapsed = time.Since(started)
	e.metrics.RecordBacktest("completed", result.Elapsed)

	e.logger.Info("Backtest completed",
		zap.String("id", req.ID),
		zap.Duration("duration", result.Elapsed),
		zap.Int("candles", result.Candles),
		zap.Int("trades", len(result.Trades)),
		zap.String("totalReturn", result.Metrics.TotalReturn.String()),
	)
	return result, nil
}

// Replay drives a fresh position machine over candles. It reads no clock
// and generates no identifiers, so identical inputs give identical results.
func (e *Engine) Replay(ctx context.Context, req Request, candles []types.Candle) (*Result, error) {
	if len(candles) == 0 {
		return nil, &types.BacktestDataMissingError{
			Symbol: req.Symbol, Timeframe: req.Timeframe, Start: req.Start, End: req.End, Err: types.ErrNoData,
		}
	}

	cfg := req.Config
	rules := cfg.Rules()
	machine := position.NewMachine(position.Options{
		Strategy:       cfg.Name,
		Timeframe:      req.Timeframe,
		FeeRate:        req.FeeRate,
		Sizing:         position.SizingCapitalFraction,
		InitialCapital: req.InitialCapital,
	})

	sample := req.SampleEvery
	if sample <= 0 {
		sample = 1
	}
	total := len(candles)
	every := total / 100
	if every < 1 {
		every = 1
	}

	result := &Result{ID: req.ID, Request: req, Candles: total}
	for i, candle := range candles {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backtest cancelled at candle %d: %w", i, err)
		}

		snap := e.indicators.Compute(candles[:i+1])
		res := machine.Tick(rules, candle, snap)
		if res.DataGap() {
			result.DataGaps++
		}
		if res.Trade != nil {
			result.Trades = append(result.Trades, *res.Trade)
		}

		if i%sample == 0 && i != total-1 {
			result.EquityCurve = append(result.EquityCurve, equityPoint(candle.Time, machine.Performance()))
		}
		if (i+1)%every == 0 {
			e.sendProgress(req.ID, i+1, total, candle.Time, len(result.Trades), machine.Performance())
		}
	}

	last := candles[total-1]
	if trade, ok := machine.ForceClose(last.Close, last.Time, types.ExitReplayEnd); ok {
		result.Trades = append(result.Trades, trade)
	}
	perf := machine.Performance()
	result.EquityCurve = append(result.EquityCurve, equityPoint(last.Time, perf))

	if err := machine.CheckInvariant(); err != nil {
		return nil, fmt.Errorf("replay ended inconsistent: %w", err)
	}

	result.Metrics = e.calc.Calculate(result.Trades, result.EquityCurve, req.InitialCapital, perf.CurrentCapital)
	e.sendProgress(req.ID, total, total, last.Time, len(result.Trades), perf)
	e.setProgress(Progress{ID: req.ID, Status: "completed", Processed: total, Total: total, Percent: 100,
		CurrentTime: last.Time, Trades: len(result.Trades), Capital: perf.CurrentCapital})
	return result, nil
}

// GetProgress returns the current progress
func (e *Engine) GetProgress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := e.progress
	if e.running.Load() && p.Status != "running" {
		p.Status = "running"
	}
	return p
}

// ProgressChan returns the progress channel
func (e *Engine) ProgressChan() <-chan Progress {
	return e.progressChan
}

func (e *Engine) normalize(req Request) (Request, error) {
	if req.Timeframe == "" {
		req.Timeframe = req.Config.Timeframe
	}
	if req.Symbol == "" {
		req.Symbol = req.Config.Symbol
	}
	req.Config.Timeframe = req.Timeframe
	if err := req.Config.Validate(e.known); err != nil {
		return req, err
	}
	if req.Symbol == "" {
		return req, &types.ConfigValidationError{Strategy: req.Config.Name, Field: "symbol", Reason: "symbol is required"}
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return req, &types.ConfigValidationError{Strategy: req.Config.Name, Field: "end", Reason: "end must be after start"}
	}
	if req.InitialCapital.IsZero() {
		req.InitialCapital = decimal.NewFromInt(10000)
	}
	if !req.InitialCapital.IsPositive() {
		return req, &types.ConfigValidationError{Strategy: req.Config.Name, Field: "initialCapital", Reason: "must be positive"}
	}
	if req.FeeRate.IsNegative() {
		return req, &types.ConfigValidationError{Strategy: req.Config.Name, Field: "feeRate", Reason: "must not be negative"}
	}
	return req, nil
}

// load returns the candles of [start, end] in strictly increasing time order
func (e *Engine) load(ctx context.Context, req Request) ([]types.Candle, error) {
	missing := func(err error) error {
		return &types.BacktestDataMissingError{
			Symbol: req.Symbol, Timeframe: req.Timeframe, Start: req.Start, End: req.End, Err: err,
		}
	}

	raw, err := e.loader.LoadCandles(ctx, req.Symbol, req.Timeframe, req.Start, req.End)
	if err != nil {
		return nil, missing(err)
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, c := range raw {
		if c.Time.Before(req.Start) || c.Time.After(req.End) {
			continue
		}
		if n := len(candles); n > 0 && !c.Time.After(candles[n-1].Time) {
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, missing(types.ErrNoData)
	}
	if err := req.Timeframe.CheckCoverage(candles, req.Start, req.End, e.now()); err != nil {
		return nil, missing(err)
	}
	if dropped := len(raw) - len(candles); dropped > 0 {
		e.logger.Debug("Dropped candles outside range or out of order", zap.Int("dropped", dropped))
	}
	return candles, nil
}

func (e *Engine) sendProgress(id string, processed, total int, at time.Time, trades int, perf types.StrategyPerformance) {
	update := Progress{
		ID:          id,
		Status:      "running",
		Processed:   processed,
		Total:       total,
		Percent:     float64(processed) / float64(total) * 100,
		CurrentTime: at,
		Trades:      trades,
		Capital:     perf.CurrentCapital.Add(perf.UnrealizedPnL),
	}
	e.setProgress(update)

	select {
	case e.progressChan <- update:
	default:
		// Channel full, skip update
	}
}

func (e *Engine) setProgress(p Progress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
}

// equityPoint marks capital to market at t
func equityPoint(t time.Time, perf types.StrategyPerformance) types.EquityPoint {
	return types.EquityPoint{
		Timestamp: t,
		Capital:   perf.CurrentCapital.Add(perf.UnrealizedPnL),
		PnL:       perf.TotalPnL.Add(perf.UnrealizedPnL),
	}
}
