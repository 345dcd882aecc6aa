// Package types provides shared type definitions for the strategy engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe represents a candle bucket size
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe2h  Timeframe = "2h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe3m:  3 * time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe2h:  2 * time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// ParseTimeframe validates a timeframe string
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the bucket length, zero for unknown timeframes
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether the timeframe is supported
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// CheckCoverage verifies that time-ordered candles reach both ends of
// [start, end] within one period. An end later than the last bar that can
// have closed by now is clamped to it.
func (tf Timeframe) CheckCoverage(candles []Candle, start, end, now time.Time) error {
	if len(candles) == 0 {
		return ErrNoData
	}
	step := tf.Duration()
	if latest := now.Add(-step); end.After(latest) {
		end = latest
	}
	first, last := candles[0].Time, candles[len(candles)-1].Time
	if first.After(start.Add(step)) || last.Before(end.Add(-step)) {
		return &RangeCoverageError{Timeframe: tf, Start: start, End: end, First: first, Last: last}
	}
	return nil
}

// Candle represents a single closed OHLCV bar
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// PositionType is the direction of a simulated position
type PositionType string

const (
	PositionNone  PositionType = "NONE"
	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"
)

// Sign returns +1 for long, -1 for short and 0 otherwise
func (p PositionType) Sign() int64 {
	switch p {
	case PositionLong:
		return 1
	case PositionShort:
		return -1
	default:
		return 0
	}
}

// ExitReason explains why a position was closed
type ExitReason string

const (
	ExitStopLoss        ExitReason = "stop loss"
	ExitProfitTarget    ExitReason = "profit target"
	ExitMaxPositionTime ExitReason = "max position time"
	ExitCondition       ExitReason = "exit condition"
	ExitStrategyRemoved ExitReason = "strategy removed"
	ExitReplayEnd       ExitReason = "replay end"
)

// Position represents the open position of one (strategy, timeframe) pair
type Position struct {
	Type                 PositionType    `json:"type"`
	EntryPrice           decimal.Decimal `json:"entryPrice"`
	EntryTime            time.Time       `json:"entryTime"`
	Quantity             decimal.Decimal `json:"quantity"`
	CurrentPrice         decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealizedPnlPercent"`
}

// IsOpen reports whether the position holds quantity in some direction
func (p Position) IsOpen() bool {
	return p.Type == PositionLong || p.Type == PositionShort
}

// CompletedTrade is an append-only ledger entry written once per close
type CompletedTrade struct {
	Strategy   string          `json:"strategy"`
	Timeframe  Timeframe       `json:"timeframe"`
	Type       PositionType    `json:"type"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	ExitTime   time.Time       `json:"exitTime"`
	Quantity   decimal.Decimal `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnlPercent"`
	Fees       decimal.Decimal `json:"fees"`
	Duration   time.Duration   `json:"duration"`
	ExitReason ExitReason      `json:"exitReason"`
	IsWin      bool            `json:"isWin"`
}

// StrategyPerformance aggregates closed trades and the current mark
type StrategyPerformance struct {
	TotalPnL       decimal.Decimal `json:"totalPnl"`
	TotalTrades    int             `json:"totalTrades"`
	WinningTrades  int             `json:"winningTrades"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	CurrentCapital decimal.Decimal `json:"currentCapital"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	TotalFees      decimal.Decimal `json:"totalFees"`
	// LastCloseAt is when the most recent trade closed; it anchors the cooldown
	LastCloseAt time.Time `json:"lastCloseAt,omitzero"`
}

// WinRate returns winning trades over total trades as a percentage
func (p StrategyPerformance) WinRate() decimal.Decimal {
	if p.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(p.WinningTrades)).
		Div(decimal.NewFromInt(int64(p.TotalTrades))).
		Mul(decimal.NewFromInt(100))
}

// EquityPoint represents a sampled point on a backtest equity curve
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Capital   decimal.Decimal `json:"capital"`
	PnL       decimal.Decimal `json:"pnl"`
}
