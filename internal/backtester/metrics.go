package backtester

import (
	"math"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Metrics summarises a replay. Percentages are expressed out of 100.
type Metrics struct {
	TotalTrades       int                      `json:"totalTrades"`
	WinningTrades     int                      `json:"winningTrades"`
	LosingTrades      int                      `json:"losingTrades"`
	WinRate           decimal.Decimal          `json:"winRate"`
	AvgWin            decimal.Decimal          `json:"avgWin"`
	AvgLoss           decimal.Decimal          `json:"avgLoss"`
	LargestWin        decimal.Decimal          `json:"largestWin"`
	LargestLoss       decimal.Decimal          `json:"largestLoss"`
	ProfitFactor      decimal.Decimal          `json:"profitFactor"`
	TotalPnL          decimal.Decimal          `json:"totalPnl"`
	TotalFees         decimal.Decimal          `json:"totalFees"`
	TotalReturn       decimal.Decimal          `json:"totalReturn"`
	FinalCapital      decimal.Decimal          `json:"finalCapital"`
	MaxDrawdown       decimal.Decimal          `json:"maxDrawdown"`
	MaxDrawdownAt     time.Time                `json:"maxDrawdownAt,omitempty"`
	SharpeRatio       float64                  `json:"sharpeRatio"`
	LongestWinStreak  int                      `json:"longestWinStreak"`
	LongestLossStreak int                      `json:"longestLossStreak"`
	AvgHoldingTime    time.Duration            `json:"avgHoldingTime"`
	ExitReasons       map[types.ExitReason]int `json:"exitReasons"`
	MonthlyReturns    []MonthlyReturn          `json:"monthlyReturns"`
}

// MonthlyReturn buckets realized PnL by the UTC month a trade closed in
type MonthlyReturn struct {
	Month         string          `json:"month"`
	Trades        int             `json:"trades"`
	PnL           decimal.Decimal `json:"pnl"`
	ReturnPercent decimal.Decimal `json:"returnPercent"`
}

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct{}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate calculates all performance metrics
func (mc *MetricsCalculator) Calculate(
	trades []types.CompletedTrade,
	equityCurve []types.EquityPoint,
	initialCapital decimal.Decimal,
	finalCapital decimal.Decimal,
) *Metrics {
	metrics := &Metrics{
		TotalTrades:  len(trades),
		FinalCapital: finalCapital,
		ExitReasons:  make(map[types.ExitReason]int),
	}

	var totalWins, totalLosses decimal.Decimal
	var totalHoldingTime time.Duration
	var winStreak, lossStreak int

	for _, trade := range trades {
		metrics.TotalPnL = metrics.TotalPnL.Add(trade.PnL)
		metrics.TotalFees = metrics.TotalFees.Add(trade.Fees)
		metrics.ExitReasons[trade.ExitReason]++
		totalHoldingTime += trade.Duration

		switch {
		case trade.PnL.IsPositive():
			metrics.WinningTrades++
			totalWins = totalWins.Add(trade.PnL)
			if trade.PnL.GreaterThan(metrics.LargestWin) {
				metrics.LargestWin = trade.PnL
			}
			winStreak++
			lossStreak = 0
		case trade.PnL.IsNegative():
			metrics.LosingTrades++
			loss := trade.PnL.Abs()
			totalLosses = totalLosses.Add(loss)
			if loss.GreaterThan(metrics.LargestLoss) {
				metrics.LargestLoss = loss
			}
			lossStreak++
			winStreak = 0
		default:
			// Breakeven trades end both streaks.
			winStreak, lossStreak = 0, 0
		}
		if winStreak > metrics.LongestWinStreak {
			metrics.LongestWinStreak = winStreak
		}
		if lossStreak > metrics.LongestLossStreak {
			metrics.LongestLossStreak = lossStreak
		}
	}

	if metrics.TotalTrades > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(metrics.WinningTrades)).
			Div(decimal.NewFromInt(int64(metrics.TotalTrades))).Mul(hundred)
		metrics.AvgHoldingTime = totalHoldingTime / time.Duration(metrics.TotalTrades)
	}
	if metrics.WinningTrades > 0 {
		metrics.AvgWin = totalWins.Div(decimal.NewFromInt(int64(metrics.WinningTrades)))
	}
	if metrics.LosingTrades > 0 {
		metrics.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(metrics.LosingTrades)))
	}

	// avgWin*wins / avgLoss*losses, zero without losing trades
	if metrics.LosingTrades > 0 && metrics.AvgLoss.IsPositive() {
		wins := metrics.AvgWin.Mul(decimal.NewFromInt(int64(metrics.WinningTrades)))
		losses := metrics.AvgLoss.Mul(decimal.NewFromInt(int64(metrics.LosingTrades)))
		metrics.ProfitFactor = wins.Div(losses)
	}

	if !initialCapital.IsZero() {
		metrics.TotalReturn = finalCapital.Sub(initialCapital).Div(initialCapital).Mul(hundred)
	}

	metrics.MaxDrawdown, metrics.MaxDrawdownAt = mc.calculateMaxDrawdown(equityCurve)
	metrics.SharpeRatio = mc.SharpeRatio(equityCurve)
	metrics.MonthlyReturns = mc.monthlyReturns(trades, initialCapital)

	return metrics
}

// SharpeRatio is the mean over the standard deviation of per-sample equity
// returns. It is not annualized.
func (mc *MetricsCalculator) SharpeRatio(equityCurve []types.EquityPoint) float64 {
	returns := mc.calculateReturns(equityCurve)
	if len(returns) < 2 {
		return 0
	}
	stdDev := mc.stdDev(returns)
	if stdDev == 0 {
		return 0
	}
	return mc.mean(returns) / stdDev
}

// calculateReturns calculates per-sample returns from the equity curve
func (mc *MetricsCalculator) calculateReturns(equityCurve []types.EquityPoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Capital
		if prev.IsZero() {
			continue
		}
		ret := equityCurve[i].Capital.Sub(prev).Div(prev)
		returns = append(returns, ret.InexactFloat64())
	}
	return returns
}

// calculateMaxDrawdown returns the largest peak-to-trough fall in percent
func (mc *MetricsCalculator) calculateMaxDrawdown(equityCurve []types.EquityPoint) (decimal.Decimal, time.Time) {
	if len(equityCurve) == 0 {
		return decimal.Zero, time.Time{}
	}

	var maxDD decimal.Decimal
	var maxDDDate time.Time
	peak := equityCurve[0].Capital

	for _, point := range equityCurve {
		if point.Capital.GreaterThan(peak) {
			peak = point.Capital
		}
		if peak.IsPositive() {
			dd := peak.Sub(point.Capital).Div(peak).Mul(hundred)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
				maxDDDate = point.Timestamp
			}
		}
	}

	return maxDD, maxDDDate
}

// monthlyReturns groups trades by exit month. The return of a month is its
// PnL over the capital it started with.
func (mc *MetricsCalculator) monthlyReturns(trades []types.CompletedTrade, initialCapital decimal.Decimal) []MonthlyReturn {
	var out []MonthlyReturn
	capital := initialCapital
	start := capital

	for _, trade := range trades {
		month := trade.ExitTime.UTC().Format("2006-01")
		if n := len(out); n == 0 || out[n-1].Month != month {
			start = capital
			out = append(out, MonthlyReturn{Month: month})
		}
		bucket := &out[len(out)-1]
		bucket.Trades++
		bucket.PnL = bucket.PnL.Add(trade.PnL)
		if start.IsPositive() {
			bucket.ReturnPercent = bucket.PnL.Div(start).Mul(hundred)
		}
		capital = capital.Add(trade.PnL)
	}
	return out
}

// mean calculates arithmetic mean
func (mc *MetricsCalculator) mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev calculates the sample standard deviation
func (mc *MetricsCalculator) stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := mc.mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
