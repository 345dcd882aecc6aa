package position

import (
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Performance aggregates closed trades incrementally
type Performance struct {
	initial       decimal.Decimal
	totalPnL      decimal.Decimal
	unrealized    decimal.Decimal
	totalFees     decimal.Decimal
	totalTrades   int
	winningTrades int
	lastClose     time.Time
}

// NewPerformance starts an aggregate at the given capital
func NewPerformance(initialCapital decimal.Decimal) *Performance {
	return &Performance{initial: initialCapital}
}

// Record folds one closed trade into the aggregate
func (p *Performance) Record(trade types.CompletedTrade) {
	p.totalPnL = p.totalPnL.Add(trade.PnL)
	p.totalFees = p.totalFees.Add(trade.Fees)
	p.totalTrades++
	if trade.IsWin {
		p.winningTrades++
	}
	if trade.ExitTime.After(p.lastClose) {
		p.lastClose = trade.ExitTime
	}
	p.unrealized = decimal.Zero
}

// Mark sets the unrealized PnL of the open position
func (p *Performance) Mark(unrealized decimal.Decimal) {
	p.unrealized = unrealized
}

// Reset clears trade history, keeping the initial capital
func (p *Performance) Reset() {
	initial := p.initial
	*p = Performance{initial: initial}
}

// Restore replaces the aggregate with a persisted snapshot
func (p *Performance) Restore(s types.StrategyPerformance) {
	if !s.InitialCapital.IsZero() {
		p.initial = s.InitialCapital
	}
	p.totalPnL = s.TotalPnL
	p.totalTrades = s.TotalTrades
	p.winningTrades = s.WinningTrades
	p.unrealized = s.UnrealizedPnL
	p.totalFees = s.TotalFees
	p.lastClose = s.LastCloseAt
}

// Capital returns initial capital plus realized PnL
func (p *Performance) Capital() decimal.Decimal {
	return p.initial.Add(p.totalPnL)
}

// Fees returns the total fees paid
func (p *Performance) Fees() decimal.Decimal {
	return p.totalFees
}

// Snapshot returns a copy safe to hand to other goroutines
func (p *Performance) Snapshot() types.StrategyPerformance {
	return types.StrategyPerformance{
		TotalPnL:       p.totalPnL,
		TotalTrades:    p.totalTrades,
		WinningTrades:  p.winningTrades,
		InitialCapital: p.initial,
		CurrentCapital: p.Capital(),
		UnrealizedPnL:  p.unrealized,
		TotalFees:      p.totalFees,
		LastCloseAt:    p.lastClose,
	}
}
