// Package position implements the per-strategy position state machine.
//
// A Machine is FLAT, OPEN_LONG or OPEN_SHORT and moves between those states
// once per tick. It is not safe for concurrent use; callers own one machine
// per (strategy, timeframe) pair and drive it from a single goroutine.
package position

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/condition"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Sizing selects how an entry quantity is derived from PositionSize
type Sizing int

const (
	// SizingFixed opens PositionSize units (live trading)
	SizingFixed Sizing = iota
	// SizingCapitalFraction opens capital*PositionSize/price units (backtests)
	SizingCapitalFraction
)

func (s Sizing) String() string {
	switch s {
	case SizingFixed:
		return "fixed"
	case SizingCapitalFraction:
		return "capital_fraction"
	default:
		return fmt.Sprintf("sizing(%d)", int(s))
	}
}

// Rules are the per-tick inputs a machine evaluates. Zero thresholds
// disable the corresponding exit.
type Rules struct {
	LongEntry           condition.Tree
	ShortEntry          condition.Tree
	LongExit            condition.Tree
	ShortExit           condition.Tree
	ProfitTargetPercent decimal.Decimal
	StopLossPercent     decimal.Decimal
	MaxPositionTime     time.Duration
	PositionSize        decimal.Decimal
	Cooldown            time.Duration
}

// Action is the outcome of a tick
type Action string

const (
	ActionIdle     Action = "idle"
	ActionOpened   Action = "opened"
	ActionClosed   Action = "closed"
	ActionHolding  Action = "holding"
	ActionCooldown Action = "cooldown"
)

// TickResult reports what a tick did
type TickResult struct {
	Action            Action
	Position          types.Position
	Trade             *types.CompletedTrade
	CooldownRemaining time.Duration
	// Missing lists indicators the evaluated trees could not read
	Missing []string
}

// DataGap reports whether the tick evaluated leaves without data
func (r TickResult) DataGap() bool {
	return len(r.Missing) > 0
}

// Options configure a machine
type Options struct {
	Strategy       string
	Timeframe      types.Timeframe
	FeeRate        decimal.Decimal
	Sizing         Sizing
	InitialCapital decimal.Decimal
}

// Machine is the position state machine of one (strategy, timeframe) pair
type Machine struct {
	opts      Options
	position  types.Position
	perf      *Performance
	lastClose time.Time
	hasClosed bool
	lastPrice decimal.Decimal
	lastTick  time.Time
}

// NewMachine creates a FLAT machine
func NewMachine(opts Options) *Machine {
	return &Machine{
		opts:     opts,
		position: types.Position{Type: types.PositionNone},
		perf:     NewPerformance(opts.InitialCapital),
	}
}

// Tick advances the machine by one closed candle. Exits are checked before
// entries, so a tick that closes a position never re-opens one.
func (m *Machine) Tick(rules Rules, candle types.Candle, snap indicator.Snapshot) TickResult {
	price := candle.Close
	now := candle.Time
	m.lastPrice = price
	m.lastTick = now

	if m.position.IsOpen() {
		m.mark(price)
		if reason, ok := m.exitReason(rules, now, snap); ok {
			trade := m.close(price, now, reason)
			return TickResult{Action: ActionClosed, Position: m.position, Trade: &trade}
		}
		res := TickResult{Action: ActionHolding, Position: m.position}
		if exit := m.exitTree(rules); !exit.Empty() {
			res.Missing = condition.Missing(exit.Root, snap)
		}
		return res
	}

	if remaining := m.cooldownRemaining(rules, now); remaining > 0 {
		return TickResult{Action: ActionCooldown, Position: m.position, CooldownRemaining: remaining}
	}

	if !price.IsPositive() {
		return TickResult{Action: ActionIdle, Position: m.position}
	}

	// Long is checked first and wins when both entries match.
	switch {
	case rules.LongEntry.Evaluate(snap):
		if m.open(types.PositionLong, rules, price, now) {
			return TickResult{Action: ActionOpened, Position: m.position}
		}
	case rules.ShortEntry.Evaluate(snap):
		if m.open(types.PositionShort, rules, price, now) {
			return TickResult{Action: ActionOpened, Position: m.position}
		}
	}

	res := TickResult{Action: ActionIdle, Position: m.position}
	for _, tree := range []condition.Tree{rules.LongEntry, rules.ShortEntry} {
		if !tree.Empty() {
			res.Missing = appendUnique(res.Missing, condition.Missing(tree.Root, snap)...)
		}
	}
	return res
}

// ForceClose closes an open position outside the normal exit rules. The
// boolean is false when the machine was already FLAT.
func (m *Machine) ForceClose(price decimal.Decimal, now time.Time, reason types.ExitReason) (types.CompletedTrade, bool) {
	if !m.position.IsOpen() {
		return types.CompletedTrade{}, false
	}
	m.mark(price)
	return m.close(price, now, reason), true
}

// PnLPercent returns the signed move of price against the entry, in percent
func (m *Machine) PnLPercent(price decimal.Decimal) decimal.Decimal {
	if !m.position.IsOpen() || m.position.EntryPrice.IsZero() {
		return decimal.Zero
	}
	sign := decimal.NewFromInt(m.position.Type.Sign())
	return sign.Mul(price.Sub(m.position.EntryPrice)).Div(m.position.EntryPrice).Mul(hundred)
}

func (m *Machine) exitReason(rules Rules, now time.Time, snap indicator.Snapshot) (types.ExitReason, bool) {
	pnlPercent := m.PnLPercent(m.lastPrice)

	if rules.StopLossPercent.IsPositive() && pnlPercent.LessThanOrEqual(rules.StopLossPercent.Neg()) {
		return types.ExitStopLoss, true
	}
	if rules.ProfitTargetPercent.IsPositive() && pnlPercent.GreaterThanOrEqual(rules.ProfitTargetPercent) {
		return types.ExitProfitTarget, true
	}
	if rules.MaxPositionTime > 0 && now.Sub(m.position.EntryTime) >= rules.MaxPositionTime {
		return types.ExitMaxPositionTime, true
	}
	if m.exitTree(rules).Evaluate(snap) {
		return types.ExitCondition, true
	}
	return "", false
}

func (m *Machine) exitTree(rules Rules) condition.Tree {
	if m.position.Type == types.PositionShort {
		return rules.ShortExit
	}
	return rules.LongExit
}

func (m *Machine) cooldownRemaining(rules Rules, now time.Time) time.Duration {
	if !m.hasClosed || rules.Cooldown <= 0 {
		return 0
	}
	elapsed := now.Sub(m.lastClose)
	if elapsed >= rules.Cooldown {
		return 0
	}
	return rules.Cooldown - elapsed
}

func (m *Machine) quantity(rules Rules, price decimal.Decimal) decimal.Decimal {
	switch m.opts.Sizing {
	case SizingCapitalFraction:
		return m.perf.Capital().Mul(rules.PositionSize).Div(price)
	default:
		return rules.PositionSize
	}
}

func (m *Machine) open(side types.PositionType, rules Rules, price decimal.Decimal, now time.Time) bool {
	qty := m.quantity(rules, price)
	if !qty.IsPositive() {
		return false
	}
	m.position = types.Position{
		Type:                 side,
		EntryPrice:           price,
		EntryTime:            now,
		Quantity:             qty,
		CurrentPrice:         price,
		UnrealizedPnL:        decimal.Zero,
		UnrealizedPnLPercent: decimal.Zero,
	}
	m.perf.Mark(decimal.Zero)
	return true
}

func (m *Machine) mark(price decimal.Decimal) {
	sign := decimal.NewFromInt(m.position.Type.Sign())
	m.position.CurrentPrice = price
	m.position.UnrealizedPnL = sign.Mul(price.Sub(m.position.EntryPrice)).Mul(m.position.Quantity)
	m.position.UnrealizedPnLPercent = m.PnLPercent(price)
	m.perf.Mark(m.position.UnrealizedPnL)
}

func (m *Machine) close(price decimal.Decimal, now time.Time, reason types.ExitReason) types.CompletedTrade {
	pos := m.position
	sign := decimal.NewFromInt(pos.Type.Sign())

	gross := sign.Mul(price.Sub(pos.EntryPrice)).Mul(pos.Quantity)
	fees := Fees(pos.Quantity, pos.EntryPrice, price, m.opts.FeeRate)
	net := gross.Sub(fees)

	pnlPercent := decimal.Zero
	if notional := pos.EntryPrice.Mul(pos.Quantity); !notional.IsZero() {
		pnlPercent = net.Div(notional).Mul(hundred)
	}

	trade := types.CompletedTrade{
		Strategy:   m.opts.Strategy,
		Timeframe:  m.opts.Timeframe,
		Type:       pos.Type,
		EntryPrice: pos.EntryPrice,
		EntryTime:  pos.EntryTime,
		ExitPrice:  price,
		ExitTime:   now,
		Quantity:   pos.Quantity,
		PnL:        net,
		PnLPercent: pnlPercent,
		Fees:       fees,
		Duration:   now.Sub(pos.EntryTime),
		ExitReason: reason,
		IsWin:      net.IsPositive(),
	}

	m.perf.Record(trade)
	m.position = types.Position{Type: types.PositionNone}
	m.lastClose = now
	m.hasClosed = true
	return trade
}

// Fees charges rate on both the entry and the exit notional
func Fees(quantity, entry, exit, rate decimal.Decimal) decimal.Decimal {
	return quantity.Mul(entry).Mul(rate).Add(quantity.Mul(exit).Mul(rate))
}

// Position returns the current position
func (m *Machine) Position() types.Position { return m.position }

// Performance returns a snapshot of the aggregate
func (m *Machine) Performance() types.StrategyPerformance { return m.perf.Snapshot() }

// LastPrice returns the close of the most recent tick
func (m *Machine) LastPrice() (decimal.Decimal, time.Time) { return m.lastPrice, m.lastTick }

// Capital returns the realized capital used for fraction sizing
func (m *Machine) Capital() decimal.Decimal { return m.perf.Capital() }

// ResetHistory clears realized aggregates and the cooldown; an open position
// is kept.
func (m *Machine) ResetHistory() {
	m.perf.Reset()
	m.hasClosed = false
	m.lastClose = time.Time{}
	if m.position.IsOpen() {
		m.perf.Mark(m.position.UnrealizedPnL)
	}
}

// Restore loads persisted state into a FLAT machine. A persisted close time
// restarts the cooldown from that close.
func (m *Machine) Restore(pos types.Position, perf types.StrategyPerformance) {
	m.perf.Restore(perf)
	if !perf.LastCloseAt.IsZero() {
		m.lastClose = perf.LastCloseAt
		m.hasClosed = true
	}
	if pos.IsOpen() && pos.Quantity.IsPositive() {
		m.position = pos
		if !pos.CurrentPrice.IsZero() {
			m.lastPrice = pos.CurrentPrice
		} else {
			m.lastPrice = pos.EntryPrice
		}
	}
}

// CheckInvariant verifies the machine holds at most one consistent position
func (m *Machine) CheckInvariant() error {
	switch m.position.Type {
	case types.PositionNone:
		if !m.position.Quantity.IsZero() {
			return fmt.Errorf("flat position carries quantity %s", m.position.Quantity)
		}
	case types.PositionLong, types.PositionShort:
		if !m.position.Quantity.IsPositive() {
			return fmt.Errorf("open %s position with quantity %s", m.position.Type, m.position.Quantity)
		}
	default:
		return fmt.Errorf("unknown position type %q", m.position.Type)
	}
	return nil
}

func appendUnique(dst []string, names ...string) []string {
	for _, name := range names {
		found := false
		for _, have := range dst {
			if have == name {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, name)
		}
	}
	return dst
}
