package strategy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/position"
	"github.com/atlas-desktop/strategy-engine/internal/store"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Persistence receives state changes from the lanes. Implementations must
// return without waiting on storage.
type Persistence interface {
	SaveStrategy(name string, tf types.Timeframe, enabled bool, config json.RawMessage)
	DeleteStrategy(name string, tf types.Timeframe)
	AppendTrade(trade types.CompletedTrade)
	UpsertPerformance(name string, tf types.Timeframe, perf types.StrategyPerformance)
	UpsertPosition(name string, tf types.Timeframe, pos types.Position)
	ResetTrades(name string, tf types.Timeframe)
}

// Loader returns persisted strategies at startup
type Loader interface {
	LoadStrategies(ctx context.Context) ([]store.StrategyRecord, error)
}

// Observer is told about every published state change. Calls come from
// lane goroutines and must not block.
type Observer interface {
	OnStates(tf types.Timeframe, states []RuntimeState)
	OnTrade(trade types.CompletedTrade)
}

// RuntimeState is an immutable snapshot of one runtime, published after
// every tick and command.
type RuntimeState struct {
	Name                string                    `json:"name"`
	Symbol              string                    `json:"symbol,omitempty"`
	Timeframe           types.Timeframe           `json:"timeframe"`
	Enabled             bool                      `json:"enabled"`
	Config              Config                    `json:"config"`
	Position            types.Position            `json:"position"`
	Performance         types.StrategyPerformance `json:"performance"`
	WinRate             decimal.Decimal           `json:"winRate"`
	LastAction          position.Action           `json:"lastAction,omitempty"`
	LastTick            time.Time                 `json:"lastTick,omitempty"`
	CooldownRemainingMs int64                     `json:"cooldownRemainingMs,omitempty"`
	Missing             []string                  `json:"missing,omitempty"`
	Stale               bool                      `json:"stale"`
}

// Key returns the registry key of the state
func (s RuntimeState) Key() Key {
	return Key{Name: s.Name, Timeframe: s.Timeframe}
}

type runtime struct {
	config  Config
	rules   position.Rules
	machine *position.Machine
	enabled bool

	last     position.TickResult
	lastTick time.Time

	trades   []types.CompletedTrade
	maxTrade int
}

func newRuntime(cfg Config, opts position.Options, maxTrades int) *runtime {
	opts.Strategy = cfg.Name
	opts.Timeframe = cfg.Timeframe
	opts.Sizing = position.SizingFixed
	return &runtime{
		config:   cfg,
		rules:    cfg.Rules(),
		machine:  position.NewMachine(opts),
		enabled:  cfg.Enabled,
		maxTrade: maxTrades,
	}
}

func (rt *runtime) key() Key { return rt.config.Key() }

func (rt *runtime) setConfig(cfg Config) {
	cfg.Enabled = rt.enabled
	rt.config = cfg
	rt.rules = cfg.Rules()
}

func (rt *runtime) setEnabled(enabled bool) {
	rt.enabled = enabled
	rt.config.Enabled = enabled
}

func (rt *runtime) record(trade types.CompletedTrade) {
	rt.trades = append(rt.trades, trade)
	if over := len(rt.trades) - rt.maxTrade; over > 0 {
		rt.trades = append(rt.trades[:0:0], rt.trades[over:]...)
	}
}

// recent returns up to limit trades, newest first
func (rt *runtime) recent(limit int) []types.CompletedTrade {
	n := len(rt.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.CompletedTrade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, rt.trades[i])
	}
	return out
}

func (rt *runtime) state(stale bool) RuntimeState {
	perf := rt.machine.Performance()
	st := RuntimeState{
		Name:        rt.config.Name,
		Symbol:      rt.config.Symbol,
		Timeframe:   rt.config.Timeframe,
		Enabled:     rt.enabled,
		Config:      rt.config,
		Position:    rt.machine.Position(),
		Performance: perf,
		WinRate:     perf.WinRate(),
		LastAction:  rt.last.Action,
		LastTick:    rt.lastTick,
		Stale:       stale,
	}
	if rt.last.CooldownRemaining > 0 {
		st.CooldownRemainingMs = rt.last.CooldownRemaining.Milliseconds()
	}
	if len(rt.last.Missing) > 0 {
		st.Missing = append([]string(nil), rt.last.Missing...)
	}
	return st
}
