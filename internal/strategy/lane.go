package strategy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/internal/position"
	"github.com/atlas-desktop/strategy-engine/internal/store"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

const subscribeTimeout = 5 * time.Second

type laneMsg struct {
	frame   *feed.Frame
	status  *feed.Status
	cmd     func(l *lane)
	mutates bool
}

// lane drives every runtime of one timeframe. All fields except inbox,
// states and stopped are owned by the run goroutine.
type lane struct {
	reg    *Registry
	tf     types.Timeframe
	logger *zap.Logger

	inbox   chan laneMsg
	stopped chan struct{}
	states  atomic.Pointer[[]RuntimeState]

	runtimes map[string]*runtime
	order    []string
	sub      *feed.Subscription
	last     *types.Candle
	stale    bool
}

func newLane(reg *Registry, tf types.Timeframe) *lane {
	l := &lane{
		reg:      reg,
		tf:       tf,
		logger:   reg.logger.With(zap.String("timeframe", string(tf))),
		inbox:    make(chan laneMsg, reg.opts.InboxSize),
		stopped:  make(chan struct{}),
		runtimes: make(map[string]*runtime),
	}
	empty := []RuntimeState{}
	l.states.Store(&empty)
	return l
}

// OnFrame queues a closed candle. It blocks while the inbox is full so that
// no tick is skipped.
func (l *lane) OnFrame(frame feed.Frame) {
	select {
	case l.inbox <- laneMsg{frame: &frame}:
	case <-l.reg.done:
	}
}

// OnStatus queues a staleness change
func (l *lane) OnStatus(status feed.Status) {
	select {
	case l.inbox <- laneMsg{status: &status}:
	case <-l.reg.done:
	}
}

func (l *lane) snapshot() []RuntimeState {
	return *l.states.Load()
}

func (l *lane) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.reg.done:
			l.shutdown()
			return
		case msg := <-l.inbox:
			switch {
			case msg.cmd != nil:
				msg.cmd(l)
				if msg.mutates {
					l.syncSubscription()
					l.publish()
				}
			case msg.frame != nil:
				l.tick(*msg.frame)
			case msg.status != nil:
				l.onStatus(*msg.status)
			}
		}
	}
}

func (l *lane) tick(frame feed.Frame) {
	if l.last != nil && !frame.Candle.Time.After(l.last.Time) {
		return
	}
	start := time.Now()
	candle := frame.Candle
	l.last = &candle
	l.stale = false
	if frame.Gap != nil {
		l.logger.Warn("Resuming after feed gap",
			zap.Time("staleSince", frame.Gap.StaleSince),
			zap.Int("missed", frame.Gap.Missed))
	}

	tf := string(l.tf)
	open := 0
	for _, name := range l.order {
		rt := l.runtimes[name]
		if !rt.enabled {
			if rt.machine.Position().IsOpen() {
				open++
			}
			continue
		}

		res := rt.machine.Tick(rt.rules, candle, frame.Snapshot)
		rt.last = res
		rt.lastTick = candle.Time
		l.reg.metrics.RecordAction(tf, string(res.Action))

		if res.DataGap() {
			l.reg.metrics.RecordDataGap(tf)
			gap := &types.DataGapError{Timeframe: l.tf, Have: len(frame.Window), Need: l.reg.engine.WarmUp()}
			l.logger.Debug("Evaluated with missing indicators",
				zap.String("strategy", name),
				zap.Strings("missing", res.Missing),
				zap.Error(gap))
		}

		switch res.Action {
		case position.ActionOpened:
			l.logger.Info("Position opened",
				zap.String("strategy", name),
				zap.String("side", string(res.Position.Type)),
				zap.String("price", res.Position.EntryPrice.String()),
				zap.String("quantity", res.Position.Quantity.String()))
			l.reg.persistence.UpsertPosition(name, l.tf, res.Position)
		case position.ActionHolding:
			l.reg.persistence.UpsertPosition(name, l.tf, res.Position)
		case position.ActionClosed:
			l.closed(rt, *res.Trade)
		}

		if err := rt.machine.CheckInvariant(); err != nil {
			l.logger.Error("Position invariant violated", zap.String("strategy", name), zap.Error(err))
		}
		if rt.machine.Position().IsOpen() {
			open++
		}
	}

	l.reg.metrics.SetOpenPositions(tf, open)
	l.reg.metrics.RecordTick(tf, time.Since(start))
	l.publish()
}

func (l *lane) closed(rt *runtime, trade types.CompletedTrade) {
	name := rt.config.Name
	rt.record(trade)
	l.reg.persistence.AppendTrade(trade)
	l.reg.persistence.UpsertPerformance(name, l.tf, rt.machine.Performance())
	l.reg.persistence.UpsertPosition(name, l.tf, rt.machine.Position())
	pnl, _ := trade.PnL.Float64()
	l.reg.metrics.RecordTrade(string(l.tf), string(trade.ExitReason), pnl)
	l.reg.observer.OnTrade(trade)
	l.logger.Info("Position closed",
		zap.String("strategy", name),
		zap.String("side", string(trade.Type)),
		zap.String("reason", string(trade.ExitReason)),
		zap.String("pnl", trade.PnL.String()),
		zap.String("fees", trade.Fees.String()))
}

func (l *lane) onStatus(status feed.Status) {
	if l.stale == status.Stale {
		return
	}
	l.stale = status.Stale
	if status.Stale {
		l.logger.Warn("Feed stale, holding last state", zap.Error(status.Err))
	}
	l.publish()
}

func (l *lane) add(cfg Config, rec *store.StrategyRecord) error {
	if _, ok := l.runtimes[cfg.Name]; ok {
		return types.ErrStrategyExists
	}
	rt := newRuntime(cfg, position.Options{
		FeeRate:        l.reg.opts.FeeRate,
		InitialCapital: l.reg.opts.InitialCapital,
	}, l.reg.opts.TradeHistory)

	if rec != nil {
		var pos types.Position
		if rec.Position != nil {
			pos = *rec.Position
		}
		var perf types.StrategyPerformance
		if rec.Performance != nil {
			perf = *rec.Performance
		}
		rt.machine.Restore(pos, perf)
	} else {
		l.reg.persistence.SaveStrategy(cfg.Name, l.tf, rt.enabled, cfg.JSON())
	}

	l.runtimes[cfg.Name] = rt
	l.order = append(l.order, cfg.Name)
	l.reg.metrics.SetRuntimes(string(l.tf), len(l.runtimes))
	l.logger.Info("Strategy registered",
		zap.String("strategy", cfg.Name),
		zap.Bool("enabled", rt.enabled),
		zap.Bool("restored", rec != nil))
	return nil
}

func (l *lane) update(cfg Config) error {
	rt, ok := l.runtimes[cfg.Name]
	if !ok {
		return types.ErrStrategyNotFound
	}
	rt.setConfig(cfg)
	l.reg.persistence.SaveStrategy(cfg.Name, l.tf, rt.enabled, rt.config.JSON())
	l.logger.Info("Strategy config updated",
		zap.String("strategy", cfg.Name),
		zap.Bool("positionOpen", rt.machine.Position().IsOpen()))
	return nil
}

func (l *lane) toggle(name string, enabled bool) error {
	rt, ok := l.runtimes[name]
	if !ok {
		return types.ErrStrategyNotFound
	}
	if rt.enabled == enabled {
		return nil
	}
	rt.setEnabled(enabled)
	l.reg.persistence.SaveStrategy(name, l.tf, enabled, rt.config.JSON())
	l.logger.Info("Strategy toggled", zap.String("strategy", name), zap.Bool("enabled", enabled))
	return nil
}

func (l *lane) remove(name string) (RuntimeState, error) {
	rt, ok := l.runtimes[name]
	if !ok {
		return RuntimeState{}, types.ErrStrategyNotFound
	}

	price, at := rt.machine.LastPrice()
	if l.last != nil {
		price, at = l.last.Close, l.last.Time
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if trade, closed := rt.machine.ForceClose(price, at, types.ExitStrategyRemoved); closed {
		rt.last = position.TickResult{Action: position.ActionClosed, Position: rt.machine.Position(), Trade: &trade}
		l.closed(rt, trade)
	}
	final := rt.state(l.stale)

	delete(l.runtimes, name)
	for i, n := range l.order {
		if n == name {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
	l.reg.persistence.DeleteStrategy(name, l.tf)
	l.reg.metrics.SetRuntimes(string(l.tf), len(l.runtimes))
	l.logger.Info("Strategy removed",
		zap.String("strategy", name),
		zap.String("totalPnl", final.Performance.TotalPnL.String()),
		zap.Int("trades", final.Performance.TotalTrades))
	return final, nil
}

func (l *lane) reset(name string) error {
	rt, ok := l.runtimes[name]
	if !ok {
		return types.ErrStrategyNotFound
	}
	rt.machine.ResetHistory()
	rt.trades = nil
	l.reg.persistence.ResetTrades(name, l.tf)
	l.reg.persistence.UpsertPerformance(name, l.tf, rt.machine.Performance())
	l.logger.Info("Strategy history reset", zap.String("strategy", name))
	return nil
}

// syncSubscription holds one hub subscription while the lane has runtimes.
func (l *lane) syncSubscription() {
	switch {
	case len(l.runtimes) > 0 && l.sub == nil && l.reg.hub != nil:
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()
		sub, err := l.reg.hub.Subscribe(ctx, l.tf, l)
		if err != nil {
			l.logger.Error("Failed to subscribe to feed", zap.Error(err))
			return
		}
		l.sub = sub
		l.stale = sub.Stale()
	case len(l.runtimes) == 0 && l.sub != nil:
		if err := l.sub.Close(); err != nil {
			l.logger.Debug("Feed unsubscribe failed", zap.Error(err))
		}
		l.sub = nil
		l.last = nil
	}
}

func (l *lane) publish() {
	states := make([]RuntimeState, 0, len(l.order))
	for _, name := range l.order {
		states = append(states, l.runtimes[name].state(l.stale))
	}
	l.states.Store(&states)
	l.reg.observer.OnStates(l.tf, states)
}

// shutdown flushes open positions and performance so a restart resumes
// where this process stopped.
func (l *lane) shutdown() {
	for _, name := range l.order {
		rt := l.runtimes[name]
		l.reg.persistence.UpsertPerformance(name, l.tf, rt.machine.Performance())
		l.reg.persistence.UpsertPosition(name, l.tf, rt.machine.Position())
	}
	if l.sub != nil {
		l.sub.Close()
		l.sub = nil
	}
}
