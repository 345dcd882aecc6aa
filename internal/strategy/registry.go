package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/internal/metrics"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Subscriber is the part of the fan-out hub a lane needs
type Subscriber interface {
	Subscribe(ctx context.Context, tf types.Timeframe, consumer feed.Consumer) (*feed.Subscription, error)
}

// Options configures a Registry
type Options struct {
	FeeRate        decimal.Decimal
	InitialCapital decimal.Decimal
	// TradeHistory bounds the in-memory ledger kept per runtime.
	TradeHistory int
	InboxSize    int
}

// DefaultOptions returns the defaults used by the server
func DefaultOptions() Options {
	return Options{
		FeeRate:        decimal.RequireFromString("0.001"),
		InitialCapital: decimal.NewFromInt(10000),
		TradeHistory:   200,
		InboxSize:      256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FeeRate.IsNegative() {
		o.FeeRate = d.FeeRate
	}
	if !o.InitialCapital.IsPositive() {
		o.InitialCapital = d.InitialCapital
	}
	if o.TradeHistory <= 0 {
		o.TradeHistory = d.TradeHistory
	}
	if o.InboxSize <= 0 {
		o.InboxSize = d.InboxSize
	}
	return o
}

// Registry holds every strategy runtime. Each timeframe is served by one
// lane goroutine; commands are queued to that lane and applied between
// ticks.
type Registry struct {
	logger      *zap.Logger
	hub         Subscriber
	engine      indicator.Engine
	known       func(string) bool
	opts        Options
	persistence Persistence
	observer    Observer
	metrics     *metrics.PrometheusMetrics

	mu     sync.RWMutex
	lanes  map[types.Timeframe]*lane
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. persistence and observer may be nil.
func NewRegistry(
	logger *zap.Logger,
	hub Subscriber,
	engine indicator.Engine,
	opts Options,
	persistence Persistence,
	observer Observer,
	m *metrics.PrometheusMetrics,
) *Registry {
	if persistence == nil {
		persistence = nopPersistence{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Registry{
		logger:      logger.Named("strategy"),
		hub:         hub,
		engine:      engine,
		known:       indicator.Known(engine),
		opts:        opts.withDefaults(),
		persistence: persistence,
		observer:    observer,
		metrics:     m,
		lanes:       make(map[types.Timeframe]*lane),
		done:        make(chan struct{}),
	}
}

// Run blocks until ctx is done and then closes the registry.
func (r *Registry) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-r.done:
	}
	r.Close()
	return nil
}

// Close stops every lane. Open positions stay persisted and are restored by
// LoadFromStore on the next start.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Strategy registry stopped")
}

// Validate checks cfg against the indicator engine without registering it
func (r *Registry) Validate(cfg Config) error {
	return cfg.Validate(r.known)
}

// Add validates and registers a new runtime. An invalid config is never
// partially registered.
func (r *Registry) Add(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(r.known); err != nil {
		return err
	}
	return r.exec(ctx, cfg.Timeframe, func(l *lane) error {
		return l.add(cfg, nil)
	})
}

// Apply adds cfg or, when the key already exists, hot-updates it.
func (r *Registry) Apply(ctx context.Context, cfg Config) error {
	err := r.UpdateConfig(ctx, cfg.Name, cfg.Timeframe, cfg)
	if errors.Is(err, types.ErrStrategyNotFound) {
		return r.Add(ctx, cfg)
	}
	return err
}

// UpdateConfig swaps the config of an existing runtime between ticks. The
// open position, performance and enabled flag are kept.
func (r *Registry) UpdateConfig(ctx context.Context, name string, tf types.Timeframe, cfg Config) error {
	if cfg.Name != name || cfg.Timeframe != tf {
		return &types.ConfigValidationError{
			Strategy: name,
			Field:    "name",
			Reason:   fmt.Sprintf("config key %s does not match %s", cfg.Key(), Key{Name: name, Timeframe: tf}),
		}
	}
	if err := cfg.Validate(r.known); err != nil {
		return err
	}
	return r.exec(ctx, tf, func(l *lane) error {
		return l.update(cfg)
	})
}

// Toggle enables or disables a runtime. A disabled runtime receives no
// ticks but keeps its position and performance.
func (r *Registry) Toggle(ctx context.Context, name string, tf types.Timeframe, enabled bool) error {
	if !tf.Valid() {
		return types.ErrStrategyNotFound
	}
	return r.exec(ctx, tf, func(l *lane) error {
		return l.toggle(name, enabled)
	})
}

// Remove closes any open position at the last known price, then evicts the
// runtime. The returned state carries the final aggregates.
func (r *Registry) Remove(ctx context.Context, name string, tf types.Timeframe) (RuntimeState, error) {
	if !tf.Valid() {
		return RuntimeState{}, types.ErrStrategyNotFound
	}
	var final RuntimeState
	err := r.exec(ctx, tf, func(l *lane) error {
		st, err := l.remove(name)
		final = st
		return err
	})
	return final, err
}

// ResetHistory clears the trade ledger and performance of a runtime. An
// open position is kept.
func (r *Registry) ResetHistory(ctx context.Context, name string, tf types.Timeframe) error {
	if !tf.Valid() {
		return types.ErrStrategyNotFound
	}
	return r.exec(ctx, tf, func(l *lane) error {
		return l.reset(name)
	})
}

// Trades returns up to limit recent trades of a runtime, newest first.
func (r *Registry) Trades(ctx context.Context, name string, tf types.Timeframe, limit int) ([]types.CompletedTrade, error) {
	if !tf.Valid() {
		return nil, types.ErrStrategyNotFound
	}
	var out []types.CompletedTrade
	err := r.query(ctx, tf, func(l *lane) error {
		rt, ok := l.runtimes[name]
		if !ok {
			return types.ErrStrategyNotFound
		}
		out = rt.recent(limit)
		return nil
	})
	return out, err
}

// Get returns the last published state of a runtime
func (r *Registry) Get(name string, tf types.Timeframe) (RuntimeState, bool) {
	r.mu.RLock()
	l, ok := r.lanes[tf]
	r.mu.RUnlock()
	if !ok {
		return RuntimeState{}, false
	}
	for _, st := range l.snapshot() {
		if st.Name == name {
			return st, true
		}
	}
	return RuntimeState{}, false
}

// List returns the last published state of every runtime, ordered by
// timeframe and registration.
func (r *Registry) List() []RuntimeState {
	r.mu.RLock()
	lanes := make([]*lane, 0, len(r.lanes))
	for _, l := range r.lanes {
		lanes = append(lanes, l)
	}
	r.mu.RUnlock()

	sort.Slice(lanes, func(i, j int) bool { return lanes[i].tf.Duration() < lanes[j].tf.Duration() })
	var out []RuntimeState
	for _, l := range lanes {
		out = append(out, l.snapshot()...)
	}
	return out
}

// States returns the last published states of one timeframe
func (r *Registry) States(tf types.Timeframe) []RuntimeState {
	r.mu.RLock()
	l, ok := r.lanes[tf]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return l.snapshot()
}

// LoadFromStore registers every persisted strategy with its last position
// and performance. Invalid records are skipped and logged.
func (r *Registry) LoadFromStore(ctx context.Context, loader Loader) (int, error) {
	records, err := loader.LoadStrategies(ctx)
	if err != nil {
		return 0, fmt.Errorf("load strategies: %w", err)
	}

	loaded := 0
	for _, rec := range records {
		cfg, err := ParseConfig(rec.Config)
		if err == nil {
			cfg.Name = rec.Name
			cfg.Timeframe = rec.Timeframe
			cfg.Enabled = rec.Enabled
			err = cfg.Validate(r.known)
		}
		if err != nil {
			r.logger.Warn("Skipping stored strategy",
				zap.String("strategy", rec.Name),
				zap.String("timeframe", string(rec.Timeframe)),
				zap.Error(err))
			continue
		}

		rec := rec
		err = r.exec(ctx, cfg.Timeframe, func(l *lane) error {
			return l.add(cfg, &rec)
		})
		if err != nil {
			if errors.Is(err, types.ErrStrategyExists) {
				continue
			}
			return loaded, err
		}
		loaded++
	}

	r.logger.Info("Strategies restored", zap.Int("count", loaded), zap.Int("stored", len(records)))
	return loaded, nil
}

// exec queues a state-changing fn on the lane of tf and waits for its result.
func (r *Registry) exec(ctx context.Context, tf types.Timeframe, fn func(l *lane) error) error {
	return r.send(ctx, tf, fn, true)
}

func (r *Registry) query(ctx context.Context, tf types.Timeframe, fn func(l *lane) error) error {
	return r.send(ctx, tf, fn, false)
}

func (r *Registry) send(ctx context.Context, tf types.Timeframe, fn func(l *lane) error, mutates bool) error {
	l, err := r.lane(tf)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	msg := laneMsg{cmd: func(l *lane) { reply <- fn(l) }, mutates: mutates}
	select {
	case l.inbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return types.ErrRegistryClosed
	}

	select {
	case err := <-reply:
		return err
	case <-l.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return types.ErrRegistryClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) lane(tf types.Timeframe) (*lane, error) {
	if !tf.Valid() {
		return nil, &types.ConfigValidationError{Field: "timeframe", Reason: fmt.Sprintf("unsupported timeframe %q", tf)}
	}

	r.mu.RLock()
	l, ok := r.lanes[tf]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, types.ErrRegistryClosed
	}
	if ok {
		return l, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, types.ErrRegistryClosed
	}
	if l, ok := r.lanes[tf]; ok {
		return l, nil
	}
	l = newLane(r, tf)
	r.lanes[tf] = l
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		l.run()
	}()
	return l, nil
}

type nopPersistence struct{}

func (nopPersistence) SaveStrategy(string, types.Timeframe, bool, json.RawMessage)          {}
func (nopPersistence) DeleteStrategy(string, types.Timeframe)                               {}
func (nopPersistence) AppendTrade(types.CompletedTrade)                                     {}
func (nopPersistence) UpsertPerformance(string, types.Timeframe, types.StrategyPerformance) {}
func (nopPersistence) UpsertPosition(string, types.Timeframe, types.Position)               {}
func (nopPersistence) ResetTrades(string, types.Timeframe)                                  {}

type nopObserver struct{}

func (nopObserver) OnStates(types.Timeframe, []RuntimeState) {}
func (nopObserver) OnTrade(types.CompletedTrade)             {}
