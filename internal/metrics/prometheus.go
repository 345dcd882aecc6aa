// Package metrics exposes Prometheus metrics for the strategy engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *PrometheusMetrics

	// Strategy lanes
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_ticks_total",
			Help: "Total number of candles processed by strategy lanes",
		},
		[]string{"timeframe"},
	)

	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strategy_engine_tick_duration_seconds",
			Help:    "Time spent evaluating all runtimes of a lane for one candle",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"timeframe"},
	)

	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_actions_total",
			Help: "Position state machine outcomes",
		},
		[]string{"timeframe", "action"},
	)

	dataGapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_data_gaps_total",
			Help: "Ticks evaluated with missing indicator values",
		},
		[]string{"timeframe"},
	)

	tradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_trades_total",
			Help: "Completed trades by exit reason",
		},
		[]string{"timeframe", "reason"},
	)

	realizedPnL = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_realized_pnl_total",
			Help: "Sum of positive realized PnL; losses are tracked separately",
		},
		[]string{"timeframe", "result"},
	)

	openPositions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_open_positions",
			Help: "Open simulated positions",
		},
		[]string{"timeframe"},
	)

	runtimes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_runtimes",
			Help: "Registered strategy runtimes",
		},
		[]string{"timeframe"},
	)

	// Market data fan-out
	upstreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_upstream_connections",
			Help: "Live upstream feed connections",
		},
		[]string{"timeframe"},
	)

	upstreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_upstream_reconnects_total",
			Help: "Upstream reconnect attempts",
		},
		[]string{"timeframe"},
	)

	feedStale = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_feed_stale",
			Help: "Feed staleness (0=fresh, 1=stale)",
		},
		[]string{"timeframe"},
	)

	feedSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strategy_engine_feed_subscribers",
			Help: "Consumers subscribed to a timeframe",
		},
		[]string{"timeframe"},
	)

	framesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_frames_dropped_total",
			Help: "Frames dropped by slow consumers or out-of-order candles",
		},
		[]string{"timeframe", "reason"},
	)

	sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strategy_engine_ws_sessions",
			Help: "Connected websocket sessions",
		},
	)

	// Persistence
	persistenceJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_persistence_jobs_total",
			Help: "Persistence jobs by operation and status",
		},
		[]string{"op", "status"},
	)

	persistenceRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_persistence_retries_total",
			Help: "Persistence retries by operation",
		},
		[]string{"op"},
	)

	deadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strategy_engine_persistence_dead_letters",
			Help: "Jobs held in the dead-letter list",
		},
	)

	// Backtests
	backtestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strategy_engine_backtest_duration_seconds",
			Help:    "Backtest wall time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	backtestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategy_engine_backtests_total",
			Help: "Backtests by status",
		},
		[]string{"status"},
	)
)

// PrometheusMetrics records engine metrics. A nil receiver is a no-op so
// components can run without metrics in tests.
type PrometheusMetrics struct{}

// NewPrometheusMetrics returns the process-wide recorder
func NewPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{}
	})
	return instance
}

// RecordTick records one lane tick
func (pm *PrometheusMetrics) RecordTick(timeframe string, duration time.Duration) {
	if pm == nil {
		return
	}
	ticksTotal.WithLabelValues(timeframe).Inc()
	tickDuration.WithLabelValues(timeframe).Observe(duration.Seconds())
}

// RecordAction records a state machine outcome
func (pm *PrometheusMetrics) RecordAction(timeframe, action string) {
	if pm == nil {
		return
	}
	actionsTotal.WithLabelValues(timeframe, action).Inc()
}

// RecordDataGap records a tick evaluated with missing indicators
func (pm *PrometheusMetrics) RecordDataGap(timeframe string) {
	if pm == nil {
		return
	}
	dataGapsTotal.WithLabelValues(timeframe).Inc()
}

// RecordTrade records a completed trade
func (pm *PrometheusMetrics) RecordTrade(timeframe, reason string, pnl float64) {
	if pm == nil {
		return
	}
	tradesTotal.WithLabelValues(timeframe, reason).Inc()
	if pnl >= 0 {
		realizedPnL.WithLabelValues(timeframe, "profit").Add(pnl)
	} else {
		realizedPnL.WithLabelValues(timeframe, "loss").Add(-pnl)
	}
}

// SetOpenPositions sets the open position gauge
func (pm *PrometheusMetrics) SetOpenPositions(timeframe string, count int) {
	if pm == nil {
		return
	}
	openPositions.WithLabelValues(timeframe).Set(float64(count))
}

// SetRuntimes sets the registered runtime gauge
func (pm *PrometheusMetrics) SetRuntimes(timeframe string, count int) {
	if pm == nil {
		return
	}
	runtimes.WithLabelValues(timeframe).Set(float64(count))
}

// SetUpstreamConnected flips the connection gauge
func (pm *PrometheusMetrics) SetUpstreamConnected(timeframe string, connected bool) {
	if pm == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	upstreamConnections.WithLabelValues(timeframe).Set(v)
}

// RecordReconnect records an upstream reconnect attempt
func (pm *PrometheusMetrics) RecordReconnect(timeframe string) {
	if pm == nil {
		return
	}
	upstreamReconnects.WithLabelValues(timeframe).Inc()
}

// SetStale sets the feed staleness flag
func (pm *PrometheusMetrics) SetStale(timeframe string, stale bool) {
	if pm == nil {
		return
	}
	v := 0.0
	if stale {
		v = 1
	}
	feedStale.WithLabelValues(timeframe).Set(v)
}

// SetSubscribers sets the subscriber gauge for a timeframe
func (pm *PrometheusMetrics) SetSubscribers(timeframe string, count int32) {
	if pm == nil {
		return
	}
	feedSubscribers.WithLabelValues(timeframe).Set(float64(count))
}

// RecordDroppedFrame records a frame that never reached a consumer
func (pm *PrometheusMetrics) RecordDroppedFrame(timeframe, reason string) {
	if pm == nil {
		return
	}
	framesDropped.WithLabelValues(timeframe, reason).Inc()
}

// AddSessions adjusts the websocket session gauge
func (pm *PrometheusMetrics) AddSessions(delta int) {
	if pm == nil {
		return
	}
	sessions.Add(float64(delta))
}

// RecordPersistence records a finished persistence job
func (pm *PrometheusMetrics) RecordPersistence(op, status string) {
	if pm == nil {
		return
	}
	persistenceJobs.WithLabelValues(op, status).Inc()
}

// RecordPersistenceRetry records one retry of a persistence job
func (pm *PrometheusMetrics) RecordPersistenceRetry(op string) {
	if pm == nil {
		return
	}
	persistenceRetries.WithLabelValues(op).Inc()
}

// SetDeadLetters sets the dead-letter gauge
func (pm *PrometheusMetrics) SetDeadLetters(count int) {
	if pm == nil {
		return
	}
	deadLetters.Set(float64(count))
}

// RecordBacktest records a finished backtest
func (pm *PrometheusMetrics) RecordBacktest(status string, duration time.Duration) {
	if pm == nil {
		return
	}
	backtestsTotal.WithLabelValues(status).Inc()
	backtestDuration.Observe(duration.Seconds())
}
