package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/metrics"
	"github.com/atlas-desktop/strategy-engine/internal/workers"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backend is the synchronous storage the Writer drains into.
type Backend interface {
	SaveStrategy(ctx context.Context, name string, tf types.Timeframe, enabled bool, config json.RawMessage) error
	DeleteStrategy(ctx context.Context, name string, tf types.Timeframe) error
	AppendTrade(ctx context.Context, trade types.CompletedTrade) error
	UpsertPerformance(ctx context.Context, name string, tf types.Timeframe, perf types.StrategyPerformance) error
	UpsertPosition(ctx context.Context, name string, tf types.Timeframe, pos types.Position) error
	ResetTrades(ctx context.Context, name string, tf types.Timeframe) error
}

var _ Backend = (*Repository)(nil)

// WriterConfig configures the asynchronous writer
type WriterConfig struct {
	QueueSize      int               `mapstructure:"queue_size"`
	DeadLetterSize int               `mapstructure:"dead_letter_size"`
	Retry          utils.RetryConfig `mapstructure:"retry"`
	// RetryRate paces retried writes across all jobs.
	RetryRate rate.Limit `mapstructure:"retry_rate"`
}

// DefaultWriterConfig returns the defaults used by the server
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:      4096,
		DeadLetterSize: 256,
		Retry: utils.RetryConfig{
			MaxAttempts:  4,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
		},
		RetryRate: 20,
	}
}

// DeadLetter is a job that exhausted its retries or could not be queued.
type DeadLetter struct {
	Op        string          `json:"op"`
	Strategy  string          `json:"strategy"`
	Timeframe types.Timeframe `json:"timeframe"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	At        time.Time       `json:"at"`
}

// Writer queues persistence jobs so that callers never wait on storage.
// A single worker keeps jobs for the same strategy in submission order.
type Writer struct {
	logger  *zap.Logger
	backend Backend
	config  WriterConfig
	pool    *workers.Pool
	limiter *rate.Limiter
	metrics *metrics.PrometheusMetrics

	mu   sync.Mutex
	dead []DeadLetter
}

// NewWriter creates a writer over backend. Call Start before use.
func NewWriter(logger *zap.Logger, backend Backend, config WriterConfig, m *metrics.PrometheusMetrics) *Writer {
	def := DefaultWriterConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.DeadLetterSize <= 0 {
		config.DeadLetterSize = def.DeadLetterSize
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = def.Retry
	}
	if config.RetryRate <= 0 {
		config.RetryRate = def.RetryRate
	}

	poolConfig := workers.DefaultPoolConfig("persistence")
	poolConfig.NumWorkers = 1
	poolConfig.QueueSize = config.QueueSize

	return &Writer{
		logger:  logger.Named("persistence"),
		backend: backend,
		config:  config,
		pool:    workers.NewPool(logger, poolConfig),
		limiter: rate.NewLimiter(config.RetryRate, 1),
		metrics: m,
	}
}

// Start launches the worker
func (w *Writer) Start() { w.pool.Start() }

// Stop drains queued jobs and stops the worker
func (w *Writer) Stop() error { return w.pool.Stop() }

// Flush blocks until every job submitted so far has finished.
func (w *Writer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !w.pool.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// DeadLetters returns a copy of the retained failed jobs, oldest first.
func (w *Writer) DeadLetters() []DeadLetter {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DeadLetter, len(w.dead))
	copy(out, w.dead)
	return out
}

// Stats returns the worker pool counters
func (w *Writer) Stats() workers.PoolStats { return w.pool.Stats() }

func (w *Writer) SaveStrategy(name string, tf types.Timeframe, enabled bool, config json.RawMessage) {
	w.submit("save_strategy", name, tf, func(ctx context.Context) error {
		return w.backend.SaveStrategy(ctx, name, tf, enabled, config)
	})
}

func (w *Writer) DeleteStrategy(name string, tf types.Timeframe) {
	w.submit("delete_strategy", name, tf, func(ctx context.Context) error {
		return w.backend.DeleteStrategy(ctx, name, tf)
	})
}

func (w *Writer) AppendTrade(trade types.CompletedTrade) {
	w.submit("append_trade", trade.Strategy, trade.Timeframe, func(ctx context.Context) error {
		return w.backend.AppendTrade(ctx, trade)
	})
}

func (w *Writer) UpsertPerformance(name string, tf types.Timeframe, perf types.StrategyPerformance) {
	w.submit("upsert_performance", name, tf, func(ctx context.Context) error {
		return w.backend.UpsertPerformance(ctx, name, tf, perf)
	})
}

func (w *Writer) UpsertPosition(name string, tf types.Timeframe, pos types.Position) {
	w.submit("upsert_position", name, tf, func(ctx context.Context) error {
		return w.backend.UpsertPosition(ctx, name, tf, pos)
	})
}

func (w *Writer) ResetTrades(name string, tf types.Timeframe) {
	w.submit("reset_trades", name, tf, func(ctx context.Context) error {
		return w.backend.ResetTrades(ctx, name, tf)
	})
}

func (w *Writer) submit(op, name string, tf types.Timeframe, fn func(ctx context.Context) error) {
	err := w.pool.SubmitFunc(func(ctx context.Context) error {
		return w.run(ctx, op, name, tf, fn)
	})
	if err != nil {
		w.metrics.RecordPersistence(op, "rejected")
		w.logger.Warn("Persistence job rejected",
			zap.String("op", op),
			zap.String("strategy", name),
			zap.Error(err))
		w.deadLetter(DeadLetter{Op: op, Strategy: name, Timeframe: tf, Error: err.Error(), At: time.Now()})
	}
}

func (w *Writer) run(ctx context.Context, op, name string, tf types.Timeframe, fn func(ctx context.Context) error) error {
	attempts := 0
	_, err := utils.Retry(ctx, w.config.Retry, func() (struct{}, error) {
		attempts++
		if attempts > 1 {
			w.metrics.RecordPersistenceRetry(op)
			if err := w.limiter.Wait(ctx); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, fn(ctx)
	})
	if err == nil {
		w.metrics.RecordPersistence(op, "ok")
		return nil
	}

	perr := &types.PersistenceError{Op: op, Attempts: attempts, Err: err}
	w.metrics.RecordPersistence(op, "failed")
	w.logger.Error("Persistence job failed",
		zap.String("strategy", name),
		zap.String("timeframe", string(tf)),
		zap.Error(perr))
	w.deadLetter(DeadLetter{
		Op:        op,
		Strategy:  name,
		Timeframe: tf,
		Attempts:  attempts,
		Error:     err.Error(),
		At:        time.Now(),
	})
	return perr
}

func (w *Writer) deadLetter(d DeadLetter) {
	w.mu.Lock()
	w.dead = append(w.dead, d)
	if over := len(w.dead) - w.config.DeadLetterSize; over > 0 {
		w.dead = append(w.dead[:0:0], w.dead[over:]...)
	}
	n := len(w.dead)
	w.mu.Unlock()
	w.metrics.SetDeadLetters(n)
}
