package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/backtester"
	"github.com/atlas-desktop/strategy-engine/internal/workers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backtest statuses
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrBacktestNotFound is returned for an unknown backtest ID
var ErrBacktestNotFound = errors.New("backtest not found")

// BacktestState tracks one submitted backtest
type BacktestState struct {
	ID       string               `json:"id"`
	Status   string               `json:"status"`
	Request  backtester.Request   `json:"request"`
	Queued   time.Time            `json:"queued"`
	Started  time.Time            `json:"started,omitempty"`
	Finished time.Time            `json:"finished,omitempty"`
	Progress *backtester.Progress `json:"progress,omitempty"`
	Result   *backtester.Result   `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`

	cancel context.CancelFunc
}

// Backtests queues replays on a single worker so the engine only ever runs
// one at a time, and publishes progress on the backtests channel.
type Backtests struct {
	logger *zap.Logger
	engine *backtester.Engine
	pool   *workers.Pool
	hub    *Hub

	mu    sync.RWMutex
	runs  map[string]*BacktestState
	order []string
	keep  int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBacktests creates the manager. keep bounds how many finished runs are
// retained.
func NewBacktests(logger *zap.Logger, engine *backtester.Engine, hub *Hub, queueSize, keep int) *Backtests {
	if keep <= 0 {
		keep = 50
	}
	cfg := workers.DefaultPoolConfig("backtests")
	cfg.NumWorkers = 1
	cfg.QueueSize = queueSize
	cfg.TaskTimeout = 30 * time.Minute
	cfg.ShutdownTimeout = 5 * time.Second

	return &Backtests{
		logger: logger.Named("backtests"),
		engine: engine,
		pool:   workers.NewPool(logger, cfg),
		hub:    hub,
		runs:   make(map[string]*BacktestState),
		keep:   keep,
		done:   make(chan struct{}),
	}
}

// Start starts the worker and the progress relay
func (b *Backtests) Start() {
	b.pool.Start()
	b.wg.Add(1)
	go b.relayProgress()
}

// Stop cancels running replays and stops the worker
func (b *Backtests) Stop() error {
	b.mu.Lock()
	for _, run := range b.runs {
		if run.cancel != nil {
			run.cancel()
		}
	}
	b.mu.Unlock()

	err := b.pool.Stop()
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	b.wg.Wait()
	return err
}

// Submit queues req and returns its state. An empty ID is assigned.
func (b *Backtests) Submit(req backtester.Request) (BacktestState, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &BacktestState{
		ID:      req.ID,
		Status:  StatusQueued,
		Request: req,
		Queued:  time.Now(),
		cancel:  cancel,
	}

	b.mu.Lock()
	if _, exists := b.runs[req.ID]; exists {
		b.mu.Unlock()
		cancel()
		return BacktestState{}, fmt.Errorf("backtest %s already exists", req.ID)
	}
	b.runs[req.ID] = run
	b.order = append(b.order, req.ID)
	b.mu.Unlock()

	err := b.pool.SubmitFunc(func(poolCtx context.Context) error {
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()
		return b.execute(ctx, run)
	})
	if err != nil {
		b.mu.Lock()
		delete(b.runs, req.ID)
		for i, id := range b.order {
			if id == req.ID {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		cancel()
		return BacktestState{}, err
	}

	b.logger.Info("Backtest queued", zap.String("id", req.ID), zap.String("strategy", req.Config.Name))
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot(run), nil
}

func (b *Backtests) execute(ctx context.Context, run *BacktestState) error {
	b.mu.Lock()
	if run.Status == StatusCancelled {
		b.mu.Unlock()
		return nil
	}
	run.Status = StatusRunning
	run.Started = time.Now()
	req := run.Request
	b.mu.Unlock()

	result, err := b.engine.Run(ctx, req)

	b.mu.Lock()
	run.Finished = time.Now()
	run.cancel()
	switch {
	case err == nil:
		run.Status = StatusCompleted
		run.Result = result
	case ctx.Err() != nil:
		run.Status = StatusCancelled
		run.Error = err.Error()
	default:
		run.Status = StatusFailed
		run.Error = err.Error()
	}
	final := b.snapshot(run)
	b.trimLocked()
	b.mu.Unlock()

	if err != nil && final.Status == StatusFailed {
		b.logger.Warn("Backtest failed", zap.String("id", run.ID), zap.Error(err))
	}
	if b.hub != nil {
		summary := final
		if summary.Result != nil {
			summary.Result = &backtester.Result{ID: result.ID, Candles: result.Candles, DataGaps: result.DataGaps, Metrics: result.Metrics, Elapsed: result.Elapsed}
		}
		b.hub.PublishToChannel(ChannelBacktests, MsgTypeBacktestComplete, summary)
	}
	return err
}

// Get returns the state of id. A running backtest carries its progress.
func (b *Backtests) Get(id string) (BacktestState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	run, ok := b.runs[id]
	if !ok {
		return BacktestState{}, false
	}
	state := b.snapshot(run)
	if run.Status == StatusRunning {
		p := b.engine.GetProgress()
		if p.ID == id {
			state.Progress = &p
		}
	}
	return state, true
}

// List returns every retained backtest without results, newest first
func (b *Backtests) List() []BacktestState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BacktestState, 0, len(b.runs))
	for _, run := range b.runs {
		state := b.snapshot(run)
		state.Result = nil
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queued.After(out[j].Queued) })
	return out
}

// Cancel stops a queued or running backtest
func (b *Backtests) Cancel(id string) (BacktestState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[id]
	if !ok {
		return BacktestState{}, ErrBacktestNotFound
	}
	switch run.Status {
	case StatusQueued:
		run.Status = StatusCancelled
		run.Finished = time.Now()
		run.cancel()
	case StatusRunning:
		run.cancel()
	default:
		return b.snapshot(run), fmt.Errorf("backtest %s is %s", id, run.Status)
	}
	return b.snapshot(run), nil
}

func (b *Backtests) relayProgress() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case p := <-b.engine.ProgressChan():
			if b.hub != nil {
				b.hub.PublishToChannel(ChannelBacktests, MsgTypeBacktestProgress, p)
			}
		}
	}
}

// trimLocked drops the oldest finished runs beyond keep
func (b *Backtests) trimLocked() {
	excess := len(b.order) - b.keep
	if excess <= 0 {
		return
	}
	kept := b.order[:0]
	for _, id := range b.order {
		run := b.runs[id]
		if excess > 0 && run != nil && finished(run.Status) {
			delete(b.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	b.order = kept
}

func (b *Backtests) snapshot(run *BacktestState) BacktestState {
	state := *run
	state.cancel = nil
	return state
}

func finished(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}
