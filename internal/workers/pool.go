// Package workers provides a bounded goroutine pool for background work
// that must never block its callers.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Timeout for individual tasks
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      1,
		QueueSize:       1024,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64 `json:"tasks_submitted"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksRejected  int64 `json:"tasks_rejected"`
	PanicRecovered int64 `json:"panic_recovered"`
	QueueLength    int   `json:"queue_length"`
	InFlight       int64 `json:"in_flight"`
}

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
	inFlight  atomic.Int64
	pending   atomic.Int64 // queued or running
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start initializes and starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.execute(logger, task)
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.config.TaskTimeout)
		defer cancel()
	}

	err := p.safeExecute(logger, ctx, task)
	p.pending.Add(-1)
	if err != nil {
		p.failed.Add(1)
		logger.Debug("task failed", zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeExecute(logger *zap.Logger, ctx context.Context, task Task) (err error) {
	if p.config.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				logger.Error("worker recovered from panic", zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
		}()
	}
	return task.Execute(ctx)
}

// Submit adds a task to the queue without blocking
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	p.pending.Add(1)
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.pending.Add(-1)
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop drains queued tasks until ShutdownTimeout, then cancels the workers.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))

	deadline := time.Now().Add(p.config.ShutdownTimeout)
	for !p.Idle() {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", zap.String("name", p.config.Name))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// QueueLength returns the current number of queued tasks
func (p *Pool) QueueLength() int {
	return len(p.taskQueue)
}

// Idle reports whether nothing is queued or running
func (p *Pool) Idle() bool {
	return p.pending.Load() == 0
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRejected:  p.rejected.Load(),
		PanicRecovered: p.panics.Load(),
		QueueLength:    p.QueueLength(),
		InFlight:       p.inFlight.Load(),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
