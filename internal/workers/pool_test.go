package workers_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPool(t *testing.T, queue int) *workers.Pool {
	t.Helper()
	cfg := workers.DefaultPoolConfig("test")
	cfg.QueueSize = queue
	cfg.ShutdownTimeout = time.Second
	p := workers.NewPool(zap.NewNop(), cfg)
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestPoolRunsTasksInOrder(t *testing.T) {
	p := newPool(t, 16)
	p.Start()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, p.SubmitFunc(func(ctx context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}))
	}

	require.Eventually(t, p.Idle, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.EqualValues(t, 10, p.Stats().TasksCompleted)
}

func TestPoolRejectsWhenFullOrStopped(t *testing.T) {
	p := newPool(t, 1)
	assert.ErrorIs(t, p.SubmitFunc(func(context.Context) error { return nil }), workers.ErrPoolStopped)

	p.Start()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.SubmitFunc(func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.SubmitFunc(func(context.Context) error { return nil }), workers.ErrQueueFull)
	assert.EqualValues(t, 1, p.Stats().TasksRejected)

	close(release)
	require.NoError(t, p.Stop())
	assert.EqualValues(t, 2, p.Stats().TasksCompleted)
	assert.False(t, p.IsRunning())
}

func TestPoolRecoversPanicsAndCountsFailures(t *testing.T) {
	p := newPool(t, 4)
	p.Start()

	require.NoError(t, p.SubmitFunc(func(context.Context) error { panic("boom") }))
	require.NoError(t, p.SubmitFunc(func(context.Context) error { return errors.New("failed") }))
	require.NoError(t, p.SubmitFunc(func(context.Context) error { return nil }))

	require.Eventually(t, p.Idle, time.Second, time.Millisecond)
	stats := p.Stats()
	assert.EqualValues(t, 1, stats.PanicRecovered)
	assert.EqualValues(t, 2, stats.TasksFailed)
	assert.EqualValues(t, 1, stats.TasksCompleted)
}

func TestPoolStopCancelsTaskContext(t *testing.T) {
	p := newPool(t, 1)
	p.Start()

	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	<-started

	// The drain times out on the blocked task, then its context is cancelled.
	require.NoError(t, p.Stop())
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}
