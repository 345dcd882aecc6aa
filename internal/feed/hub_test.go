package feed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errStreamClosed = errors.New("stream closed")

type memStream struct {
	candles chan types.Candle
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func (s *memStream) Next(ctx context.Context) (types.Candle, error) {
	select {
	case c := <-s.candles:
		return c, nil
	case err := <-s.errs:
		return types.Candle{}, err
	case <-s.closed:
		return types.Candle{}, errStreamClosed
	case <-ctx.Done():
		return types.Candle{}, ctx.Err()
	}
}

func (s *memStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *memStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type memUpstream struct {
	mu       sync.Mutex
	streams  map[types.Timeframe][]*memStream
	failNext int
}

func newMemUpstream() *memUpstream {
	return &memUpstream{streams: make(map[types.Timeframe][]*memStream)}
}

func (u *memUpstream) Connect(ctx context.Context, tf types.Timeframe) (feed.Stream, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failNext > 0 {
		u.failNext--
		return nil, errors.New("connection refused")
	}
	s := &memStream{
		candles: make(chan types.Candle, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
	u.streams[tf] = append(u.streams[tf], s)
	return s, nil
}

func (u *memUpstream) connects(tf types.Timeframe) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.streams[tf])
}

func (u *memUpstream) open(tf types.Timeframe) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, s := range u.streams[tf] {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

func (u *memUpstream) latest(t *testing.T, tf types.Timeframe) *memStream {
	t.Helper()
	var s *memStream
	require.Eventually(t, func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		list := u.streams[tf]
		if len(list) == 0 || list[len(list)-1].isClosed() {
			return false
		}
		s = list[len(list)-1]
		return true
	}, time.Second, 5*time.Millisecond)
	return s
}

type recorder struct {
	mu       sync.Mutex
	frames   []feed.Frame
	statuses []feed.Status
}

func (r *recorder) OnFrame(f feed.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) OnStatus(s feed.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) snapshot() ([]feed.Frame, []feed.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feed.Frame(nil), r.frames...), append([]feed.Status(nil), r.statuses...)
}

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func candle(minute int, price int64) types.Candle {
	p := decimal.NewFromInt(price)
	return types.Candle{
		Time:   base.Add(time.Duration(minute) * time.Minute),
		Open:   p,
		High:   p,
		Low:    p,
		Close:  p,
		Volume: decimal.NewFromInt(10),
	}
}

func startHub(t *testing.T, up feed.Upstream, grace time.Duration) *feed.Hub {
	t.Helper()
	hub := feed.NewHub(zap.NewNop(), up, indicator.NewTalibEngine(indicator.DefaultSettings()), feed.Options{
		BufferSize: 4,
		Grace:      grace,
		Backoff: utils.RetryConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2,
		},
		ConnectRate:  rate.Inf,
		ConnectBurst: 1,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func TestReferenceCountingSharesOneUpstream(t *testing.T) {
	up := newMemUpstream()
	hub := startHub(t, up, 20*time.Millisecond)
	ctx := context.Background()

	const sessions = 5
	recorders := make([]*recorder, sessions)
	subs := make([]*feed.Subscription, sessions)
	for i := range subs {
		recorders[i] = &recorder{}
		sub, err := hub.Subscribe(ctx, types.Timeframe1m, recorders[i])
		require.NoError(t, err)
		subs[i] = sub
	}

	stream := up.latest(t, types.Timeframe1m)
	assert.Equal(t, 1, up.connects(types.Timeframe1m))

	stream.candles <- candle(1, 100)
	for _, r := range recorders {
		r := r
		require.Eventually(t, func() bool { return r.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	}

	stats, err := hub.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int32(sessions), stats[0].Subscribers)

	for _, sub := range subs {
		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())
	}

	require.Eventually(t, func() bool { return up.open(types.Timeframe1m) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, err := hub.Stats(ctx)
		return err == nil && len(stats) == 0
	}, time.Second, 5*time.Millisecond)

	r := &recorder{}
	sub, err := hub.Subscribe(ctx, types.Timeframe1m, r)
	require.NoError(t, err)
	defer sub.Close()

	fresh := up.latest(t, types.Timeframe1m)
	assert.Equal(t, 2, up.connects(types.Timeframe1m))
	assert.Equal(t, 1, up.open(types.Timeframe1m))

	// The torn-down buffer was discarded.
	fresh.candles <- candle(2, 101)
	require.Eventually(t, func() bool { return r.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	frames, _ := r.snapshot()
	assert.Len(t, frames[0].Window, 1)
}

func TestResubscribeWithinGraceKeepsConnection(t *testing.T) {
	up := newMemUpstream()
	hub := startHub(t, up, time.Hour)
	ctx := context.Background()

	firstRec := &recorder{}
	first, err := hub.Subscribe(ctx, types.Timeframe5m, firstRec)
	require.NoError(t, err)
	stream := up.latest(t, types.Timeframe5m)
	stream.candles <- candle(5, 100)
	require.Eventually(t, func() bool { return firstRec.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())
	stats, err := hub.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.True(t, stats[0].TearingDown)

	r := &recorder{}
	second, err := hub.Subscribe(ctx, types.Timeframe5m, r)
	require.NoError(t, err)
	defer second.Close()

	stats, err = hub.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.False(t, stats[0].TearingDown)
	assert.Equal(t, int32(1), stats[0].Subscribers)
	assert.Equal(t, 1, up.connects(types.Timeframe5m))

	stream.candles <- candle(10, 101)
	require.Eventually(t, func() bool { return r.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	frames, _ := r.snapshot()
	assert.Len(t, frames[0].Window, 2, "buffer survives the grace window")
}

func TestFramesArriveInOrderAndStaleCandlesAreDropped(t *testing.T) {
	up := newMemUpstream()
	hub := startHub(t, up, 10*time.Millisecond)

	r := &recorder{}
	sub, err := hub.Subscribe(context.Background(), types.Timeframe1m, r)
	require.NoError(t, err)
	defer sub.Close()

	stream := up.latest(t, types.Timeframe1m)
	for _, c := range []types.Candle{candle(1, 100), candle(3, 102), candle(2, 101), candle(3, 103), candle(4, 104)} {
		stream.candles <- c
	}
	require.Eventually(t, func() bool { return r.frameCount() == 3 }, time.Second, 5*time.Millisecond)

	frames, _ := r.snapshot()
	assert.Equal(t, candle(1, 100).Time, frames[0].Candle.Time)
	assert.Equal(t, candle(3, 102).Time, frames[1].Candle.Time)
	assert.Equal(t, candle(4, 104).Time, frames[2].Candle.Time)
	assert.Len(t, frames[2].Window, 3)

	price, ok := frames[2].Snapshot[indicator.NamePrice].Float()
	require.True(t, ok)
	assert.Equal(t, 104.0, price)

	// Earlier windows are unaffected by later appends.
	assert.Len(t, frames[0].Window, 1)
	assert.True(t, frames[0].Window[0].Close.Equal(decimal.NewFromInt(100)))
}

func TestBufferIsCappedAndViewsStayStable(t *testing.T) {
	up := newMemUpstream()
	hub := startHub(t, up, 10*time.Millisecond)

	r := &recorder{}
	sub, err := hub.Subscribe(context.Background(), types.Timeframe1m, r)
	require.NoError(t, err)
	defer sub.Close()

	stream := up.latest(t, types.Timeframe1m)
	for i := 1; i <= 12; i++ {
		stream.candles <- candle(i, int64(100+i))
	}
	require.Eventually(t, func() bool { return r.frameCount() == 12 }, time.Second, 5*time.Millisecond)

	frames, _ := r.snapshot()
	for i, frame := range frames {
		want := i + 1
		if want > 4 {
			want = 4
		}
		require.Len(t, frame.Window, want)
		assert.Equal(t, frame.Candle.Time, frame.Window[len(frame.Window)-1].Time)
	}
	assert.Equal(t, candle(9, 0).Time, frames[11].Window[0].Time)
	assert.Equal(t, candle(5, 0).Time, frames[7].Window[0].Time)
}

func TestUpstreamErrorMarksStaleAndReportsGap(t *testing.T) {
	up := newMemUpstream()
	hub := startHub(t, up, 10*time.Millisecond)

	r := &recorder{}
	sub, err := hub.Subscribe(context.Background(), types.Timeframe1m, r)
	require.NoError(t, err)
	defer sub.Close()

	stream := up.latest(t, types.Timeframe1m)
	stream.candles <- candle(1, 100)
	require.Eventually(t, func() bool { return r.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	up.mu.Lock()
	up.failNext = 2
	up.mu.Unlock()
	stream.errs <- errors.New("connection reset")

	require.Eventually(t, func() bool {
		_, statuses := r.snapshot()
		return len(statuses) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sub.Stale())

	_, statuses := r.snapshot()
	assert.True(t, statuses[0].Stale)
	var feedErr *types.UpstreamFeedError
	require.ErrorAs(t, statuses[0].Err, &feedErr)
	assert.Equal(t, types.Timeframe1m, feedErr.Timeframe)

	fresh := up.latest(t, types.Timeframe1m)
	assert.Equal(t, 2, up.connects(types.Timeframe1m))
	fresh.candles <- candle(4, 104)

	require.Eventually(t, func() bool { return r.frameCount() == 2 }, time.Second, 5*time.Millisecond)
	frames, statuses := r.snapshot()
	require.NotNil(t, frames[1].Gap)
	assert.Equal(t, candle(1, 0).Time, frames[1].Gap.LastCandle)
	assert.Equal(t, 2, frames[1].Gap.Missed)
	assert.Len(t, frames[1].Window, 2, "buffer is kept across reconnects")
	assert.Nil(t, frames[0].Gap)

	require.Len(t, statuses, 2, "one stale and one fresh status")
	assert.False(t, statuses[1].Stale)
	assert.False(t, sub.Stale())
}

func TestTimeframesAreIndependent(t *testing.T) {
	up := newMemUpstream()
	hub := startHub(t, up, 10*time.Millisecond)
	ctx := context.Background()

	r1, r2 := &recorder{}, &recorder{}
	s1, err := hub.Subscribe(ctx, types.Timeframe1m, r1)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := hub.Subscribe(ctx, types.Timeframe1h, r2)
	require.NoError(t, err)
	defer s2.Close()

	up.latest(t, types.Timeframe1m).candles <- candle(1, 100)
	require.Eventually(t, func() bool { return r1.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r2.frameCount())
	up.latest(t, types.Timeframe1h)
	assert.Equal(t, 1, up.connects(types.Timeframe1h))
	assert.Equal(t, 1, up.connects(types.Timeframe1m))
}

func TestSubscribeValidation(t *testing.T) {
	up := newMemUpstream()
	hub := startHub(t, up, 10*time.Millisecond)

	_, err := hub.Subscribe(context.Background(), types.Timeframe("7m"), &recorder{})
	assert.Error(t, err)
	_, err = hub.Subscribe(context.Background(), types.Timeframe1m, nil)
	assert.Error(t, err)
}

func TestSubscribeAfterShutdown(t *testing.T) {
	hub := feed.NewHub(zap.NewNop(), newMemUpstream(), indicator.NewTalibEngine(indicator.Settings{}), feed.Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, hub.Run(ctx))

	_, err := hub.Subscribe(context.Background(), types.Timeframe1m, &recorder{})
	assert.ErrorIs(t, err, types.ErrHubClosed)
}

func TestPanickingConsumerDoesNotStopFeed(t *testing.T) {
	up := newMemUpstream()
	hub := startHub(t, up, 10*time.Millisecond)
	ctx := context.Background()

	bad, err := hub.Subscribe(ctx, types.Timeframe1m, feed.Funcs{Frame: func(feed.Frame) { panic("boom") }})
	require.NoError(t, err)
	defer bad.Close()
	r := &recorder{}
	good, err := hub.Subscribe(ctx, types.Timeframe1m, r)
	require.NoError(t, err)
	defer good.Close()

	stream := up.latest(t, types.Timeframe1m)
	stream.candles <- candle(1, 100)
	stream.candles <- candle(2, 101)
	require.Eventually(t, func() bool { return r.frameCount() == 2 }, time.Second, 5*time.Millisecond)
}

type staticBackfill struct {
	candles []types.Candle
	calls   int
	mu      sync.Mutex
}

func (b *staticBackfill) Recent(_ context.Context, _ types.Timeframe, limit int) ([]types.Candle, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if len(b.candles) > limit {
		return b.candles[len(b.candles)-limit:], nil
	}
	return b.candles, nil
}

func TestBackfillWarmsNewBuffer(t *testing.T) {
	up := newMemUpstream()
	fill := &staticBackfill{candles: []types.Candle{candle(0, 100), candle(1, 101), candle(2, 102)}}
	hub := feed.NewHub(zap.NewNop(), up, indicator.NewTalibEngine(indicator.DefaultSettings()), feed.Options{
		BufferSize:  4,
		Grace:       time.Second,
		Backoff:     utils.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		ConnectRate: rate.Inf,
		Backfill:    fill,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rec := &recorder{}
	_, err := hub.Subscribe(context.Background(), types.Timeframe1m, rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := hub.Stats(context.Background())
		return err == nil && len(stats) == 1 && stats[0].Buffered == 3
	}, time.Second, 5*time.Millisecond)

	stream := up.latest(t, types.Timeframe1m)
	stream.candles <- candle(1, 999) // older than the backfill, dropped
	stream.candles <- candle(3, 103)
	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	frames, _ := rec.snapshot()
	require.Len(t, frames[0].Window, 4)
	assert.True(t, frames[0].Window[0].Close.Equal(decimal.NewFromInt(100)))
	assert.True(t, frames[0].Candle.Close.Equal(decimal.NewFromInt(103)))
	assert.Nil(t, frames[0].Gap)

	fill.mu.Lock()
	defer fill.mu.Unlock()
	assert.Equal(t, 1, fill.calls)
}
