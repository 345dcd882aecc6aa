package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// pump owns the upstream connection and the buffer of one timeframe. It
// reconnects with exponential backoff until ctx is cancelled.
func (h *Hub) pump(ctx context.Context, f *timeframeFeed) {
	defer close(f.stopped)
	tf := string(f.tf)
	logger := h.logger.With(zap.String("timeframe", tf))

	attempt := 0
	staleSince := time.Time{}
	backfilled := false

	markStale := func(err error) {
		feedErr := &types.UpstreamFeedError{Timeframe: f.tf, Attempt: attempt, Err: err}
		logger.Warn("Upstream feed error", zap.Error(feedErr))
		if f.stale.Load() {
			return
		}
		staleSince = time.Now()
		f.stale.Store(true)
		h.metrics.SetStale(tf, true)
		h.broadcastStatus(f, Status{Timeframe: f.tf, Stale: true, Since: staleSince, Err: feedErr})
	}

	for {
		if attempt > 0 {
			h.metrics.RecordReconnect(tf)
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.opts.Backoff.Delay(attempt)):
			}
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return
		}

		stream, err := h.upstream.Connect(ctx, f.tf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			markStale(err)
			continue
		}
		f.connects.Add(1)
		f.connected.Store(true)
		h.metrics.SetUpstreamConnected(tf, true)
		logger.Info("Upstream connected", zap.Int("attempt", attempt))

		if !backfilled {
			backfilled = true
			h.backfill(ctx, f, logger)
		}

		err = h.consume(ctx, f, stream, &attempt, &staleSince)
		if closeErr := stream.Close(); closeErr != nil {
			logger.Debug("Upstream close failed", zap.Error(closeErr))
		}
		f.connected.Store(false)
		h.metrics.SetUpstreamConnected(tf, false)

		if ctx.Err() != nil {
			logger.Info("Upstream disconnected")
			return
		}
		attempt++
		markStale(err)
	}
}

func (h *Hub) consume(ctx context.Context, f *timeframeFeed, stream Stream, attempt *int, staleSince *time.Time) error {
	for {
		candle, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		prev, hadPrev := f.buf.last()
		window, ok := f.buf.push(candle)
		if !ok {
			h.metrics.RecordDroppedFrame(string(f.tf), "out_of_order")
			h.logger.Debug("Dropped out-of-order candle",
				zap.String("timeframe", string(f.tf)),
				zap.Time("candle", candle.Time),
				zap.Time("last", prev))
			continue
		}
		*attempt = 0
		f.buffered.Store(int64(f.buf.len()))

		frame := Frame{
			Timeframe: f.tf,
			Candle:    candle,
			Window:    window,
			Snapshot:  h.engine.Compute(window),
		}

		if f.stale.Load() {
			gap := &Gap{StaleSince: *staleSince, Recovered: time.Now()}
			if hadPrev {
				gap.LastCandle = prev
				gap.Missed = missedPeriods(f.tf, prev, candle.Time)
			}
			frame.Gap = gap
			f.stale.Store(false)
			h.metrics.SetStale(string(f.tf), false)
			h.broadcastStatus(f, Status{Timeframe: f.tf, Stale: false, Since: *staleSince, Gap: gap})
			h.logger.Info("Upstream fresh again",
				zap.String("timeframe", string(f.tf)),
				zap.Int("missed", gap.Missed))
		}

		f.last.Store(&frame)
		h.deliver(f, frame)
	}
}

func (h *Hub) backfill(ctx context.Context, f *timeframeFeed, logger *zap.Logger) {
	if h.opts.Backfill == nil {
		return
	}
	candles, err := h.opts.Backfill.Recent(ctx, f.tf, h.opts.BufferSize)
	if err != nil {
		logger.Warn("Backfill failed", zap.Error(err))
		return
	}
	seeded := 0
	for _, c := range candles {
		if _, ok := f.buf.push(c); ok {
			seeded++
		}
	}
	f.buffered.Store(int64(f.buf.len()))
	logger.Info("Buffer backfilled", zap.Int("candles", seeded))
}

func (h *Hub) deliver(f *timeframeFeed, frame Frame) {
	for _, sub := range *f.consumers.Load() {
		h.safeCall(f.tf, "frame", func() { sub.consumer.OnFrame(frame) })
	}
}

func (h *Hub) broadcastStatus(f *timeframeFeed, status Status) {
	for _, sub := range *f.consumers.Load() {
		h.safeCall(f.tf, "status", func() { sub.consumer.OnStatus(status) })
	}
}

func (h *Hub) safeCall(tf types.Timeframe, kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Consumer panicked",
				zap.String("timeframe", string(tf)),
				zap.String("kind", kind),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

func missedPeriods(tf types.Timeframe, last, next time.Time) int {
	step := tf.Duration()
	if step <= 0 || !next.After(last) {
		return 0
	}
	missed := int(next.Sub(last)/step) - 1
	if missed < 0 {
		return 0
	}
	return missed
}
