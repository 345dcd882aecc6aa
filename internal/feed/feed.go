// Package feed fans one upstream candle stream per timeframe out to many
// consumers.
//
// The Hub keeps a single upstream connection per timeframe, reference
// counted across subscribers. Each timeframe has one pump goroutine that is
// the only writer of its rolling candle buffer; consumers receive immutable
// frames carrying an append-only view of that buffer and the indicator
// snapshot computed once for the newest candle.
package feed

import (
	"context"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
)

// Frame is one closed candle as seen by consumers. Window and Snapshot are
// shared between consumers and must not be modified.
type Frame struct {
	Timeframe types.Timeframe
	Candle    types.Candle
	Window    []types.Candle
	Snapshot  indicator.Snapshot
	// Gap is set on the first candle after a stale period
	Gap *Gap
}

// Gap describes a staleness window that ended with Frame.Candle
type Gap struct {
	StaleSince time.Time `json:"staleSince"`
	Recovered  time.Time `json:"recovered"`
	LastCandle time.Time `json:"lastCandle"`
	// Missed is the number of candle periods skipped between LastCandle
	// and the first fresh candle.
	Missed int `json:"missed"`
}

// Status reports feed health changes
type Status struct {
	Timeframe types.Timeframe
	Stale     bool
	Since     time.Time
	Err       error
	Gap       *Gap
}

// Consumer receives frames and status changes from the pump goroutine of a
// timeframe, in arrival order. OnFrame may block to apply backpressure;
// consumers that must never stall the feed should hand frames off without
// blocking.
type Consumer interface {
	OnFrame(Frame)
	OnStatus(Status)
}

// Funcs adapts plain functions to Consumer
type Funcs struct {
	Frame  func(Frame)
	Status func(Status)
}

func (f Funcs) OnFrame(frame Frame) {
	if f.Frame != nil {
		f.Frame(frame)
	}
}

func (f Funcs) OnStatus(status Status) {
	if f.Status != nil {
		f.Status(status)
	}
}

// Upstream opens candle streams for a timeframe
type Upstream interface {
	Connect(ctx context.Context, timeframe types.Timeframe) (Stream, error)
}

// Stream yields closed candles until it fails. Next must return an error,
// never a silent gap, when the connection is lost.
type Stream interface {
	Next(ctx context.Context) (types.Candle, error)
	Close() error
}

// Backfiller loads recent history to warm a fresh buffer
type Backfiller interface {
	Recent(ctx context.Context, timeframe types.Timeframe, limit int) ([]types.Candle, error)
}
