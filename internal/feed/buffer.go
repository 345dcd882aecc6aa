package feed

import (
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
)

// buffer is a rolling candle window with a single writer. Views handed out
// by push are capped with a full slice expression, so later appends land
// past every view's end and never race with readers.
type buffer struct {
	limit int
	data  []types.Candle
}

func newBuffer(limit int) *buffer {
	if limit < 1 {
		limit = 1
	}
	return &buffer{limit: limit, data: make([]types.Candle, 0, 2*limit)}
}

// push appends c when it is newer than the tail and returns the current
// window; ok is false for out-of-order or duplicate candles.
func (b *buffer) push(c types.Candle) (window []types.Candle, ok bool) {
	if n := len(b.data); n > 0 && !c.Time.After(b.data[n-1].Time) {
		return nil, false
	}
	if len(b.data) == cap(b.data) {
		keep := b.limit - 1
		fresh := make([]types.Candle, keep, 2*b.limit)
		copy(fresh, b.data[len(b.data)-keep:])
		b.data = fresh
	}
	b.data = append(b.data, c)
	return b.view(), true
}

func (b *buffer) view() []types.Candle {
	start := 0
	if len(b.data) > b.limit {
		start = len(b.data) - b.limit
	}
	end := len(b.data)
	return b.data[start:end:end]
}

func (b *buffer) len() int {
	if len(b.data) > b.limit {
		return b.limit
	}
	return len(b.data)
}

func (b *buffer) last() (time.Time, bool) {
	if len(b.data) == 0 {
		return time.Time{}, false
	}
	return b.data[len(b.data)-1].Time, true
}
