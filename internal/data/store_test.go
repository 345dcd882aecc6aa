package data_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func hourly(from, n int, price int64) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		p := decimal.NewFromInt(price + int64(from+i))
		out[i] = types.Candle{
			Time:   base.Add(time.Duration(from+i) * time.Hour),
			Open:   p,
			High:   p,
			Low:    p,
			Close:  p,
			Volume: decimal.NewFromInt(10),
		}
	}
	return out
}

func newStore(t *testing.T, dir string) *data.Store {
	t.Helper()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	return store
}

func TestStoreUnknownSeriesHasNoData(t *testing.T) {
	store := newStore(t, t.TempDir())

	_, err := store.LoadCandles(context.Background(), "BTC/USDT", types.Timeframe1h, base, base.Add(time.Hour))
	assert.ErrorIs(t, err, types.ErrNoData)

	_, _, err = store.GetDataRange("BTC/USDT", types.Timeframe1h)
	assert.ErrorIs(t, err, types.ErrNoData)
}

func TestStoreSaveAndFilter(t *testing.T) {
	store := newStore(t, t.TempDir())
	require.NoError(t, store.SaveCandles("BTC/USDT", types.Timeframe1h, hourly(0, 10, 100)))

	got, err := store.LoadCandles(context.Background(), "BTCUSDT", types.Timeframe1h, base.Add(2*time.Hour), base.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, base.Add(2*time.Hour), got[0].Time)
	assert.Equal(t, base.Add(5*time.Hour), got[3].Time)

	_, err = store.LoadCandles(context.Background(), "BTC/USDT", types.Timeframe1h, base.Add(20*time.Hour), base.Add(30*time.Hour))
	assert.ErrorIs(t, err, types.ErrNoData)

	_, err = store.LoadCandles(context.Background(), "BTC/USDT", types.Timeframe4h, base, base.Add(5*time.Hour))
	assert.ErrorIs(t, err, types.ErrNoData, "timeframes are stored separately")
}

func TestStoreMergesAndOrders(t *testing.T) {
	store := newStore(t, t.TempDir())
	require.NoError(t, store.SaveCandles("ETH/USDT", types.Timeframe1h, hourly(5, 5, 100)))

	// Overlapping bars win over stored ones.
	update := hourly(0, 7, 500)
	require.NoError(t, store.SaveCandles("ETH/USDT", types.Timeframe1h, update))

	got, err := store.LoadCandles(context.Background(), "ETH/USDT", types.Timeframe1h, base, base.Add(9*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Time.After(got[i-1].Time))
	}
	assert.True(t, got[6].Close.Equal(decimal.NewFromInt(506)))
	assert.True(t, got[7].Close.Equal(decimal.NewFromInt(107)))

	start, end, err := store.GetDataRange("ETH/USDT", types.Timeframe1h)
	require.NoError(t, err)
	assert.Equal(t, base, start)
	assert.Equal(t, base.Add(9*time.Hour), end)
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first := newStore(t, dir)
	require.NoError(t, first.SaveCandles("SOL/USDT", types.Timeframe1h, hourly(0, 3, 20)))
	require.NoError(t, first.SaveCandles("SOL/USDT", types.Timeframe15m, hourly(0, 2, 20)))

	second := newStore(t, dir)
	assert.Zero(t, second.GetCacheSize())

	got, err := second.LoadCandles(context.Background(), "SOL/USDT", types.Timeframe1h, base, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, second.GetCacheSize())

	series := second.Series()
	require.Len(t, series, 2)
	assert.Equal(t, types.Timeframe15m, series[0].Timeframe)
	assert.Equal(t, "SOL/USDT", series[1].Symbol)
	assert.Equal(t, 3, series[1].BarCount)

	second.ClearCache()
	assert.Zero(t, second.GetCacheSize())
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := newStore(t, t.TempDir())
	require.NoError(t, store.SaveCandles("BTC/USDT", types.Timeframe1h, hourly(0, 50, 100)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, store.SaveCandles("BTC/USDT", types.Timeframe1h, hourly(50+i, 1, 100)))
				return
			}
			got, err := store.LoadCandles(context.Background(), "BTC/USDT", types.Timeframe1h, base, base.Add(10*time.Hour))
			assert.NoError(t, err)
			assert.Len(t, got, 11)
		}(i)
	}
	wg.Wait()
}

func TestStoreRejectsPartialRange(t *testing.T) {
	store := newStore(t, t.TempDir())
	require.NoError(t, store.SaveCandles("BTC/USDT", types.Timeframe1h, hourly(0, 3, 100)))

	_, err := store.LoadCandles(context.Background(), "BTC/USDT", types.Timeframe1h, base, base.Add(9*time.Hour))
	var short *types.RangeCoverageError
	require.ErrorAs(t, err, &short)
	assert.ErrorIs(t, err, types.ErrNoData)
	assert.Equal(t, base.Add(2*time.Hour), short.Last)

	_, err = store.LoadCandles(context.Background(), "BTC/USDT", types.Timeframe1h, base.Add(-6*time.Hour), base.Add(2*time.Hour))
	assert.ErrorAs(t, err, &short, "missing head of the range")

	got, err := store.Available(context.Background(), "BTC/USDT", types.Timeframe1h, base, base.Add(9*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
