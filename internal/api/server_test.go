package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/api"
	"github.com/atlas-desktop/strategy-engine/internal/backtester"
	"github.com/atlas-desktop/strategy-engine/internal/config"
	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/internal/store"
	"github.com/atlas-desktop/strategy-engine/internal/strategy"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type chanUpstream struct {
	mu      sync.Mutex
	streams map[types.Timeframe]chan types.Candle
}

func (u *chanUpstream) ch(tf types.Timeframe) chan types.Candle {
	u.mu.Lock()
	defer u.mu.Unlock()
	ch, ok := u.streams[tf]
	if !ok {
		ch = make(chan types.Candle, 64)
		u.streams[tf] = ch
	}
	return ch
}

func (u *chanUpstream) Connect(ctx context.Context, tf types.Timeframe) (feed.Stream, error) {
	return chanStream(u.ch(tf)), nil
}

type chanStream chan types.Candle

func (s chanStream) Next(ctx context.Context) (types.Candle, error) {
	select {
	case c := <-s:
		return c, nil
	case <-ctx.Done():
		return types.Candle{}, ctx.Err()
	}
}

func (s chanStream) Close() error { return nil }

type sliceLoader struct {
	candles []types.Candle
}

func (l *sliceLoader) LoadCandles(_ context.Context, _ string, _ types.Timeframe, _, _ time.Time) ([]types.Candle, error) {
	if len(l.candles) == 0 {
		return nil, types.ErrNoData
	}
	return l.candles, nil
}

func bar(at time.Time, price float64, volume int64) types.Candle {
	p := decimal.NewFromFloat(price)
	return types.Candle{Time: at, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(volume)}
}

type testEnv struct {
	up       *chanUpstream
	feed     *feed.Hub
	registry *strategy.Registry
	ws       *api.Hub
	ts       *httptest.Server
}

func setupTestServer(t *testing.T, with ...func(*api.Deps)) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	engine := indicator.NewTalibEngine(indicator.DefaultSettings())

	up := &chanUpstream{streams: make(map[types.Timeframe]chan types.Candle)}
	feedHub := feed.NewHub(logger, up, engine, feed.Options{
		BufferSize: 32,
		Grace:      10 * time.Millisecond,
		Backoff: utils.RetryConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
		ConnectRate: rate.Inf,
	}, nil)

	var registry *strategy.Registry
	wsHub := api.NewHub(logger, feedHub, func(tf types.Timeframe) []strategy.RuntimeState {
		return registry.States(tf)
	}, nil)
	registry = strategy.NewRegistry(logger, feedHub, engine, strategy.Options{
		FeeRate:        decimal.Zero,
		InitialCapital: decimal.NewFromInt(1000),
	}, nil, wsHub, nil)

	hourly := make([]types.Candle, 0, 48)
	for i := 0; i < 48; i++ {
		hourly = append(hourly, bar(epoch.Add(time.Duration(i)*time.Hour), 100+float64(i%5), int64(1+i%7)))
	}
	bt := api.NewBacktests(logger, backtester.NewEngine(logger, &sliceLoader{candles: hourly}, engine, nil), wsHub, 4, 10)
	bt.Start()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); feedHub.Run(ctx) }()
	go func() { defer wg.Done(); wsHub.Run(ctx) }()

	deps := api.Deps{
		Registry:  registry,
		Templates: strategy.NewTemplates(logger),
		Feed:      feedHub,
		Backtests: bt,
		WS:        wsHub,
	}
	for _, opt := range with {
		opt(&deps)
	}
	server := api.NewServer(logger, config.ServerConfig{WebSocketPath: "/ws"}, deps)
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		bt.Stop()
		registry.Close()
		cancel()
		wg.Wait()
	})
	return &testEnv{up: up, feed: feedHub, registry: registry, ws: wsHub, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *testEnv) subscribers(t *testing.T, tf types.Timeframe) int32 {
	stats, err := e.feed.Stats(context.Background())
	require.NoError(t, err)
	for _, s := range stats {
		if s.Timeframe == tf {
			return s.Subscribers
		}
	}
	return 0
}

const volumeStrategy = `{
	"name": "vol",
	"timeframe": "1m",
	"enabled": true,
	"positionSize": 1,
	"profitTargetPercent": 2,
	"stopLossPercent": 1,
	"longEntry": {"indicator": "volume", "operator": "GTE", "value": 5}
}`

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, status)

	var result map[string]any
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "healthy", result["status"])
	assert.EqualValues(t, 0, result["strategies"])
}

func TestStrategyLifecycle(t *testing.T) {
	env := setupTestServer(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/strategies", volumeStrategy)
	require.Equal(t, http.StatusCreated, status, string(body))

	var state strategy.RuntimeState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, "vol", state.Name)
	assert.True(t, state.Enabled)

	status, _ = env.do(t, http.MethodPost, "/api/v1/strategies", volumeStrategy)
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodGet, "/api/v1/strategies", nil)
	require.Equal(t, http.StatusOK, status)
	var states []strategy.RuntimeState
	require.NoError(t, json.Unmarshal(body, &states))
	assert.Len(t, states, 1)

	status, body = env.do(t, http.MethodPost, "/api/v1/strategies/1m/vol/toggle", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &state))
	assert.False(t, state.Enabled)

	status, _ = env.do(t, http.MethodPost, "/api/v1/strategies/1m/vol/toggle", "{}")
	assert.Equal(t, http.StatusBadRequest, status)

	updated := strings.Replace(volumeStrategy, `"stopLossPercent": 1`, `"stopLossPercent": 3`, 1)
	status, body = env.do(t, http.MethodPut, "/api/v1/strategies/1m/vol", updated)
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &state))
	assert.True(t, state.Config.StopLossPercent.Equal(decimal.NewFromInt(3)))

	status, body = env.do(t, http.MethodGet, "/api/v1/strategies/1m/vol/trades?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	var trades struct {
		Trades []types.CompletedTrade `json:"trades"`
		Count  int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &trades))
	assert.Zero(t, trades.Count)
	assert.NotNil(t, trades.Trades)

	status, _ = env.do(t, http.MethodGet, "/api/v1/strategies/1m/vol/trades?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/strategies/1m/vol/reset", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/strategies/1m/vol/performance", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodDelete, "/api/v1/strategies/1m/vol", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/strategies/1m/vol", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/strategies/7x/vol", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStrategyTradesReadPersistedLedger(t *testing.T) {
	repo, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	env := setupTestServer(t, func(d *api.Deps) { d.Ledger = repo })

	status, body := env.do(t, http.MethodPost, "/api/v1/strategies", volumeStrategy)
	require.Equal(t, http.StatusCreated, status, string(body))

	// Trades closed before a restart exist only in the store.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendTrade(ctx, types.CompletedTrade{
			Strategy:   "vol",
			Timeframe:  types.Timeframe1m,
			Type:       types.PositionLong,
			EntryTime:  epoch.Add(time.Duration(2*i) * time.Minute),
			ExitTime:   epoch.Add(time.Duration(2*i+1) * time.Minute),
			EntryPrice: decimal.NewFromInt(100),
			ExitPrice:  decimal.NewFromInt(101),
			Quantity:   decimal.NewFromInt(1),
			PnL:        decimal.NewFromInt(1),
			ExitReason: types.ExitProfitTarget,
			IsWin:      true,
		}))
	}

	var trades struct {
		Trades []types.CompletedTrade `json:"trades"`
		Count  int                    `json:"count"`
	}
	status, body = env.do(t, http.MethodGet, "/api/v1/strategies/1m/vol/trades?limit=2", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &trades))
	require.Equal(t, 2, trades.Count)
	assert.True(t, trades.Trades[0].ExitTime.Equal(epoch.Add(5*time.Minute)), "newest first")

	status, body = env.do(t, http.MethodGet, "/api/v1/strategies/1m/vol/trades", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &trades))
	assert.Equal(t, 3, trades.Count)

	// The ledger outlives the runtime.
	status, _ = env.do(t, http.MethodDelete, "/api/v1/strategies/1m/vol", nil)
	require.Equal(t, http.StatusOK, status)
	status, body = env.do(t, http.MethodGet, "/api/v1/strategies/1m/vol/trades", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &trades))
	assert.Equal(t, 3, trades.Count)

	status, _ = env.do(t, http.MethodGet, "/api/v1/strategies/1m/ghost/trades", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDataEndpoints(t *testing.T) {
	ds, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ds.SaveCandles("BTC/USDT", types.Timeframe1h, []types.Candle{
		bar(epoch, 100, 1), bar(epoch.Add(time.Hour), 101, 1), bar(epoch.Add(2*time.Hour), 102, 1),
	}))
	env := setupTestServer(t, func(d *api.Deps) { d.Data = ds })

	var series struct {
		Series []data.SeriesMetadata `json:"series"`
		Cached int                   `json:"cachedSeries"`
	}
	status, body := env.do(t, http.MethodGet, "/api/v1/data/series", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &series))
	require.Len(t, series.Series, 1)
	assert.Equal(t, 3, series.Series[0].BarCount)
	assert.Equal(t, 1, series.Cached)

	// Quality reports cover whatever part of the range is stored.
	end := epoch.Add(10 * time.Hour).Format(time.RFC3339)
	status, body = env.do(t, http.MethodGet, "/api/v1/data/quality/BTCUSDT?timeframe=1h&end="+end, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var report data.QualityReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 3, report.TotalBars)

	status, body = env.do(t, http.MethodDelete, "/api/v1/data/cache", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"evicted":1}`, string(body))

	status, body = env.do(t, http.MethodGet, "/api/v1/data/series", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &series))
	assert.Zero(t, series.Cached)
}

func TestStrategyValidation(t *testing.T) {
	env := setupTestServer(t)

	status, _ := env.do(t, http.MethodPost, "/api/v1/strategies/validate", volumeStrategy)
	assert.Equal(t, http.StatusOK, status)

	bad := strings.Replace(volumeStrategy, `"volume"`, `"notAnIndicator"`, 1)
	status, body := env.do(t, http.MethodPost, "/api/v1/strategies/validate", bad)
	assert.Equal(t, http.StatusBadRequest, status)
	var result map[string]string
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "longEntry", result["field"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/strategies", "{not json")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Empty(t, env.registry.List())
}

func TestTemplates(t *testing.T) {
	env := setupTestServer(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, status)
	var infos []strategy.TemplateInfo
	require.NoError(t, json.Unmarshal(body, &infos))
	assert.Len(t, infos, 4)

	req := map[string]any{"name": "mom", "timeframe": "5m", "symbol": "BTC/USDT"}
	status, body = env.do(t, http.MethodPost, "/api/v1/templates/momentum", req)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Empty(t, env.registry.List(), "preview does not register")

	req["register"] = true
	status, body = env.do(t, http.MethodPost, "/api/v1/templates/momentum", req)
	require.Equal(t, http.StatusCreated, status, string(body))
	_, ok := env.registry.Get("mom", types.Timeframe5m)
	assert.True(t, ok)

	status, _ = env.do(t, http.MethodPost, "/api/v1/templates/unknown", req)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBacktestEndpoints(t *testing.T) {
	env := setupTestServer(t)

	req := map[string]any{
		"config":         json.RawMessage(strings.Replace(volumeStrategy, `"1m"`, `"1h"`, 1)),
		"symbol":         "BTC/USDT",
		"start":          epoch,
		"end":            epoch.Add(47 * time.Hour),
		"initialCapital": "1000",
	}
	status, body := env.do(t, http.MethodPost, "/api/v1/backtest/run", req)
	require.Equal(t, http.StatusAccepted, status, string(body))

	var accepted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.NotEmpty(t, accepted.ID)

	var state api.BacktestState
	require.Eventually(t, func() bool {
		status, body := env.do(t, http.MethodGet, "/api/v1/backtest/"+accepted.ID, nil)
		if status != http.StatusOK || json.Unmarshal(body, &state) != nil {
			return false
		}
		return state.Status == api.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, state.Result)
	assert.Equal(t, 48, state.Result.Candles)

	status, body = env.do(t, http.MethodGet, "/api/v1/backtest/"+accepted.ID+"/trades", nil)
	require.Equal(t, http.StatusOK, status)
	var trades struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &trades))
	assert.Equal(t, len(state.Result.Trades), trades.Count)

	status, body = env.do(t, http.MethodGet, "/api/v1/backtest", nil)
	require.Equal(t, http.StatusOK, status)
	var list []api.BacktestState
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Result)

	status, _ = env.do(t, http.MethodPost, "/api/v1/backtest/"+accepted.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/backtest/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBacktestFailsOnInvalidConfig(t *testing.T) {
	env := setupTestServer(t)

	req := map[string]any{
		"config": json.RawMessage(strings.Replace(volumeStrategy, `"1m"`, `"1h"`, 1)),
		"start":  epoch,
		"end":    epoch.Add(time.Hour),
	}
	status, body := env.do(t, http.MethodPost, "/api/v1/backtest/run", req)
	require.Equal(t, http.StatusAccepted, status)

	var accepted api.BacktestState
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.Eventually(t, func() bool {
		state, ok := backtestState(t, env, accepted.ID)
		return ok && state.Status == api.StatusFailed && strings.Contains(state.Error, "symbol")
	}, 5*time.Second, 10*time.Millisecond)
}

func backtestState(t *testing.T, env *testEnv, id string) (api.BacktestState, bool) {
	status, body := env.do(t, http.MethodGet, "/api/v1/backtest/"+id, nil)
	var state api.BacktestState
	if status != http.StatusOK || json.Unmarshal(body, &state) != nil {
		return state, false
	}
	return state, true
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)

	status, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestFeedsEndpointWithoutOptionalDeps(t *testing.T) {
	env := setupTestServer(t)

	status, _ := env.do(t, http.MethodGet, "/api/v1/feeds", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/persistence", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/data/series", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// next reads messages until one of type msgType arrives
func next(t *testing.T, conn *websocket.Conn, msgType api.MessageType) api.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg api.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestWebSocketSubscription(t *testing.T) {
	env := setupTestServer(t)
	conn := dial(t, env)

	send(t, conn, `{"type":"subscribe","channel":"candles:1m"}`)
	ack := next(t, conn, api.MsgTypeAck)
	assert.Equal(t, "candles:1m", ack.Channel)
	assert.Eventually(t, func() bool { return env.subscribers(t, types.Timeframe1m) == 1 }, time.Second, 5*time.Millisecond)

	env.up.ch(types.Timeframe1m) <- bar(epoch, 100, 3)
	msg := next(t, conn, api.MsgTypeCandle)
	var event api.CandleEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, types.Timeframe1m, event.Timeframe)
	assert.True(t, event.Candle.Close.Equal(decimal.NewFromInt(100)))

	send(t, conn, `{"type":"unsubscribe","channel":"candles:1m"}`)
	next(t, conn, api.MsgTypeAck)
	assert.Eventually(t, func() bool { return env.subscribers(t, types.Timeframe1m) == 0 }, time.Second, 5*time.Millisecond)

	send(t, conn, `{"type":"subscribe","channel":"candles:9q"}`)
	errMsg := next(t, conn, api.MsgTypeError)
	assert.Contains(t, errMsg.Error, "unknown channel")

	send(t, conn, `{"type":"bogus"}`)
	next(t, conn, api.MsgTypeError)

	send(t, conn, `{"type":"ping"}`)
	next(t, conn, api.MsgTypeAck)
}

func TestWebSocketSwitchTimeframe(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	require.NoError(t, env.registry.Add(ctx, mustConfig(t, volumeStrategy)))

	first := dial(t, env)
	second := dial(t, env)

	send(t, first, `{"type":"switch_timeframe","data":{"timeframe":"1m"}}`)
	states := next(t, first, api.MsgTypeStrategies)
	assert.Equal(t, "strategies:1m", states.Channel)
	next(t, first, api.MsgTypeAck)

	send(t, second, `{"type":"subscribe","channel":"candles:1m"}`)
	next(t, second, api.MsgTypeAck)

	// Registry lane + two sessions.
	assert.Eventually(t, func() bool { return env.subscribers(t, types.Timeframe1m) == 3 }, time.Second, 5*time.Millisecond)

	send(t, first, `{"type":"switch_timeframe","data":{"timeframe":"5m"}}`)
	ack := next(t, first, api.MsgTypeAck)
	var switched map[string]string
	require.NoError(t, json.Unmarshal(ack.Data, &switched))
	assert.Equal(t, "5m", switched["timeframe"])
	assert.Equal(t, "1m", switched["previous"])

	assert.Eventually(t, func() bool {
		return env.subscribers(t, types.Timeframe1m) == 2 && env.subscribers(t, types.Timeframe5m) == 1
	}, time.Second, 5*time.Millisecond)

	// The other session keeps receiving 1m candles.
	env.up.ch(types.Timeframe1m) <- bar(epoch, 101, 1)
	msg := next(t, second, api.MsgTypeCandle)
	assert.Equal(t, "candles:1m", msg.Channel)

	second.Close()
	assert.Eventually(t, func() bool { return env.subscribers(t, types.Timeframe1m) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return env.ws.SessionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketTradesChannel(t *testing.T) {
	env := setupTestServer(t)
	conn := dial(t, env)

	send(t, conn, `{"type":"subscribe","channel":"trades"}`)
	next(t, conn, api.MsgTypeAck)
	assert.Eventually(t, func() bool {
		for _, ch := range env.ws.Channels() {
			if ch == api.ChannelTrades {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	env.ws.OnTrade(types.CompletedTrade{Strategy: "vol", Timeframe: types.Timeframe1m})
	msg := next(t, conn, api.MsgTypeTrade)
	var trade types.CompletedTrade
	require.NoError(t, json.Unmarshal(msg.Data, &trade))
	assert.Equal(t, "vol", trade.Strategy)
}

func mustConfig(t *testing.T, raw string) strategy.Config {
	t.Helper()
	cfg, err := strategy.ParseConfig([]byte(raw))
	require.NoError(t, err)
	return cfg
}
