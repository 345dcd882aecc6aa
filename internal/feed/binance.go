package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// BinanceConfig configures the Binance kline upstream
type BinanceConfig struct {
	WSURL       string
	Symbol      string
	ReadTimeout time.Duration
}

// DefaultBinanceConfig returns the public spot stream endpoint
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		WSURL:       "wss://stream.binance.com:9443/ws",
		Symbol:      "BTCUSDT",
		ReadTimeout: 60 * time.Second,
	}
}

// BinanceUpstream streams closed klines from the Binance websocket API
type BinanceUpstream struct {
	logger *zap.Logger
	config BinanceConfig
	dialer *websocket.Dialer
}

// NewBinanceUpstream creates the upstream
func NewBinanceUpstream(logger *zap.Logger, config BinanceConfig) *BinanceUpstream {
	if config.WSURL == "" {
		config.WSURL = DefaultBinanceConfig().WSURL
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultBinanceConfig().ReadTimeout
	}
	return &BinanceUpstream{
		logger: logger.Named("binance"),
		config: config,
		dialer: websocket.DefaultDialer,
	}
}

// StreamURL returns the kline stream endpoint for a timeframe
func (u *BinanceUpstream) StreamURL(tf types.Timeframe) (string, error) {
	base, err := url.Parse(u.config.WSURL)
	if err != nil {
		return "", err
	}
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(utils.ExchangeSymbol(u.config.Symbol)), tf)
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + stream
	return base.String(), nil
}

// Connect dials the kline stream for tf
func (u *BinanceUpstream) Connect(ctx context.Context, tf types.Timeframe) (Stream, error) {
	endpoint, err := u.StreamURL(tf)
	if err != nil {
		return nil, err
	}
	conn, _, err := u.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	u.logger.Debug("Connected to Binance WebSocket", zap.String("url", endpoint))
	return &binanceStream{conn: conn, timeout: u.config.ReadTimeout}, nil
}

type binanceStream struct {
	conn    *websocket.Conn
	timeout time.Duration
	once    sync.Once
}

func (s *binanceStream) Next(ctx context.Context) (types.Candle, error) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return types.Candle{}, ctx.Err()
			}
			return types.Candle{}, err
		}
		candle, closed, err := ParseKline(message)
		if err != nil {
			return types.Candle{}, err
		}
		if closed {
			return candle, nil
		}
	}
}

func (s *binanceStream) Close() error {
	var err error
	s.once.Do(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// ParseKline extracts a candle from a kline event. closed is false for
// in-progress klines and non-kline events, which callers skip.
func ParseKline(message []byte) (candle types.Candle, closed bool, err error) {
	if !gjson.ValidBytes(message) {
		return types.Candle{}, false, errors.New("invalid kline payload")
	}
	root := gjson.ParseBytes(message)
	if data := root.Get("data"); data.Exists() {
		root = data
	}
	if root.Get("e").String() != "kline" {
		return types.Candle{}, false, nil
	}
	k := root.Get("k")
	if !k.Get("x").Bool() {
		return types.Candle{}, false, nil
	}

	fields := [5]decimal.Decimal{}
	for i, key := range []string{"o", "h", "l", "c", "v"} {
		v, err := decimal.NewFromString(k.Get(key).String())
		if err != nil {
			return types.Candle{}, false, fmt.Errorf("kline field %s: %w", key, err)
		}
		fields[i] = v
	}

	return types.Candle{
		Time:   time.UnixMilli(k.Get("t").Int()).UTC(),
		Open:   fields[0],
		High:   fields[1],
		Low:    fields[2],
		Close:  fields[3],
		Volume: fields[4],
	}, true, nil
}
