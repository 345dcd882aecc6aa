package api

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/internal/metrics"
	"github.com/atlas-desktop/strategy-engine/internal/strategy"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeCandle           MessageType = "candle"
	MsgTypeFeedStatus       MessageType = "feed_status"
	MsgTypeStrategies       MessageType = "strategies"
	MsgTypeTrade            MessageType = "trade"
	MsgTypeBacktestProgress MessageType = "backtest_progress"
	MsgTypeBacktestComplete MessageType = "backtest_complete"
	MsgTypeAck              MessageType = "ack"
	MsgTypeError            MessageType = "error"
	MsgTypeHeartbeat        MessageType = "heartbeat"

	// Client -> Server messages
	MsgTypeSubscribe       MessageType = "subscribe"
	MsgTypeUnsubscribe     MessageType = "unsubscribe"
	MsgTypeSwitchTimeframe MessageType = "switch_timeframe"
	MsgTypePing            MessageType = "ping"
)

// Channel prefixes. A channel is either a fixed name or prefix + timeframe.
const (
	ChannelCandles    = "candles:"
	ChannelStrategies = "strategies:"
	ChannelTrades     = "trades"
	ChannelBacktests  = "backtests"
)

// WSMessage is a WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// CandleEvent is the payload of a candle message
type CandleEvent struct {
	Timeframe types.Timeframe    `json:"timeframe"`
	Candle    types.Candle       `json:"candle"`
	Snapshot  indicator.Snapshot `json:"indicators,omitempty"`
	Gap       *feed.Gap          `json:"gap,omitempty"`
}

// FeedStatusEvent is the payload of a feed_status message
type FeedStatusEvent struct {
	Timeframe types.Timeframe `json:"timeframe"`
	Stale     bool            `json:"stale"`
	Since     time.Time       `json:"since,omitempty"`
	Error     string          `json:"error,omitempty"`
	Gap       *feed.Gap       `json:"gap,omitempty"`
}

func encode(msgType MessageType, channel string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(WSMessage{
		Type:      msgType,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Hub manages WebSocket sessions and their channel subscriptions. It is the
// registry's Observer: state snapshots and trades are published on the
// strategies:<tf> and trades channels.
type Hub struct {
	logger  *zap.Logger
	feed    strategy.Subscriber
	states  func(types.Timeframe) []strategy.RuntimeState
	metrics *metrics.PrometheusMetrics

	mu       sync.RWMutex
	sessions map[*Session]bool
	channels map[string]map[*Session]bool
}

var _ strategy.Observer = (*Hub)(nil)

// NewHub creates a new WebSocket hub. states returns the current runtime
// states of a timeframe and is sent to a session when it joins a
// strategies channel; it may be nil.
func NewHub(logger *zap.Logger, fd strategy.Subscriber, states func(types.Timeframe) []strategy.RuntimeState, m *metrics.PrometheusMetrics) *Hub {
	return &Hub{
		logger:   logger.Named("ws"),
		feed:     fd,
		states:   states,
		metrics:  m,
		sessions: make(map[*Session]bool),
		channels: make(map[string]map[*Session]bool),
	}
}

// Run sends heartbeats until ctx is done and then closes every session.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	h.mu.Unlock()
	h.metrics.AddSessions(1)
	h.logger.Debug("Session registered", zap.String("id", s.id))
}

// unregister drops s from every channel. Feed references are released by
// the session itself.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
		for channel, members := range h.channels {
			delete(members, s)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		h.metrics.AddSessions(-1)
		h.logger.Debug("Session unregistered", zap.String("id", s.id))
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (h *Hub) sendHeartbeat() {
	msg, _ := encode(MsgTypeHeartbeat, "", nil)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		s.enqueue(msg)
	}
}

// join adds s to a pub/sub channel
func (h *Hub) join(s *Session, channel string) {
	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Session]bool)
	}
	h.channels[channel][s] = true
	h.mu.Unlock()

	h.logger.Debug("Session joined channel",
		zap.String("session", s.id),
		zap.String("channel", channel))
}

func (h *Hub) leave(s *Session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.channels[channel]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
}

// PublishToChannel publishes a message to a channel. Nothing is encoded
// while the channel has no members.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data any) {
	if !h.hasMembers(channel) {
		return
	}
	msg, err := encode(msgType, channel, data)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.channels[channel] {
		s.enqueue(msg)
	}
}

func (h *Hub) hasMembers(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel]) > 0
}

// Broadcast sends a message to all sessions.
func (h *Hub) Broadcast(msgType MessageType, data any) {
	msg, err := encode(msgType, "", data)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		s.enqueue(msg)
	}
}

// OnStates publishes the runtime states of a lane
func (h *Hub) OnStates(tf types.Timeframe, states []strategy.RuntimeState) {
	h.PublishToChannel(ChannelStrategies+string(tf), MsgTypeStrategies, states)
}

// OnTrade publishes a completed trade
func (h *Hub) OnTrade(trade types.CompletedTrade) {
	h.PublishToChannel(ChannelTrades, MsgTypeTrade, trade)
	h.PublishToChannel(ChannelTrades+":"+string(trade.Timeframe), MsgTypeTrade, trade)
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Channels returns the channels with at least one member, sorted
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels))
	for channel := range h.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// parseChannel splits prefix:timeframe channels. ok is false for an unknown
// timeframe on a timeframe channel.
func parseChannel(channel string) (prefix string, tf types.Timeframe, ok bool) {
	for _, p := range []string{ChannelCandles, ChannelStrategies} {
		if rest, found := strings.CutPrefix(channel, p); found {
			tf, err := types.ParseTimeframe(rest)
			if err != nil {
				return p, "", false
			}
			return p, tf, true
		}
	}
	return "", "", channel != ""
}
