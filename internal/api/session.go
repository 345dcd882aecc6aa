package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 65536
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced on the REST routes
	},
}

// Session is one WebSocket client. It holds its own references on feed
// timeframes; releasing them never affects other sessions.
type Session struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	send   chan []byte
	closed bool

	// Owned by the read pump.
	feeds    map[types.Timeframe]*feed.Subscription
	channels map[string]bool
	primary  types.Timeframe
}

// ServeWS upgrades the request and runs a session until the client leaves
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.New().String(),
		hub:      h,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, sendBuffer),
		feeds:    make(map[types.Timeframe]*feed.Subscription),
		channels: make(map[string]bool),
	}
	h.register(s)
	h.logger.Info("WebSocket session connected", zap.String("id", s.id), zap.String("remote", r.RemoteAddr))

	go s.writePump()
	go s.readPump()
}

// ID returns the session ID
func (s *Session) ID() string { return s.id }

// Close disconnects the session. Cleanup runs in the read pump.
func (s *Session) Close() {
	s.cancel()
	s.conn.Close()
}

// enqueue hands msg to the write pump without blocking. It reports false
// when the session is gone or its buffer is full.
func (s *Session) enqueue(msg []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) readPump() {
	defer s.release()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Warn("WebSocket read error", zap.String("id", s.id), zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.replyError(msg, "invalid message")
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// release drops every feed reference and channel membership of the session
func (s *Session) release() {
	s.cancel()
	for tf := range s.feeds {
		s.releaseFeed(tf)
	}
	s.hub.unregister(s)

	s.mu.Lock()
	s.closed = true
	close(s.send)
	s.mu.Unlock()

	s.conn.Close()
	s.hub.logger.Info("WebSocket session disconnected", zap.String("id", s.id))
}

func (s *Session) handle(msg WSMessage) {
	switch msg.Type {
	case MsgTypePing:
		s.reply(msg, map[string]string{"pong": "ok"})

	case MsgTypeSubscribe:
		if err := s.subscribe(msg.Channel); err != nil {
			s.replyError(msg, err.Error())
			return
		}
		s.reply(msg, map[string]string{"subscribed": msg.Channel})

	case MsgTypeUnsubscribe:
		if err := s.unsubscribe(msg.Channel); err != nil {
			s.replyError(msg, err.Error())
			return
		}
		s.reply(msg, map[string]string{"unsubscribed": msg.Channel})

	case MsgTypeSwitchTimeframe:
		var req struct {
			Timeframe string `json:"timeframe"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(msg, "invalid payload")
			return
		}
		previous := s.primary
		if err := s.switchTimeframe(req.Timeframe); err != nil {
			s.replyError(msg, err.Error())
			return
		}
		s.reply(msg, map[string]types.Timeframe{"timeframe": s.primary, "previous": previous})

	default:
		s.replyError(msg, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Session) subscribe(channel string) error {
	prefix, tf, ok := parseChannel(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	switch prefix {
	case ChannelCandles:
		return s.subscribeFeed(tf)
	case ChannelStrategies:
		s.joinStrategies(tf)
		return nil
	default:
		s.channels[channel] = true
		s.hub.join(s, channel)
		return nil
	}
}

func (s *Session) unsubscribe(channel string) error {
	prefix, tf, ok := parseChannel(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	if prefix == ChannelCandles {
		s.releaseFeed(tf)
	} else {
		delete(s.channels, channel)
		s.hub.leave(s, channel)
	}
	if prefix == ChannelCandles && tf == s.primary {
		s.primary = ""
	}
	return nil
}

// switchTimeframe moves the candle and strategy subscriptions of the
// primary timeframe. The new feed is acquired before the old one is
// released.
func (s *Session) switchTimeframe(raw string) error {
	tf, err := types.ParseTimeframe(raw)
	if err != nil {
		return err
	}
	if tf == s.primary {
		return nil
	}
	if err := s.subscribeFeed(tf); err != nil {
		return err
	}
	s.joinStrategies(tf)

	if old := s.primary; old != "" {
		s.releaseFeed(old)
		channel := ChannelStrategies + string(old)
		delete(s.channels, channel)
		s.hub.leave(s, channel)
	}
	s.primary = tf
	return nil
}

func (s *Session) joinStrategies(tf types.Timeframe) {
	channel := ChannelStrategies + string(tf)
	s.channels[channel] = true
	s.hub.join(s, channel)
	if s.hub.states != nil {
		s.push(MsgTypeStrategies, channel, s.hub.states(tf))
	}
}

func (s *Session) subscribeFeed(tf types.Timeframe) error {
	if _, ok := s.feeds[tf]; ok {
		return nil
	}
	if s.hub.feed == nil {
		return fmt.Errorf("market data is not available")
	}
	channel := ChannelCandles + string(tf)
	sub, err := s.hub.feed.Subscribe(s.ctx, tf, feed.Funcs{
		Frame: func(frame feed.Frame) {
			if s.deliverFrame(channel, frame) == frameDropped {
				s.hub.metrics.RecordDroppedFrame(string(tf), "slow_session")
			}
		},
		Status: func(status feed.Status) {
			s.push(MsgTypeFeedStatus, channel, statusEvent(status))
		},
	})
	if err != nil {
		return err
	}
	s.feeds[tf] = sub
	if frame, ok := sub.Latest(); ok {
		s.push(MsgTypeCandle, channel, candleEvent(frame))
	}
	return nil
}

func (s *Session) releaseFeed(tf types.Timeframe) {
	sub, ok := s.feeds[tf]
	if !ok {
		return
	}
	delete(s.feeds, tf)
	if err := sub.Close(); err != nil {
		s.hub.logger.Debug("Feed release after hub close", zap.String("timeframe", string(tf)), zap.Error(err))
	}
}

func (s *Session) push(msgType MessageType, channel string, data any) bool {
	msg, err := encode(msgType, channel, data)
	if err != nil {
		s.hub.logger.Error("Failed to marshal message", zap.String("channel", channel), zap.Error(err))
		return false
	}
	return s.enqueue(msg)
}

type frameDelivery int

const (
	frameSent frameDelivery = iota
	frameDropped
	frameDiscarded // session already closed
)

// deliverFrame pushes a candle frame. Only a full buffer on a live session
// counts as a drop.
func (s *Session) deliverFrame(channel string, frame feed.Frame) frameDelivery {
	if s.push(MsgTypeCandle, channel, candleEvent(frame)) {
		return frameSent
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return frameDiscarded
	}
	return frameDropped
}

func (s *Session) reply(req WSMessage, data any) {
	s.push(MsgTypeAck, req.Channel, data)
}

func (s *Session) replyError(req WSMessage, reason string) {
	msg, err := json.Marshal(WSMessage{
		Type:      MsgTypeError,
		Channel:   req.Channel,
		Error:     reason,
		Timestamp: time.Now().UnixMilli(),
	})
	if err == nil {
		s.enqueue(msg)
	}
}

func candleEvent(frame feed.Frame) CandleEvent {
	return CandleEvent{
		Timeframe: frame.Timeframe,
		Candle:    frame.Candle,
		Snapshot:  frame.Snapshot,
		Gap:       frame.Gap,
	}
}

func statusEvent(status feed.Status) FeedStatusEvent {
	event := FeedStatusEvent{
		Timeframe: status.Timeframe,
		Stale:     status.Stale,
		Since:     status.Since,
		Gap:       status.Gap,
	}
	if status.Err != nil {
		event.Error = status.Err.Error()
	}
	return event
}
