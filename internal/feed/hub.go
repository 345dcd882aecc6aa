package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/indicator"
	"github.com/atlas-desktop/strategy-engine/internal/metrics"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures a Hub
type Options struct {
	BufferSize   int
	Grace        time.Duration
	Backoff      utils.RetryConfig
	ConnectRate  rate.Limit
	ConnectBurst int
	Backfill     Backfiller
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		BufferSize: 500,
		Grace:      5 * time.Second,
		Backoff: utils.RetryConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       0.2,
		},
		ConnectRate:  rate.Every(time.Second),
		ConnectBurst: 3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = d.Backoff
	}
	if o.ConnectRate <= 0 {
		o.ConnectRate = d.ConnectRate
	}
	if o.ConnectBurst <= 0 {
		o.ConnectBurst = d.ConnectBurst
	}
	return o
}

// Stats describes one timeframe feed
type Stats struct {
	Timeframe   types.Timeframe `json:"timeframe"`
	Subscribers int32           `json:"subscribers"`
	Connected   bool            `json:"connected"`
	Stale       bool            `json:"stale"`
	Connects    int64           `json:"connects"`
	Buffered    int             `json:"buffered"`
	TearingDown bool            `json:"tearingDown"`
}

type timeframeFeed struct {
	tf        types.Timeframe
	refs      atomic.Int32
	consumers atomic.Pointer[[]*Subscription]
	last      atomic.Pointer[Frame]
	connected atomic.Bool
	stale     atomic.Bool
	connects  atomic.Int64
	buffered  atomic.Int64

	cancel   context.CancelFunc
	stopped  chan struct{}
	grace    *time.Timer
	graceGen uint64
	buf      *buffer
}

type subscribeReq struct {
	tf       types.Timeframe
	consumer Consumer
	reply    chan *Subscription
}

type unsubscribeReq struct {
	sub   *Subscription
	reply chan struct{}
}

type graceExpired struct {
	tf  types.Timeframe
	gen uint64
}

type statsReq struct {
	reply chan []Stats
}

// Hub owns every timeframe feed. Reference counts and the feed map are
// touched only by the Run loop.
type Hub struct {
	logger   *zap.Logger
	upstream Upstream
	engine   indicator.Engine
	opts     Options
	metrics  *metrics.PrometheusMetrics
	limiter  *rate.Limiter

	subscribe   chan subscribeReq
	unsubscribe chan unsubscribeReq
	expired     chan graceExpired
	stats       chan statsReq

	feeds  map[types.Timeframe]*timeframeFeed
	nextID atomic.Uint64
	pumps  sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool
}

// NewHub creates a hub. Run must be started before Subscribe can succeed.
func NewHub(logger *zap.Logger, upstream Upstream, engine indicator.Engine, opts Options, m *metrics.PrometheusMetrics) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		logger:      logger.Named("feed"),
		upstream:    upstream,
		engine:      engine,
		opts:        opts,
		metrics:     m,
		limiter:     rate.NewLimiter(opts.ConnectRate, opts.ConnectBurst),
		subscribe:   make(chan subscribeReq),
		unsubscribe: make(chan unsubscribeReq),
		expired:     make(chan graceExpired),
		stats:       make(chan statsReq),
		feeds:       make(map[types.Timeframe]*timeframeFeed),
		done:        make(chan struct{}),
	}
}

// Run processes subscriptions until ctx is done, then stops every feed.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		h.closed.Store(true)
		for tf, f := range h.feeds {
			h.stopFeed(f)
			delete(h.feeds, tf)
		}
		close(h.done)
		h.pumps.Wait()
		h.logger.Info("Feed hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-h.subscribe:
			req.reply <- h.addConsumer(req.tf, req.consumer)

		case req := <-h.unsubscribe:
			h.removeConsumer(req.sub)
			close(req.reply)

		case ev := <-h.expired:
			f, ok := h.feeds[ev.tf]
			if !ok || f.graceGen != ev.gen || f.grace == nil || f.refs.Load() > 0 {
				continue
			}
			h.stopFeed(f)
			delete(h.feeds, ev.tf)
			h.logger.Info("Upstream torn down", zap.String("timeframe", string(ev.tf)))

		case req := <-h.stats:
			out := make([]Stats, 0, len(h.feeds))
			for _, tf := range sortedTimeframes(h.feeds) {
				f := h.feeds[tf]
				out = append(out, Stats{
					Timeframe:   tf,
					Subscribers: f.refs.Load(),
					Connected:   f.connected.Load(),
					Stale:       f.stale.Load(),
					Connects:    f.connects.Load(),
					Buffered:    int(f.buffered.Load()),
					TearingDown: f.grace != nil,
				})
			}
			req.reply <- out
		}
	}
}

func (h *Hub) addConsumer(tf types.Timeframe, consumer Consumer) *Subscription {
	f, ok := h.feeds[tf]
	if !ok {
		f = h.startFeed(tf)
		h.feeds[tf] = f
	}
	if f.grace != nil {
		f.grace.Stop()
		f.grace = nil
		f.graceGen++
		h.logger.Debug("Teardown cancelled", zap.String("timeframe", string(tf)))
	}

	sub := &Subscription{
		id:       h.nextID.Add(1),
		tf:       tf,
		consumer: consumer,
		hub:      h,
		feed:     f,
	}
	old := *f.consumers.Load()
	next := make([]*Subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, sub)
	f.consumers.Store(&next)

	refs := f.refs.Add(1)
	h.metrics.SetSubscribers(string(tf), refs)
	h.logger.Debug("Consumer subscribed", zap.String("timeframe", string(tf)), zap.Int32("refs", refs))
	return sub
}

func (h *Hub) removeConsumer(sub *Subscription) {
	f, ok := h.feeds[sub.tf]
	if !ok || f != sub.feed {
		return
	}
	old := *f.consumers.Load()
	next := make([]*Subscription, 0, len(old))
	found := false
	for _, s := range old {
		if s == sub {
			found = true
			continue
		}
		next = append(next, s)
	}
	if !found {
		return
	}
	f.consumers.Store(&next)

	refs := f.refs.Add(-1)
	h.metrics.SetSubscribers(string(sub.tf), refs)
	h.logger.Debug("Consumer unsubscribed", zap.String("timeframe", string(sub.tf)), zap.Int32("refs", refs))
	if refs > 0 {
		return
	}

	f.graceGen++
	gen := f.graceGen
	tf := sub.tf
	f.grace = time.AfterFunc(h.opts.Grace, func() {
		select {
		case h.expired <- graceExpired{tf: tf, gen: gen}:
		case <-h.done:
		}
	})
}

func (h *Hub) startFeed(tf types.Timeframe) *timeframeFeed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &timeframeFeed{
		tf:      tf,
		cancel:  cancel,
		stopped: make(chan struct{}),
		buf:     newBuffer(h.opts.BufferSize),
	}
	empty := []*Subscription{}
	f.consumers.Store(&empty)

	h.pumps.Add(1)
	go func() {
		defer h.pumps.Done()
		h.pump(ctx, f)
	}()
	h.logger.Info("Upstream feed started", zap.String("timeframe", string(tf)), zap.Int("buffer", h.opts.BufferSize))
	return f
}

func (h *Hub) stopFeed(f *timeframeFeed) {
	if f.grace != nil {
		f.grace.Stop()
		f.grace = nil
	}
	f.cancel()
	h.metrics.SetSubscribers(string(f.tf), 0)
}

// Subscribe registers consumer for tf. The first subscriber of a timeframe
// starts its upstream connection.
func (h *Hub) Subscribe(ctx context.Context, tf types.Timeframe, consumer Consumer) (*Subscription, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("subscribe: unknown timeframe %q", tf)
	}
	if consumer == nil {
		return nil, errors.New("subscribe: nil consumer")
	}
	if h.closed.Load() {
		return nil, types.ErrHubClosed
	}

	req := subscribeReq{tf: tf, consumer: consumer, reply: make(chan *Subscription, 1)}
	select {
	case h.subscribe <- req:
	case <-h.done:
		return nil, types.ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-req.reply, nil
}

// Stats returns per-timeframe feed state
func (h *Hub) Stats(ctx context.Context) ([]Stats, error) {
	req := statsReq{reply: make(chan []Stats, 1)}
	select {
	case h.stats <- req:
	case <-h.done:
		return nil, types.ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-req.reply, nil
}

// Subscription is one consumer's reference on a timeframe feed
type Subscription struct {
	id       uint64
	tf       types.Timeframe
	consumer Consumer
	hub      *Hub
	feed     *timeframeFeed
	once     sync.Once
}

// Timeframe returns the subscribed timeframe
func (s *Subscription) Timeframe() types.Timeframe { return s.tf }

// Latest returns the most recent frame of the feed, if any
func (s *Subscription) Latest() (Frame, bool) {
	frame := s.feed.last.Load()
	if frame == nil {
		return Frame{}, false
	}
	return *frame, true
}

// Stale reports whether the feed is currently stale
func (s *Subscription) Stale() bool { return s.feed.stale.Load() }

// Close releases this subscription's reference. It is safe to call more
// than once. A frame already being delivered may still reach the consumer.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		req := unsubscribeReq{sub: s, reply: make(chan struct{})}
		select {
		case s.hub.unsubscribe <- req:
			<-req.reply
		case <-s.hub.done:
			err = types.ErrHubClosed
		}
	})
	return err
}

func sortedTimeframes(feeds map[types.Timeframe]*timeframeFeed) []types.Timeframe {
	out := make([]types.Timeframe, 0, len(feeds))
	for tf := range feeds {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration() < out[j].Duration() })
	return out
}
