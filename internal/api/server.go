// Package api provides the HTTP admin surface and the WebSocket sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/backtester"
	"github.com/atlas-desktop/strategy-engine/internal/config"
	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/internal/feed"
	"github.com/atlas-desktop/strategy-engine/internal/store"
	"github.com/atlas-desktop/strategy-engine/internal/strategy"
	"github.com/atlas-desktop/strategy-engine/internal/workers"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const defaultTradeLimit = 100

// TradeLedger reads persisted trades, newest first
type TradeLedger interface {
	ListTrades(ctx context.Context, name string, tf types.Timeframe, limit int) ([]types.CompletedTrade, error)
}

// Deps are the components served by the API. Feed, Writer and Data may be
// nil; their routes then answer 503. Without a Ledger, trade history is
// limited to what the runtimes keep in memory.
type Deps struct {
	Registry  *strategy.Registry
	Templates *strategy.Templates
	Feed      *feed.Hub
	Backtests *Backtests
	Writer    *store.Writer
	Ledger    TradeLedger
	Data      *data.Store
	WS        *Hub
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	quality    *data.QualityValidator
	started    time.Time
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		quality: data.NewQualityValidator(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/strategies", s.handleListStrategies).Methods(http.MethodGet)
	api.HandleFunc("/strategies", s.handleAddStrategy).Methods(http.MethodPost)
	api.HandleFunc("/strategies/validate", s.handleValidateStrategy).Methods(http.MethodPost)
	api.HandleFunc("/strategies/{timeframe}/{name}", s.handleGetStrategy).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{timeframe}/{name}", s.handleUpdateStrategy).Methods(http.MethodPut)
	api.HandleFunc("/strategies/{timeframe}/{name}", s.handleRemoveStrategy).Methods(http.MethodDelete)
	api.HandleFunc("/strategies/{timeframe}/{name}/toggle", s.handleToggleStrategy).Methods(http.MethodPost)
	api.HandleFunc("/strategies/{timeframe}/{name}/reset", s.handleResetStrategy).Methods(http.MethodPost)
	api.HandleFunc("/strategies/{timeframe}/{name}/trades", s.handleStrategyTrades).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{timeframe}/{name}/performance", s.handleStrategyPerformance).Methods(http.MethodGet)

	api.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)
	api.HandleFunc("/templates/{preset}", s.handleCreateFromTemplate).Methods(http.MethodPost)

	api.HandleFunc("/backtest/run", s.handleRunBacktest).Methods(http.MethodPost)
	api.HandleFunc("/backtest", s.handleListBacktests).Methods(http.MethodGet)
	api.HandleFunc("/backtest/{id}", s.handleGetBacktest).Methods(http.MethodGet)
	api.HandleFunc("/backtest/{id}/trades", s.handleGetBacktestTrades).Methods(http.MethodGet)
	api.HandleFunc("/backtest/{id}/cancel", s.handleCancelBacktest).Methods(http.MethodPost)

	api.HandleFunc("/feeds", s.handleFeeds).Methods(http.MethodGet)
	api.HandleFunc("/persistence", s.handlePersistence).Methods(http.MethodGet)
	api.HandleFunc("/data/series", s.handleSeries).Methods(http.MethodGet)
	api.HandleFunc("/data/cache", s.handleClearDataCache).Methods(http.MethodDelete)
	api.HandleFunc("/data/quality/{symbol}", s.handleQuality).Methods(http.MethodGet)

	if s.deps.WS != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.deps.WS.ServeWS)
	}
}

// Router returns the bare router
func (s *Server) Router() *mux.Router { return s.router }

// Handler returns the router behind the CORS middleware
func (s *Server) Handler() http.Handler {
	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", s.config.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "healthy",
		"time":       time.Now().Unix(),
		"uptime":     time.Since(s.started).String(),
		"strategies": len(s.deps.Registry.List()),
	}
	if s.deps.WS != nil {
		resp["sessions"] = s.deps.WS.SessionCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Registry.List()
	if states == nil {
		states = []strategy.RuntimeState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleAddStrategy(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Registry.Add(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Strategy added over API", zap.String("strategy", cfg.Key().String()))
	st, _ := s.deps.Registry.Get(cfg.Name, cfg.Timeframe)
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleValidateStrategy(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r)
	if err == nil {
		err = s.deps.Registry.Validate(cfg)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "config": cfg})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	name, tf, ok := strategyKey(w, r)
	if !ok {
		return
	}
	st, found := s.deps.Registry.Get(name, tf)
	if !found {
		writeError(w, types.ErrStrategyNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	name, tf, ok := strategyKey(w, r)
	if !ok {
		return
	}
	cfg, err := decodeConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = tf
	}
	if err := s.deps.Registry.UpdateConfig(r.Context(), name, tf, cfg); err != nil {
		writeError(w, err)
		return
	}
	st, _ := s.deps.Registry.Get(name, tf)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemoveStrategy(w http.ResponseWriter, r *http.Request) {
	name, tf, ok := strategyKey(w, r)
	if !ok {
		return
	}
	final, err := s.deps.Registry.Remove(r.Context(), name, tf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, final)
}

func (s *Server) handleToggleStrategy(w http.ResponseWriter, r *http.Request) {
	name, tf, ok := strategyKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeErrorMessage(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}
	if err := s.deps.Registry.Toggle(r.Context(), name, tf, *body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	st, _ := s.deps.Registry.Get(name, tf)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetStrategy(w http.ResponseWriter, r *http.Request) {
	name, tf, ok := strategyKey(w, r)
	if !ok {
		return
	}
	if err := s.deps.Registry.ResetHistory(r.Context(), name, tf); err != nil {
		writeError(w, err)
		return
	}
	st, _ := s.deps.Registry.Get(name, tf)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStrategyTrades(w http.ResponseWriter, r *http.Request) {
	name, tf, ok := strategyKey(w, r)
	if !ok {
		return
	}
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	trades, err := s.deps.Registry.Trades(r.Context(), name, tf, limit)
	known := err == nil
	if err != nil && (s.deps.Ledger == nil || !errors.Is(err, types.ErrStrategyNotFound)) {
		writeError(w, err)
		return
	}

	// The in-memory ledger is bounded and starts empty after a restart.
	if s.deps.Ledger != nil && len(trades) < limit {
		stored, lerr := s.deps.Ledger.ListTrades(r.Context(), name, tf, limit)
		switch {
		case lerr == nil:
			trades = mergeTrades(trades, stored, limit)
		case known:
			s.logger.Warn("Trade ledger read failed", zap.String("strategy", name), zap.Error(lerr))
		default:
			writeError(w, lerr)
			return
		}
	}
	if !known && len(trades) == 0 {
		writeError(w, types.ErrStrategyNotFound)
		return
	}
	if trades == nil {
		trades = []types.CompletedTrade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy":  name,
		"timeframe": tf,
		"trades":    trades,
		"count":     len(trades),
	})
}

// mergeTrades combines recent in-memory trades with persisted ones, newest
// first. Trades the writer has not stored yet exist only in recent.
func mergeTrades(recent, stored []types.CompletedTrade, limit int) []types.CompletedTrade {
	type tradeKey struct {
		side        types.PositionType
		entry, exit int64
	}
	keyOf := func(t types.CompletedTrade) tradeKey {
		return tradeKey{side: t.Type, entry: t.EntryTime.UnixMilli(), exit: t.ExitTime.UnixMilli()}
	}

	seen := make(map[tradeKey]struct{}, len(recent))
	out := make([]types.CompletedTrade, 0, len(recent)+len(stored))
	for _, t := range recent {
		seen[keyOf(t)] = struct{}{}
		out = append(out, t)
	}
	for _, t := range stored {
		if _, dup := seen[keyOf(t)]; !dup {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.After(out[j].ExitTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Server) handleStrategyPerformance(w http.ResponseWriter, r *http.Request) {
	name, tf, ok := strategyKey(w, r)
	if !ok {
		return
	}
	st, found := s.deps.Registry.Get(name, tf)
	if !found {
		writeError(w, types.ErrStrategyNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy":    name,
		"timeframe":   tf,
		"performance": st.Performance,
		"winRate":     st.WinRate,
		"position":    st.Position,
	})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Templates.List())
}

func (s *Server) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	preset := mux.Vars(r)["preset"]
	var body struct {
		Name      string          `json:"name"`
		Symbol    string          `json:"symbol"`
		Timeframe types.Timeframe `json:"timeframe"`
		// Register adds the instance right away; otherwise the config is
		// only returned for editing.
		Register bool `json:"register"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, ok := s.deps.Templates.Create(preset, body.Name, body.Timeframe)
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, fmt.Sprintf("unknown template %q", preset))
		return
	}
	cfg.Symbol = body.Symbol

	if !body.Register {
		if err := s.deps.Registry.Validate(cfg); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
		return
	}
	if err := s.deps.Registry.Add(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	st, _ := s.deps.Registry.Get(cfg.Name, cfg.Timeframe)
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backtests == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "backtests are not available")
		return
	}
	var req backtester.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &types.ConfigValidationError{Field: "request", Reason: err.Error()})
		return
	}
	state, err := s.deps.Backtests.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     state.ID,
		"status": state.Status,
		"queued": state.Queued.Unix(),
	})
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backtests == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "backtests are not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Backtests.List())
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.backtest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.backtest(w, r)
	if !ok {
		return
	}
	if state.Result == nil {
		writeErrorMessage(w, http.StatusConflict, fmt.Sprintf("backtest is %s", state.Status))
		return
	}
	trades := state.Result.Trades
	if trades == nil {
		trades = []types.CompletedTrade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     state.ID,
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backtests == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "backtests are not available")
		return
	}
	state, err := s.deps.Backtests.Cancel(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ErrBacktestNotFound) {
			writeError(w, err)
			return
		}
		writeErrorMessage(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": state.ID, "status": state.Status})
}

func (s *Server) backtest(w http.ResponseWriter, r *http.Request) (BacktestState, bool) {
	if s.deps.Backtests == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "backtests are not available")
		return BacktestState{}, false
	}
	state, ok := s.deps.Backtests.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, ErrBacktestNotFound)
		return BacktestState{}, false
	}
	return state, true
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "market data is not available")
		return
	}
	stats, err := s.deps.Feed.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"feeds": stats}
	if s.deps.WS != nil {
		resp["sessions"] = s.deps.WS.SessionCount()
		resp["channels"] = s.deps.WS.Channels()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePersistence(w http.ResponseWriter, r *http.Request) {
	if s.deps.Writer == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "persistence is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":       s.deps.Writer.Stats(),
		"deadLetters": s.deps.Writer.DeadLetters(),
	})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Data == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "data store is not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"series":       s.deps.Data.Series(),
		"cachedSeries": s.deps.Data.GetCacheSize(),
	})
}

func (s *Server) handleClearDataCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Data == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "data store is not available")
		return
	}
	evicted := s.deps.Data.GetCacheSize()
	s.deps.Data.ClearCache()
	s.logger.Info("Candle cache cleared", zap.Int("series", evicted))
	writeJSON(w, http.StatusOK, map[string]int{"evicted": evicted})
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	if s.deps.Data == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "data store is not available")
		return
	}
	symbol := mux.Vars(r)["symbol"]
	q := r.URL.Query()

	tf := types.Timeframe1h
	if v := q.Get("timeframe"); v != "" {
		parsed, err := types.ParseTimeframe(v)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		tf = parsed
	}

	start, end, err := s.deps.Data.GetDataRange(symbol, tf)
	if err != nil {
		writeError(w, err)
		return
	}
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
	}

	candles, err := s.deps.Data.Available(r.Context(), symbol, tf, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.quality.Validate(candles, symbol, tf))
}

// strategyKey reads {name} and {timeframe}, answering 400 on a bad timeframe
func strategyKey(w http.ResponseWriter, r *http.Request) (string, types.Timeframe, bool) {
	vars := mux.Vars(r)
	tf, err := types.ParseTimeframe(vars["timeframe"])
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return vars["name"], tf, true
}

func decodeConfig(r *http.Request) (strategy.Config, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return strategy.Config{}, &types.ConfigValidationError{Field: "config", Reason: err.Error()}
	}
	return strategy.ParseConfig(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	var (
		invalid *types.ConfigValidationError
		missing *types.BacktestDataMissingError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalid):
		resp := map[string]string{"error": err.Error(), "field": invalid.Field}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	case errors.As(err, &missing):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrStrategyNotFound), errors.Is(err, ErrBacktestNotFound), errors.Is(err, types.ErrNoData):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrStrategyExists):
		status = http.StatusConflict
	case errors.Is(err, workers.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, types.ErrRegistryClosed), errors.Is(err, types.ErrHubClosed), errors.Is(err, workers.ErrPoolStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeErrorMessage(w, status, err.Error())
}
