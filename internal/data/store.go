// Package data provides historical candle storage and loading.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"go.uber.org/zap"
)

// Store keeps candles as one JSON file per symbol and timeframe
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Candle
	metadata map[string]*SeriesMetadata
	now      func() time.Time
}

// SeriesMetadata describes the candles stored for a symbol and timeframe
type SeriesMetadata struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
	StartDate time.Time       `json:"startDate"`
	EndDate   time.Time       `json:"endDate"`
	BarCount  int             `json:"barCount"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger.Named("data"),
		dataDir:  dataDir,
		cache:    make(map[string][]types.Candle),
		metadata: make(map[string]*SeriesMetadata),
		now:      time.Now,
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadCandles returns the stored candles of [start, end] in time order. An
// unknown series or an empty range yields types.ErrNoData, and stored bars
// that stop short of either end yield a *types.RangeCoverageError.
func (s *Store) LoadCandles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	candles, err := s.Available(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	if err := tf.CheckCoverage(candles, start, end, s.now()); err != nil {
		return nil, fmt.Errorf("%s: %w", utils.FormatSymbol(symbol), err)
	}
	return candles, nil
}

// Available returns whatever stored candles fall inside [start, end]
func (s *Store) Available(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bars, err := s.series(symbol, tf)
	if err != nil {
		return nil, err
	}
	filtered := filterByTimeRange(bars, start, end)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%s %s: %w", utils.FormatSymbol(symbol), tf, types.ErrNoData)
	}
	return filtered, nil
}

func (s *Store) series(symbol string, tf types.Timeframe) ([]types.Candle, error) {
	s.mu.RLock()
	cached, ok := s.cache[seriesKey(symbol, tf)]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seriesLocked(symbol, tf)
}

// seriesLocked returns the cached series, reading it from disk on a miss.
// Callers hold mu for writing.
func (s *Store) seriesLocked(symbol string, tf types.Timeframe) ([]types.Candle, error) {
	key := seriesKey(symbol, tf)
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(s.filename(symbol, tf))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %s: %w", utils.FormatSymbol(symbol), tf, types.ErrNoData)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Candle
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}
	bars = normalize(bars)
	s.cache[key] = bars
	return bars, nil
}

// SaveCandles merges bars into the stored series. Bars sharing a timestamp
// with a stored bar replace it.
func (s *Store) SaveCandles(symbol string, tf types.Timeframe, bars []types.Candle) error {
	if len(bars) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.seriesLocked(symbol, tf)
	if err != nil && !isNoData(err) {
		return err
	}

	merged := normalize(append(append([]types.Candle(nil), bars...), existing...))
	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(s.filename(symbol, tf), data, 0o644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	key := seriesKey(symbol, tf)
	s.cache[key] = merged
	s.metadata[key] = &SeriesMetadata{
		Symbol:    utils.FormatSymbol(symbol),
		Timeframe: tf,
		StartDate: merged[0].Time,
		EndDate:   merged[len(merged)-1].Time,
		BarCount:  len(merged),
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}
	s.logger.Debug("Candles saved",
		zap.String("symbol", utils.FormatSymbol(symbol)),
		zap.String("timeframe", string(tf)),
		zap.Int("bars", len(merged)))
	return nil
}

// Series returns the metadata of every stored series
func (s *Store) Series() []SeriesMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SeriesMetadata, 0, len(s.metadata))
	for _, meta := range s.metadata {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe.Duration() < out[j].Timeframe.Duration()
	})
	return out
}

// GetDataRange returns the stored range of a series
func (s *Store) GetDataRange(symbol string, tf types.Timeframe) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[seriesKey(symbol, tf)]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%s %s: %w", utils.FormatSymbol(symbol), tf, types.ErrNoData)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]types.Candle)
}

// GetCacheSize returns the number of cached series
func (s *Store) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}

func (s *Store) filename(symbol string, tf types.Timeframe) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", utils.ExchangeSymbol(symbol), tf))
}

// loadMetadata loads series metadata from disk
func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SeriesMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

// saveMetadata saves series metadata to disk. Callers hold mu.
func (s *Store) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0o644)
}

func seriesKey(symbol string, tf types.Timeframe) string {
	return utils.ExchangeSymbol(symbol) + "_" + string(tf)
}

// normalize sorts bars by time and keeps the first bar of each timestamp
func normalize(bars []types.Candle) []types.Candle {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	out := bars[:0]
	for _, bar := range bars {
		if n := len(out); n > 0 && out[n-1].Time.Equal(bar.Time) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

func filterByTimeRange(bars []types.Candle, start, end time.Time) []types.Candle {
	from := sort.Search(len(bars), func(i int) bool { return !bars[i].Time.Before(start) })
	to := sort.Search(len(bars), func(i int) bool { return bars[i].Time.After(end) })
	if from >= to {
		return nil
	}
	out := make([]types.Candle, to-from)
	copy(out, bars[from:to])
	return out
}

func isNoData(err error) bool {
	return errors.Is(err, types.ErrNoData)
}
